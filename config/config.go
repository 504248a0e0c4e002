// Package config loads the tunable defaults SLIQ's core uses to seed
// connections, streams, and congestion controllers before any per-call
// Configure() override from the application.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// LogConfig controls the injected zap logger (see package log).
type LogConfig struct {
	Level      string `toml:"level"`
	Path       string `toml:"path"`
	Stdout     bool   `toml:"stdout"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Transport holds the defaults for C3/C4/C7/C9/C11 that aren't already
// exposed as per-stream/per-connection Configure() parameters. The facade
// reads FlowCtrlWindowPkts, MinRtoMillis, MaxRtoMillis and OutageThreshold;
// FastRexmitDist, CapacityReportThresholdPct, MaxReportIntervalMillis and
// MaxFecRate are loaded but not read by any other package (the connection
// code uses sentpkt.FastRexmitDist and builds its capacity estimator with
// fixed arguments).
type Transport struct {
	// FlowCtrlWindowPkts bounds the sent/received window per stream.
	FlowCtrlWindowPkts uint32 `toml:"flow_ctrl_window_pkts"`
	// MinRtoMillis / MaxRtoMillis clamp the RTT manager's RTO estimate.
	MinRtoMillis int `toml:"min_rto_millis"`
	MaxRtoMillis int `toml:"max_rto_millis"`
	// OutageThreshold is the number of consecutive RTO expirations with no
	// ACK before a connection is declared in outage.
	OutageThreshold int `toml:"outage_threshold"`
	// FastRexmitDist is the "3 duplicate ACK" distance (§4.7).
	FastRexmitDist uint32 `toml:"fast_rexmit_dist"`
	// CapacityReportThresholdPct suppresses capacity reports under this
	// percent change within MaxReportIntervalMillis.
	CapacityReportThresholdPct float64 `toml:"capacity_report_threshold_pct"`
	MaxReportIntervalMillis    int     `toml:"max_report_interval_millis"`
	// MaxFecRate is the API-level cap on n-k/k FEC expansion (§4.5).
	MaxFecRate float64 `toml:"max_fec_rate"`
}

// Config is the top-level tunables document, loaded from TOML.
type Config struct {
	Log       LogConfig `toml:"log"`
	Transport Transport `toml:"transport"`
}

// Default returns the built-in tunables matching the constants named
// throughout spec.md (kFlowCtrlWindowPkts, kFastRexmitDist, ...).
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Stdout:     true,
			MaxSizeMB:  1024,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Transport: Transport{
			FlowCtrlWindowPkts:         2048,
			MinRtoMillis:               200,
			MaxRtoMillis:               60000,
			OutageThreshold:            6,
			FastRexmitDist:             3,
			CapacityReportThresholdPct: 0.05,
			MaxReportIntervalMillis:    1000,
			MaxFecRate:                 2.0,
		},
	}
}

// Load reads a TOML tunables file, falling back to Default() values for any
// field left unset by the file. The path may be overridden with the
// SLIQ_CONFIG environment variable, mirroring the teacher's MOTO_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SLIQ_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
