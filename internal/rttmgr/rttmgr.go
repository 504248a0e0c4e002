// Package rttmgr is the RTT Manager (C3): per-connection SRTT/RTTVAR/min-RTT
// and RTO estimation, plus outage detection.
package rttmgr

import (
	"time"

	"go.uber.org/zap"
)

const (
	alpha = 7.0 / 8.0 // TCP-style SRTT smoothing
	beta  = 3.0 / 4.0 // TCP-style RTTVAR smoothing
	kRTO  = 4.0       // RTO = srtt + k*rttvar
)

// Config carries the bounds and outage threshold sourced from
// config.Transport (§4.3).
type Config struct {
	MinRTO          time.Duration
	MaxRTO          time.Duration
	OutageThreshold int
}

// Manager tracks one connection's RTT statistics. Not safe for concurrent
// use — like every core component, it runs on the single facade thread.
type Manager struct {
	cfg Config
	log *zap.Logger

	haveSample        bool
	srtt              time.Duration
	rttvar            time.Duration
	minRTT            time.Duration
	consecutiveRTOExp int
	inOutage          bool
}

func New(cfg Config, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// Seed initializes SRTT from the connection handshake RTT (§4.10).
func (m *Manager) Seed(rtt time.Duration) {
	m.haveSample = true
	m.srtt = rtt
	m.rttvar = rtt / 2
	m.minRTT = rtt
}

// OnSample feeds one RTT observation, matched to an ACKed packet carrying
// an observed timestamp.
func (m *Manager) OnSample(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !m.haveSample {
		m.Seed(sample)
	} else {
		diff := m.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		m.rttvar = time.Duration(beta*float64(m.rttvar) + (1-beta)*float64(diff))
		m.srtt = time.Duration(alpha*float64(m.srtt) + (1-alpha)*float64(sample))
	}
	if m.minRTT == 0 || sample < m.minRTT {
		m.minRTT = sample
	}
	if m.inOutage {
		m.inOutage = false
		if m.log != nil {
			m.log.Info("rtt manager: outage cleared by ACK")
		}
	}
	m.consecutiveRTOExp = 0
}

// SRTT returns the current smoothed RTT estimate.
func (m *Manager) SRTT() time.Duration { return m.srtt }

// RTTVar returns the current RTT mean-deviation estimate.
func (m *Manager) RTTVar() time.Duration { return m.rttvar }

// MinRTT returns the smallest RTT sample observed.
func (m *Manager) MinRTT() time.Duration { return m.minRTT }

// RTO returns the current retransmission timeout, clamped to [MinRTO, MaxRTO].
func (m *Manager) RTO() time.Duration {
	if !m.haveSample {
		return m.cfg.MinRTO
	}
	rto := m.srtt + time.Duration(kRTO*float64(m.rttvar))
	if rto < m.cfg.MinRTO {
		return m.cfg.MinRTO
	}
	if rto > m.cfg.MaxRTO {
		return m.cfg.MaxRTO
	}
	return rto
}

// OnRTOExpired records one RTO firing with no intervening ACK. Returns true
// the instant the connection transitions into outage.
func (m *Manager) OnRTOExpired() (enteredOutage bool) {
	m.consecutiveRTOExp++
	if !m.inOutage && m.consecutiveRTOExp >= m.cfg.OutageThreshold {
		m.inOutage = true
		if m.log != nil {
			m.log.Warn("rtt manager: outage declared", zap.Int("consecutive_rto", m.consecutiveRTOExp))
		}
		return true
	}
	return false
}

// InOutage reports whether the connection is currently considered in outage.
func (m *Manager) InOutage() bool { return m.inOutage }
