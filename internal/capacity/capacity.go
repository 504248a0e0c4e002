// Package capacity is the Capacity Estimator (C4): converts congestion and
// receive-rate signals into channel/transport capacity reports over a 1s
// tumbling window, suppressing updates that don't clear a threshold.
package capacity

import "time"

const windowDuration = time.Second

// RateSource abstracts the two inputs §4.4 describes: an algorithm-reported
// rate, or cwnd/SRTT, depending on the CC's own preference.
type RateSource interface {
	UseCwndForCapEst() bool
	SendRate() float64          // algorithm-reported rate, bits/sec
	GetCongestionWindow() int   // bytes, for the cwnd/SRTT fallback
}

// Estimate is one capacity report.
type Estimate struct {
	ChannelBps    float64 // raw link estimate including headers
	TransportBps  float64 // payload-only estimate
}

// Estimator accumulates per-window byte counts and decides when a new
// estimate has changed enough to be worth reporting.
type Estimator struct {
	reportThresholdPct float64
	maxReportInterval  time.Duration

	windowStart   time.Time
	channelBytes  uint64
	payloadBytes  uint64

	lastReport     Estimate
	lastReportTime time.Time
	haveReport     bool
}

func New(reportThresholdPct float64, maxReportInterval time.Duration) *Estimator {
	return &Estimator{reportThresholdPct: reportThresholdPct, maxReportInterval: maxReportInterval}
}

// OnBytesSent records one on-wire send: wireBytes includes SLIQ/UDP/IP
// headers, payloadBytes is the application payload portion.
func (e *Estimator) OnBytesSent(now time.Time, wireBytes, payloadBytes int) {
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	e.channelBytes += uint64(wireBytes)
	e.payloadBytes += uint64(payloadBytes)
}

// MaybeReport rolls the tumbling window forward if a full window has
// elapsed and returns a new Estimate plus true when the change clears the
// report threshold, or the max report interval has elapsed since the last
// report — whichever §4.4 condition fires first. cc reports the
// algorithm-preferred rate used when UseCwndForCapEst()==false; srtt is
// used for the cwnd/SRTT fallback.
func (e *Estimator) MaybeReport(now time.Time, cc RateSource, srtt time.Duration) (Estimate, bool) {
	if e.windowStart.IsZero() || now.Sub(e.windowStart) < windowDuration {
		return e.lastReport, false
	}
	elapsed := now.Sub(e.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = windowDuration.Seconds()
	}

	var transportBps float64
	if cc != nil && !cc.UseCwndForCapEst() {
		transportBps = cc.SendRate()
	} else if cc != nil && srtt > 0 {
		transportBps = float64(cc.GetCongestionWindow()) * 8 / srtt.Seconds()
	} else {
		transportBps = float64(e.payloadBytes) * 8 / elapsed
	}
	channelBps := float64(e.channelBytes) * 8 / elapsed

	next := Estimate{ChannelBps: channelBps, TransportBps: transportBps}

	e.windowStart = now
	e.channelBytes = 0
	e.payloadBytes = 0

	if !e.haveReport {
		e.lastReport = next
		e.lastReportTime = now
		e.haveReport = true
		return next, true
	}

	changed := pctChange(e.lastReport.ChannelBps, next.ChannelBps) >= e.reportThresholdPct ||
		pctChange(e.lastReport.TransportBps, next.TransportBps) >= e.reportThresholdPct
	overdue := e.maxReportInterval > 0 && now.Sub(e.lastReportTime) >= e.maxReportInterval

	if !changed && !overdue {
		return e.lastReport, false
	}
	e.lastReport = next
	e.lastReportTime = now
	return next, true
}

func pctChange(old, new float64) float64 {
	if old == 0 {
		if new == 0 {
			return 0
		}
		return 1
	}
	d := new - old
	if d < 0 {
		d = -d
	}
	return d / old
}
