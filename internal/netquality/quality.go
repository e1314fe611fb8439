// Package netquality measures round-trip latency to a liveness endpoint and
// classifies the connection into a small set of quality bands.
//
// The [Monitor] samples periodically, keeps a short rolling history, and
// exposes [Monitor.AdaptiveTimeout] so that time-bounded operations such as
// speech synthesis can stretch their deadlines on a degraded connection.
package netquality

import (
	"fmt"
	"time"
)

// Quality is the classification of recent network latency.
type Quality int

const (
	Excellent Quality = iota
	Good
	Poor
	Offline
)

// String returns the lower-case name of q.
func (q Quality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Poor:
		return "poor"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("Quality(%d)", int(q))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Sample is one successful latency measurement.
type Sample struct {
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

// Timeouts maps each quality band to an operation deadline.
type Timeouts struct {
	Excellent time.Duration
	Good      time.Duration
	Poor      time.Duration
	Offline   time.Duration
}

// For returns the deadline for q. The result never decreases as q degrades,
// even if the configured values are out of order.
func (t Timeouts) For(q Quality) time.Duration {
	bands := [...]time.Duration{t.Excellent, t.Good, t.Poor, t.Offline}
	idx := min(max(int(q), 0), len(bands)-1)
	var d time.Duration
	for _, b := range bands[:idx+1] {
		d = max(d, b)
	}
	return d
}

// Config holds the monitor's tunables. Zero fields fall back to
// [DefaultConfig].
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	HistorySize  int

	// Mean latency below ExcellentBelow is excellent, below GoodBelow is good,
	// anything slower is poor.
	ExcellentBelow time.Duration
	GoodBelow      time.Duration

	Timeouts Timeouts

	// Payloads of at least LargePayloadBytes get at least LargePayloadTimeout.
	LargePayloadBytes   int
	LargePayloadTimeout time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		ProbeTimeout:   5 * time.Second,
		HistorySize:    5,
		ExcellentBelow: 100 * time.Millisecond,
		GoodBelow:      300 * time.Millisecond,
		Timeouts: Timeouts{
			Excellent: 10 * time.Second,
			Good:      15 * time.Second,
			Poor:      25 * time.Second,
			Offline:   30 * time.Second,
		},
		LargePayloadBytes:   256 << 10,
		LargePayloadTimeout: 20 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.ExcellentBelow <= 0 {
		c.ExcellentBelow = d.ExcellentBelow
	}
	if c.GoodBelow <= 0 {
		c.GoodBelow = d.GoodBelow
	}
	if c.Timeouts.Excellent <= 0 {
		c.Timeouts.Excellent = d.Timeouts.Excellent
	}
	if c.Timeouts.Good <= 0 {
		c.Timeouts.Good = d.Timeouts.Good
	}
	if c.Timeouts.Poor <= 0 {
		c.Timeouts.Poor = d.Timeouts.Poor
	}
	if c.Timeouts.Offline <= 0 {
		c.Timeouts.Offline = d.Timeouts.Offline
	}
	if c.LargePayloadBytes <= 0 {
		c.LargePayloadBytes = d.LargePayloadBytes
	}
	if c.LargePayloadTimeout <= 0 {
		c.LargePayloadTimeout = d.LargePayloadTimeout
	}
	return c
}

// classify maps a mean latency to a quality band.
func (c Config) classify(mean time.Duration) Quality {
	switch {
	case mean < c.ExcellentBelow:
		return Excellent
	case mean < c.GoodBelow:
		return Good
	default:
		return Poor
	}
}
