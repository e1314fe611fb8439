package netquality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
)

// Option configures a [Monitor].
type Option func(*Monitor)

// WithConfig overrides the default configuration. Zero fields keep their
// defaults.
func WithConfig(c Config) Option {
	return func(m *Monitor) {
		m.cfg = c.withDefaults()
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) {
		if met != nil {
			m.metrics = met
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// Monitor classifies network quality from periodic liveness probes. All
// methods are safe for concurrent use.
type Monitor struct {
	prober  Prober
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	history  []Sample
	quality  Quality
	// epoch is bumped by Stop; probe results from an older epoch are dropped.
	epoch    uint64
	running  bool
	onChange func(old, new Quality)
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a monitor that probes with p. Sampling starts with [Monitor.Start].
func New(p Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:  p,
		cfg:     DefaultConfig(),
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		quality: Excellent,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Reconfigure replaces the configuration. Zero fields take their defaults.
// A running monitor is restarted with the same callback, which also clears
// the history.
func (m *Monitor) Reconfigure(c Config) {
	m.mu.Lock()
	m.cfg = c.withDefaults()
	running, onChange := m.running, m.onChange
	m.mu.Unlock()

	if running {
		m.Stop()
		m.Start(onChange)
	}
	m.log.Info("netquality: monitor reconfigured", "restarted", running)
}

// Start begins periodic sampling: one probe immediately, then one per
// interval. onChange, if non-nil, is called whenever a tick's classification
// differs from the previous one; it must not call Stop. Start is a no-op while
// already running.
func (m *Monitor) Start(onChange func(old, new Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.onChange = onChange
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.epoch, m.cfg.Interval, onChange, m.done)
	m.log.Debug("netquality: monitor started", "interval", m.cfg.Interval)
}

// Stop halts sampling, cancels any in-flight probe, clears the history and
// resets the quality to [Excellent]. Results of probes still in flight are
// ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.epoch++
	m.history = nil
	m.quality = Excellent
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.onChange = nil
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	m.log.Debug("netquality: monitor stopped")
}

// run is the sampling loop for one epoch.
func (m *Monitor) run(ctx context.Context, epoch uint64, interval time.Duration, onChange func(old, new Quality), done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var cancelPrev context.CancelFunc
	defer func() {
		if cancelPrev != nil {
			cancelPrev()
		}
	}()
	launch := func() {
		// A new tick supersedes a probe that is still running.
		if cancelPrev != nil {
			cancelPrev()
		}
		pctx, cancel := context.WithCancel(ctx)
		cancelPrev = cancel
		go m.tick(pctx, epoch, onChange)
	}

	launch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			launch()
		}
	}
}

func (m *Monitor) tick(ctx context.Context, epoch uint64, onChange func(old, new Quality)) {
	q, prev, applied := m.check(ctx, epoch)
	if !applied || q == prev {
		return
	}
	m.log.Info("netquality: quality changed", "old", prev.String(), "new", q.String())
	if onChange != nil {
		onChange(prev, q)
	}
}

// CheckQuality runs one probe bounded by the probe timeout and returns the
// resulting classification, which also becomes the cached quality. A failed
// or timed-out probe yields [Offline] and leaves the history untouched.
func (m *Monitor) CheckQuality(ctx context.Context) Quality {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	q, _, _ := m.check(ctx, epoch)
	return q
}

// check probes once and, if the result still belongs to epoch and ctx was not
// cancelled from outside, stores it. It returns the new classification, the
// previously cached one, and whether the result was applied.
func (m *Monitor) check(ctx context.Context, epoch uint64) (q, prev Quality, applied bool) {
	m.mu.Lock()
	probeTimeout := m.cfg.ProbeTimeout
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(pctx)
	rtt := time.Since(start)

	m.metrics.RecordProbe(context.Background(), rtt.Seconds(), err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.quality

	window := m.history
	if err == nil {
		window = append(window[:len(window):len(window)], Sample{Latency: rtt, At: start})
		if over := len(window) - m.cfg.HistorySize; over > 0 {
			window = window[over:]
		}
		q = m.cfg.classify(meanLatency(window))
	} else {
		q = Offline
		m.log.Debug("netquality: probe failed", "rtt", rtt, "err", err)
	}

	// Superseded, stopped, or abandoned by the caller.
	if m.epoch != epoch || ctx.Err() != nil {
		return q, prev, false
	}

	m.history = window
	m.quality = q
	m.metrics.RecordQuality(context.Background(), int64(q), q.String())
	return q, prev, true
}

// Quality returns the cached classification without probing.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// History returns a copy of the rolling sample window, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// AdaptiveTimeout returns the operation deadline for the cached quality.
// Payloads of at least the large-payload threshold get at least the
// large-payload floor.
func (m *Monitor) AdaptiveTimeout(payloadSizeHint int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.cfg.Timeouts.For(m.quality)
	if payloadSizeHint >= m.cfg.LargePayloadBytes {
		d = max(d, m.cfg.LargePayloadTimeout)
	}
	return d
}

func meanLatency(samples []Sample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s.Latency
	}
	return sum / time.Duration(len(samples))
}
