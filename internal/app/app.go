// Package app wires all voxline subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider chain, the
// network monitor, the session manager and the HTTP control API; Run serves
// until its context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProber, WithOutput,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/netquality"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/speaker"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// defaultListenAddr is used when server.listen_addr is empty.
const defaultListenAddr = ":8080"

// Providers holds the synthesis backends built by main.go via the config
// registry. Nil TTSFallback means no fallback is configured.
type Providers struct {
	TTS             tts.Provider
	TTSName         string
	TTSFallback     tts.Provider
	TTSFallbackName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	synth    *resilience.TTSFallback
	stream   tts.StreamProvider
	output   audio.Output
	prober   netquality.Prober
	monitor  *netquality.Monitor
	sessions *SessionManager
	health   *health.Handler
	metricsH http.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	cfgMu    sync.Mutex
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics injects a metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProber injects the liveness prober instead of an HTTP prober built from
// network.probe_url.
func WithProber(p netquality.Prober) Option {
	return func(a *App) { a.prober = p }
}

// WithOutput injects the audio sink instead of building one from
// playback.output.
func WithOutput(out audio.Output) Option {
	return func(a *App) { a.output = out }
}

// WithMetricsHandler replaces the Prometheus /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New does not start
// background work; call Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.TTS == nil {
		return nil, errors.New("app: a TTS provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	// ── 1. Synthesis chain ───────────────────────────────────────────────
	a.initSynthesis()

	// ── 2. Audio output ──────────────────────────────────────────────────
	if err := a.initOutput(); err != nil {
		return nil, fmt.Errorf("app: init output: %w", err)
	}

	// ── 3. Network monitor ───────────────────────────────────────────────
	if err := a.initMonitor(); err != nil {
		return nil, fmt.Errorf("app: init monitor: %w", err)
	}

	// ── 4. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(a.sessionTemplate(cfg), a.metrics, a.log)

	// ── 5. Health + HTTP ─────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "tts", Check: a.checkSynthesis},
		health.Checker{Name: "network", Check: a.checkNetwork, Optional: true},
	)
	a.handler = observe.Middleware(a.metrics)(a.routes())

	_ = ctx
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSynthesis wraps each provider in a tracing decorator and chains them
// behind circuit breakers.
func (a *App) initSynthesis() {
	p := a.providers
	name := nameOr(p.TTSName, "primary")
	a.synth = resilience.NewTTSFallback(observe.TraceTTS(name, p.TTS), name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(backend string, from, to resilience.State) {
				a.log.Warn("synthesis backend availability changed",
					"backend", backend, "from", from.String(), "to", to.String())
			},
		},
	})
	if p.TTSFallback != nil {
		fbName := nameOr(p.TTSFallbackName, "fallback")
		a.synth.AddFallback(fbName, observe.TraceTTS(fbName, p.TTSFallback))
	}
	if sp, ok := p.TTS.(tts.StreamProvider); ok {
		a.stream = sp
	}
}

// initOutput opens the configured audio sink unless one was injected.
func (a *App) initOutput() error {
	if a.output != nil {
		return nil
	}
	pb := a.cfg.Playback
	switch pb.Output {
	case config.OutputSpeaker:
		f := speaker.DefaultFormat
		if pb.SampleRate > 0 {
			f.SampleRate = pb.SampleRate
		}
		if pb.Channels > 0 {
			f.Channels = pb.Channels
		}
		spk, err := speaker.New(speaker.WithFormat(f))
		if err != nil {
			return err
		}
		a.output = spk.Output()
		a.closers = append(a.closers, spk.Close)
		a.log.Info("audio output: speaker", "format", f.String())
	default:
		a.output = audio.Discard
		a.log.Info("audio output: discard")
	}
	return nil
}

// initMonitor builds the network monitor. Without a probe URL the monitor
// probes this server's own /healthz.
func (a *App) initMonitor() error {
	if a.prober == nil {
		target := a.cfg.Network.ProbeURL
		if target == "" {
			u, err := selfURL(a.listenAddr())
			if err != nil {
				return err
			}
			target = u + "/healthz"
		}
		a.prober = netquality.NewHTTPProber(target)
		a.log.Debug("network probe target", "url", target)
	}
	a.monitor = netquality.New(a.prober,
		netquality.WithConfig(a.cfg.Network.MonitorConfig()),
		netquality.WithMetrics(a.metrics),
		netquality.WithLogger(a.log),
	)
	return nil
}

// sessionTemplate derives the per-session configuration from cfg.
func (a *App) sessionTemplate(cfg *config.Config) session.Config {
	return session.Config{
		Provider:     a.synth,
		Stream:       a.stream,
		Monitor:      a.monitor,
		Output:       a.output,
		VoiceID:      cfg.Voice.VoiceID,
		Speed:        cfg.Voice.Speed,
		QueueOptions: cfg.Playback.QueueOptions(),
		Observer:     observe.NewPlaybackObserver(a.metrics, nameOr(a.providers.TTSName, "primary")),
	}
}

func (a *App) listenAddr() string {
	if a.cfg.Server.ListenAddr == "" {
		return defaultListenAddr
	}
	return a.cfg.Server.ListenAddr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP control API with observability middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Monitor returns the network quality monitor.
func (a *App) Monitor() *netquality.Monitor { return a.monitor }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the network monitor and serves the HTTP API until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listenAddr())
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but uses an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.monitor.Start(func(old, new netquality.Quality) {
		a.log.Info("network quality changed",
			"old", old.String(),
			"new", new.String(),
			"timeout", a.monitor.AdaptiveTimeout(0),
		)
	})

	a.log.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Voice and playback
// changes apply to sessions created afterwards; network changes restart the
// monitor. Changes that need a restart are logged.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.VoiceChanged || d.PlaybackChanged {
		a.sessions.SetTemplate(a.sessionTemplate(next))
		a.log.Info("session defaults updated", "voice", d.VoiceChanged, "playback", d.PlaybackChanged)
	}
	if d.NetworkChanged {
		a.monitor.Reconfigure(next.Network.MonitorConfig())
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		a.monitor.Stop()
		if err := a.sessions.CloseAll(ctx); err != nil {
			a.log.Warn("session close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Health checks ───────────────────────────────────────────────────────────

// checkSynthesis fails when every backend's circuit is open.
func (a *App) checkSynthesis(context.Context) error {
	states := a.synth.States()
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d synthesis backends are unavailable", len(states))
}

// checkNetwork reports the cached quality; offline degrades readiness.
func (a *App) checkNetwork(context.Context) error {
	if q := a.monitor.Quality(); q == netquality.Offline {
		return errors.New("network offline")
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// selfURL turns a listen address into a URL reachable from this host.
func selfURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
