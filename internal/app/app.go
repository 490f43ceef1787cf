// Package app wires all Sonicbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithOpener,
// WithListener, etc.). When an option is not provided, New creates real
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/sonicbridge/internal/bedrock"
	"github.com/MrWong99/sonicbridge/internal/config"
	"github.com/MrWong99/sonicbridge/internal/engine"
	"github.com/MrWong99/sonicbridge/internal/gateway"
	"github.com/MrWong99/sonicbridge/internal/health"
	"github.com/MrWong99/sonicbridge/internal/observe"
	"github.com/MrWong99/sonicbridge/internal/resilience"
	"github.com/MrWong99/sonicbridge/internal/tools"
	"github.com/MrWong99/sonicbridge/pkg/sonic"
)

// readHeaderTimeout bounds how long the server waits for request headers.
const readHeaderTimeout = 10 * time.Second

// Version is the application version reported in telemetry. Overridden at
// build time via -ldflags.
var Version = "dev"

// App owns all subsystem lifetimes: the upstream stream opener, the tool
// registry, the session engine, the websocket gateway, and the HTTP server
// carrying all endpoints.
type App struct {
	cfg *config.Config

	opener  bedrock.Opener
	tools   *tools.Registry
	breaker *resilience.CircuitBreaker
	manager *engine.Manager
	gateway *gateway.Gateway

	listener net.Listener
	server   *http.Server

	prom  *prometheus.Registry
	flush func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOpener injects a stream opener instead of creating a Bedrock client
// from config.
func WithOpener(o bedrock.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithToolRegistry injects a tool registry instead of the default one.
func WithToolRegistry(r *tools.Registry) Option {
	return func(a *App) { a.tools = r }
}

// WithListener serves on the given listener instead of binding
// server.listen_addr. Tests use it to grab an ephemeral port.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: telemetry provider,
// upstream client, tool registry, session engine, websocket gateway, and the
// HTTP server. The listener is bound here so that bind errors surface before
// the serve loop starts and Addr is usable immediately.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Upstream client ───────────────────────────────────────────────
	if err := a.initUpstream(ctx); err != nil {
		return nil, fmt.Errorf("app: init upstream: %w", err)
	}

	// ── 3. Tool registry ─────────────────────────────────────────────────
	// The app holds the forecast breaker so readiness can watch the same
	// circuit the weather tool trips.
	if a.tools == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "open-meteo"})
		a.tools = tools.DefaultRegistry(tools.WithBreaker(a.breaker))
	}

	// ── 4. Session engine ────────────────────────────────────────────────
	ec, err := engineConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.manager = engine.NewManager(a.opener, a.tools, ec)

	// ── 5. Gateway + HTTP server ─────────────────────────────────────────
	if err := a.initHTTP(ec.TeardownTimeout); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	slog.Info("Application wired.", "tools", a.tools.Names(), "addr", a.listener.Addr())
	return a, nil
}

// Addr returns the address the HTTP server is bound to.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OTel providers: metrics bridge onto a dedicated
// Prometheus registry seeded with the standard Go and process collectors, and
// the tracer behind the request and session spans. Spans stay in-process
// until a span exporter is configured.
func (a *App) initTelemetry(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	flush, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sonicbridge",
		ServiceVersion: Version,
		Registerer:     reg,
	})
	if err != nil {
		return err
	}
	a.prom = reg
	a.flush = flush
	return nil
}

// initUpstream creates the Bedrock client unless an opener was injected.
func (a *App) initUpstream(ctx context.Context) error {
	if a.opener != nil {
		return nil
	}
	bc, err := bedrockConfig(a.cfg)
	if err != nil {
		return err
	}
	client, err := bedrock.New(ctx, bc)
	if err != nil {
		return err
	}
	a.opener = client
	slog.Info("Bedrock client ready.", "region", bc.Region, "model_id", client.ModelID())
	return nil
}

// initHTTP builds the gateway, the route table, and the server, and binds the
// listener when none was injected.
func (a *App) initHTTP(disconnectTimeout time.Duration) error {
	gwOpts := []gateway.Option{}
	if disconnectTimeout > 0 {
		gwOpts = append(gwOpts, gateway.WithDisconnectTimeout(disconnectTimeout))
	}
	a.gateway = gateway.New(a.manager, gwOpts...)

	probes := []health.Probe{
		health.SessionCapacity(a.manager.Count, a.cfg.AWS.MaxConcurrentStreams),
	}
	if a.breaker != nil {
		probes = append(probes, health.Breaker("forecast", a.breaker.State))
	}

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{}))

	a.server = &http.Server{
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if a.listener == nil {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the idle sweeper until ctx is cancelled or the
// server fails. It returns ctx.Err() on cancellation; call Shutdown afterwards
// to drain connections and close sessions.
func (a *App) Run(ctx context.Context) error {
	go func() {
		_ = a.manager.Run(ctx) // returns once ctx ends or Shutdown is called
	}()

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.listener)
		}
		serveErr <- err
	}()

	slog.Info("Sonicbridge running.", "addr", a.listener.Addr(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the application down in reverse-init order: stop accepting
// HTTP, disconnect websocket clients (which closes their sessions), close any
// remaining sessions, then flush telemetry. It respects the context deadline:
// when ctx expires the remaining steps are skipped and the context error is
// returned alongside whatever failed before it.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("Shutting down.")

		steps := []struct {
			name string
			stop func(context.Context) error
		}{
			{"http", a.server.Shutdown},
			{"gateway", a.gateway.Shutdown},
			{"sessions", a.manager.Shutdown},
			{"telemetry", a.flush},
		}
		for _, step := range steps {
			if err := ctx.Err(); err != nil {
				slog.Warn("Shutdown deadline exceeded.", "skipped", step.name)
				errs = append(errs, err)
				return
			}
			if err := step.stop(ctx); err != nil {
				slog.Warn("Shutdown step failed.", "step", step.name, "error", err)
				errs = append(errs, fmt.Errorf("app: shutdown %s: %w", step.name, err))
			}
		}

		slog.Info("Shutdown complete.")
	})
	return errors.Join(errs...)
}

// ─── Config conversion ───────────────────────────────────────────────────────

// engineConfig converts the validated session and inference sections into the
// engine's typed tuning knobs. Duration strings were validated by
// config.Validate; empty ones fall through to the engine defaults.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{
		SystemPrompt: cfg.Session.SystemPrompt,
		VoiceID:      cfg.Session.VoiceID,
		Inference: sonic.InferenceConfig{
			MaxTokens:   cfg.Inference.MaxTokens,
			TopP:        cfg.Inference.TopP,
			Temperature: cfg.Inference.Temperature,
		},
		QueueBound: cfg.Session.QueueBound,
	}

	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"session.idle_timeout", cfg.Session.IdleTimeout, &ec.IdleTimeout},
		{"session.sweep_interval", cfg.Session.SweepInterval, &ec.SweepInterval},
		{"session.step_delay", cfg.Session.StepDelay, &ec.StepDelay},
		{"session.teardown_timeout", cfg.Session.TeardownTimeout, &ec.TeardownTimeout},
		{"session.open_timeout", cfg.Session.OpenTimeout, &ec.OpenTimeout},
		{"session.handshake_timeout", cfg.Session.HandshakeTimeout, &ec.HandshakeTimeout},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return engine.Config{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return ec, nil
}

// bedrockConfig converts the aws section into the upstream client's config.
func bedrockConfig(cfg *config.Config) (bedrock.Config, error) {
	bc := bedrock.Config{
		Region:               cfg.AWS.Region,
		Profile:              cfg.AWS.Profile,
		ModelID:              cfg.AWS.ModelID,
		MaxConcurrentStreams: cfg.AWS.MaxConcurrentStreams,
	}
	if cfg.AWS.RequestTimeout != "" {
		d, err := time.ParseDuration(cfg.AWS.RequestTimeout)
		if err != nil {
			return bedrock.Config{}, fmt.Errorf("parse aws.request_timeout: %w", err)
		}
		bc.RequestTimeout = d
	}
	return bc, nil
}
