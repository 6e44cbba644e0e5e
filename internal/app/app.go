// Package app wires all Voxline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithStore, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/voxline/voxline/internal/applier"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/dlq"
	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/gateway"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/policy"
	"github.com/voxline/voxline/internal/run"
	"github.com/voxline/voxline/internal/server"
	"github.com/voxline/voxline/internal/stages"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/internal/storage/mock"
	"github.com/voxline/voxline/internal/storage/postgres"
	"github.com/voxline/voxline/internal/stream"
	"github.com/voxline/voxline/internal/transcript"
	"github.com/voxline/voxline/pkg/provider/llm"
	"github.com/voxline/voxline/pkg/provider/stt"
	"github.com/voxline/voxline/pkg/provider/tts"
)

// Providers holds one client per model operation. Nil means the operation is
// not configured; topologies skip the stages that need it. Populated by
// main.go via the config [config.Registry].
type Providers struct {
	LLM llm.Client
	STT stt.Client
	TTS tts.Client
}

// App owns all subsystem lifetimes and serves the Voxline pipeline over HTTP.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	store      storage.Store
	sink       *event.Sink
	bridge     *stream.Bridge
	policies   *policy.Registry
	gateway    *gateway.Gateway
	dlq        *dlq.Service
	cancels    *run.CancelRegistry
	controller *run.Controller
	metrics    *observe.Metrics
	server     *server.Server
	httpSrv    *http.Server

	// metricsInjected suppresses OTel provider initialisation.
	metricsInjected bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL.
func WithStore(s storage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects an instrument set instead of initialising the OTel
// providers. Passing nil disables metrics entirely.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsInjected = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.initKernel()
	a.initController()
	a.initServer()

	return a, nil
}

// initStore connects to PostgreSQL, or falls back to the in-memory store when
// no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.log.Warn("no database configured, using the in-memory store; state is lost on restart")
		a.store = mock.NewStore()
		return nil
	}

	if a.cfg.Database.MaxConns > 0 {
		var err error
		dsn, err = withPoolMaxConns(dsn, a.cfg.Database.MaxConns)
		if err != nil {
			return err
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initTelemetry sets up the OTel providers and the shared instrument set.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metricsInjected {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxline",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initKernel wires the event sink, streaming bridge, policy registry,
// gateway, applier, and dead-letter service.
func (a *App) initKernel() {
	// The sink forwards allowlisted events to the run's client stream. The
	// bridge needs the sink for drop accounting, so the forwarder resolves
	// the bridge lazily; wiring completes before any run starts.
	var bridge *stream.Bridge
	a.sink = event.NewSink(a.store,
		event.WithLogger(a.log),
		event.WithForwarder(func(runID string, e event.Event) {
			if bridge != nil {
				bridge.Forwarder()(runID, e)
			}
		},
			event.TypePipelineStarted,
			event.TypePipelineCancelRequested,
			event.TypeStageFailed,
		),
	)

	bridgeOpts := []stream.Option{stream.WithLogger(a.log)}
	if a.cfg.Stream.FrameCapacity > 0 {
		bridgeOpts = append(bridgeOpts, stream.WithFrameCapacity(a.cfg.Stream.FrameCapacity))
	}
	bridge = stream.NewBridge(a.sink, bridgeOpts...)
	a.bridge = bridge

	a.policies = policy.NewRegistry(a.sink)
	a.applyPolicyOverrides(a.cfg.Policy.Overrides)

	a.gateway = gateway.New(a.store, a.sink)
	a.dlq = dlq.New(a.store, dlq.WithLogger(a.log))
	a.cancels = run.NewCancelRegistry(a.sink, a.log)
}

// initController assembles the run controller over the kernel.
func (a *App) initController() {
	reg := pipeline.NewRegistry()
	stages.RegisterAll(reg)

	opts := []run.Option{run.WithLogger(a.log)}
	if d := a.cfg.Pipeline.DefaultDeadline.Std(); d > 0 {
		opts = append(opts, run.WithDefaultDeadline(d))
	}
	for topology, d := range a.cfg.Pipeline.Deadlines {
		opts = append(opts, run.WithDeadline(topology, d.Std()))
	}
	if d := a.cfg.Pipeline.StageTimeout.Std(); d > 0 {
		opts = append(opts, run.WithScheduler(pipeline.NewScheduler(
			pipeline.WithSchedulerLogger(a.log),
			pipeline.WithStageTimeout(d),
		)))
	}

	a.controller = run.NewController(run.Deps{
		Store:    a.store,
		Sink:     a.sink,
		Bridge:   a.bridge,
		Registry: reg,
		Policies: a.policies,
		Gateway:  a.gateway,
		DLQ:      a.dlq,
		Cancels:  a.cancels,

		LLM: a.providers.LLM,
		STT: a.providers.STT,
		TTS: a.providers.TTS,

		Transcript: transcript.New(),
		Applier: applier.New(a.store, a.policies, a.sink, applier.WithCaps(applier.Caps{
			MaxArtifacts:            a.cfg.Policy.MaxArtifacts,
			MaxArtifactPayloadBytes: a.cfg.Policy.MaxArtifactPayloadBytes,
		})),
		Metrics: a.metrics,

		Models: pipeline.ModelSelection{
			LLMProvider: a.cfg.Providers.LLM.Name,
			LLMModel:    a.cfg.Providers.LLM.Model,
			STTProvider: a.cfg.Providers.STT.Name,
			STTModel:    a.cfg.Providers.STT.Model,
			TTSProvider: a.cfg.Providers.TTS.Name,
			TTSModel:    a.cfg.Providers.TTS.Model,
			TTSVoice:    a.cfg.Providers.TTS.Voice,
		},
		Retry: gateway.RetryConfig{
			MaxAttempts:  a.cfg.Retry.MaxAttempts,
			InitialDelay: a.cfg.Retry.InitialDelay.Std(),
			MaxDelay:     a.cfg.Retry.MaxDelay.Std(),
		},
	}, opts...)
}

// initServer builds the HTTP front.
func (a *App) initServer() {
	var pingDB func(ctx context.Context) error
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		pingDB = pinger.Ping
	}

	a.server = server.New(server.Deps{
		Controller: a.controller,
		Cancels:    a.cancels,
		Bridge:     a.bridge,
		Store:      a.store,
		DLQ:        a.dlq,
		PingDB:     pingDB,
		Metrics:    a.metrics,
	}, server.WithLogger(a.log))

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Controller exposes the run controller, mainly for tests and replay tooling.
func (a *App) Controller() *run.Controller { return a.controller }

// Handler exposes the routed HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			a.log.Info("listening", "addr", a.httpSrv.Addr, "tls", true)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("listening", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyConfigChange applies the hot-reloadable parts of a config change.
// Intended as the [config.Watcher] callback.
func (a *App) ApplyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged {
		slog.SetLogLoggerLevel(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.PolicyChanged {
		for cp := range old.Policy.Overrides {
			if _, still := new.Policy.Overrides[cp]; !still {
				a.policies.ClearOverride(policy.Checkpoint(cp))
			}
		}
		a.applyPolicyOverrides(new.Policy.Overrides)
	}
	if d.DeadlinesChanged || d.RetryChanged {
		a.log.Warn("deadline and retry changes take effect after restart")
	}
}

// applyPolicyOverrides forces the configured checkpoint decisions.
func (a *App) applyPolicyOverrides(overrides map[string]string) {
	for cp, decision := range overrides {
		d := policy.Allow
		if decision == "block" {
			d = policy.Block
		}
		a.policies.Override(policy.Checkpoint(cp), d)
	}
}

// Shutdown stops the HTTP server and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel maps a config log level onto slog's.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// withPoolMaxConns sets pgxpool's pool_max_conns parameter on a DSN.
func withPoolMaxConns(dsn string, max int32) (string, error) {
	// Key-value DSNs just take another space-separated pair.
	if !strings.Contains(dsn, "://") {
		return fmt.Sprintf("%s pool_max_conns=%d", dsn, max), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("app: parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("pool_max_conns", fmt.Sprint(max))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
