// Package app wires all voicegate subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithAccountStore,
// WithStopNotify, etc.). When an option is not provided, New creates real
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

	"github.com/MrWong99/voicegate/internal/accounts"
	"github.com/MrWong99/voicegate/internal/admin"
	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/delivery"
	"github.com/MrWong99/voicegate/internal/gateway"
	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/MrWong99/voicegate/internal/intercept/handlers"
	"github.com/MrWong99/voicegate/internal/notify"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readHeaderTimeout bounds the time a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	db          *pgxpool.Pool
	accounts    accounts.Store
	ledger      *accounts.Ledger
	pool        *intercept.Pool
	interceptor *intercept.Interceptor
	stopNotify  []audio.Frame
	dispatcher  *delivery.Dispatcher
	gateway     *gateway.Server
	responder   gateway.Responder
	health      *health.Handler
	handler     http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready    chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAccountStore injects an account store instead of creating one from config.
func WithAccountStore(s accounts.Store) Option {
	return func(a *App) { a.accounts = s }
}

// WithStopNotify injects pre-encoded notification frames instead of loading
// the configured MP3 file.
func WithStopNotify(frames []audio.Frame) Option {
	return func(a *App) { a.stopNotify = frames }
}

// WithResponder forwards device messages that are not handled by the gateway
// itself to r.
func WithResponder(r gateway.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the level of the default logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. All initialisation
// happens synchronously: database connection and migration, interception
// handlers, notification sound decoding and HTTP routing.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Accounts ─────────────────────────────────────────────────────
	if err := a.initAccounts(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init accounts: %w", err)
	}

	// ── 2. Interceptor ──────────────────────────────────────────────────
	if err := a.initInterceptor(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init interceptor: %w", err)
	}

	// ── 3. Delivery ─────────────────────────────────────────────────────
	a.initDelivery()

	// ── 4. Gateway + HTTP routes ────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAccounts connects the PostgreSQL ledger or falls back to memory.
func (a *App) initAccounts(ctx context.Context) error {
	dsn := a.cfg.Accounts.PostgresDSN
	if dsn != "" {
		pool, err := connect(ctx, dsn)
		if err != nil {
			return err
		}
		a.db = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}

	if a.accounts == nil {
		if a.db != nil {
			store := accounts.NewPostgresStore(a.db, a.cfg.Accounts.DefaultBalance)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.accounts = store
			slog.Info("account ledger ready", "backend", "postgres")
		} else {
			a.accounts = accounts.NewMemStore(a.cfg.Accounts.DefaultBalance)
			slog.Info("account ledger ready", "backend", "memory")
		}
	}
	a.ledger = accounts.NewLedger(a.accounts, a.cfg.Accounts.CostPerRequest)
	return nil
}

func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	// The database may still be starting when voicegate boots.
	if err := defaultRetry().do(ctx, "postgres", pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// migrator is implemented by handlers that own a database table.
type migrator interface {
	Migrate(ctx context.Context) error
}

// initInterceptor builds the background pool, the handler chain and the
// interceptor.
func (a *App) initInterceptor(ctx context.Context) error {
	ic := a.cfg.Interceptor
	a.pool = intercept.NewPool(ic.MaxWorkers, ic.QueueSize, intercept.WithPoolMetrics(a.metrics))

	deps := handlers.Deps{
		Ledger:     a.ledger,
		Submitter:  a.pool,
		Metrics:    a.metrics,
		HTTPClient: &http.Client{},
	}
	if a.db != nil {
		deps.DB = a.db
	}
	reg, err := intercept.BuildRegistry(handlers.Registrations(ic.Handlers, deps))
	if err != nil {
		_ = a.pool.Close(ctx)
		return err
	}
	for _, h := range reg.Handlers() {
		if m, ok := h.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				_ = a.pool.Close(ctx)
				return err
			}
		}
	}

	store := intercept.NewStore(ic.HistoryCapacity)
	store.SetEnabled(ic.Enabled)
	store.SetLogRequests(ic.LogRequests)
	a.interceptor = intercept.New(store,
		intercept.WithRegistry(reg),
		intercept.WithPool(a.pool),
		intercept.WithMetrics(a.metrics),
		intercept.WithDebug(ic.Debug),
	)
	return nil
}

// initDelivery decodes the stop notification and creates the dispatcher.
// A notification that fails to load is skipped.
func (a *App) initDelivery() {
	dc := a.cfg.Delivery
	if dc.StopNotify.Enabled && a.stopNotify == nil {
		frames, err := notify.Load(dc.StopNotify.Path)
		if err != nil {
			slog.Warn("stop notification disabled", "path", dc.StopNotify.Path, "err", err)
		} else {
			a.stopNotify = frames
			slog.Info("stop notification loaded", "path", dc.StopNotify.Path, "frames", len(frames))
		}
	}
	if !dc.StopNotify.Enabled {
		a.stopNotify = nil
	}
	a.dispatcher = delivery.New(delivery.Config{
		CloseAfterChat: dc.CloseAfterChat,
		EndPrompt:      dc.EndPrompt,
		StopNotify:     a.stopNotify,
	}, delivery.WithMetrics(a.metrics))
}

// initHTTP creates the gateway and the routing table.
func (a *App) initHTTP() {
	opts := []gateway.Option{
		gateway.WithInterceptor(a.interceptor),
		gateway.WithMetrics(a.metrics),
		gateway.WithIdleTimeout(a.cfg.Server.IdleTimeout),
		gateway.WithCaptureOutbound(a.cfg.Interceptor.CaptureOutbound),
	}
	if a.responder != nil {
		opts = append(opts, gateway.WithResponder(a.responder))
	}
	a.gateway = gateway.New(a.dispatcher, opts...)

	checkers := []health.Checker{{
		Name: "interceptor",
		Check: func(context.Context) error {
			return a.pool.Submit(func(context.Context) {})
		},
	}}
	if a.db != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.db.Ping})
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	admin.New(a.interceptor).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle(a.cfg.Server.WebsocketPath, a.gateway)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Gateway returns the device websocket server.
func (a *App) Gateway() *gateway.Server { return a.gateway }

// Interceptor returns the message interceptor.
func (a *App) Interceptor() *intercept.Interceptor { return a.interceptor }

// Ledger returns the device account ledger.
func (a *App) Ledger() *accounts.Ledger { return a.ledger }

// Dispatcher returns the audio dispatcher.
func (a *App) Dispatcher() *delivery.Dispatcher { return a.dispatcher }

// Addr returns the listening address once [App.Run] has bound its socket,
// or nil before that.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Ready is closed once [App.Run] is accepting connections.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server, a.listener = srv, ln
	a.mu.Unlock()

	go a.gateway.RunReaper(ctx)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	close(a.ready)

	slog.Info("server listening",
		"addr", ln.Addr().String(),
		"websocket_path", a.cfg.Server.WebsocketPath,
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Settings
// that need a restart are logged and ignored.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	store := a.interceptor.Store()
	if d.InterceptorEnabledChanged {
		store.SetEnabled(cfg.Interceptor.Enabled)
		slog.Info("interceptor toggled", "enabled", cfg.Interceptor.Enabled)
	}
	if d.LogRequestsChanged {
		store.SetLogRequests(cfg.Interceptor.LogRequests)
	}
	if d.CloseAfterChatChanged {
		a.dispatcher.SetCloseAfterChat(cfg.Delivery.CloseAfterChat)
	}
	if d.EndPromptChanged {
		a.dispatcher.SetEndPrompt(cfg.Delivery.EndPrompt)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a [slog.Level].
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: readiness is failed first,
// then the HTTP server stops accepting, device sessions are closed, queued
// background work drains and finally the database pool is closed. It
// respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.gateway.Sessions().Len())
		a.health.SetDraining(true)

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		if n := a.gateway.Shutdown(ctx); n > 0 {
			slog.Info("closed device sessions", "count", n)
		}

		if err := a.interceptor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("interceptor: %w", err))
		}
		a.waitBilling(ctx)

		errs = append(errs, a.closeAll())
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// backgroundCloser is implemented by handlers with detached in-flight work. Close
// must refuse new work and wait for what is running.
type backgroundCloser interface {
	Close()
}

func (a *App) waitBilling(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, h := range a.interceptor.Registry().Handlers() {
			if c, ok := h.(backgroundCloser); ok {
				c.Close()
			}
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown deadline exceeded while waiting for billing")
	}
}

// closeAll runs the closers in order and joins their errors.
func (a *App) closeAll() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
