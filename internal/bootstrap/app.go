package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"swarmfeed/internal/logger"
	"swarmfeed/internal/peerlist"
)

// App wraps the bootstrap HTTP server and peer registry state.
type App struct {
	Cfg   *Config
	Store peerlist.Store
	log   *zap.Logger
	srv   *http.Server
}

// NewApp wires the registry store. A configured redis url selects the
// shared store; otherwise entries live in memory.
func NewApp(cfg *Config, log *zap.Logger) (*App, error) {
	var store peerlist.Store = peerlist.NewMemoryStore(cfg.PeerTTL)
	if cfg.RedisURL != "" {
		rs, err := peerlist.NewRedisStore(cfg.RedisURL, cfg.PeerTTL)
		if err != nil {
			return nil, err
		}
		store = rs
	}
	return &App{Cfg: cfg, Store: store, log: logger.OrNop(log)}, nil
}

// Routes returns the registry HTTP handler.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/register", a.handleRegister)
	r.Get("/peers", a.handlePeers)
	return r
}

// Start binds the listener and begins serving requests.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.Cfg.Addr)
	if err != nil {
		return err
	}
	a.srv = &http.Server{
		Handler:           a.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("bootstrap server stopped", zap.Error(err))
		}
	}()
	a.log.Info("bootstrap server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown gracefully stops the HTTP server and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.srv != nil {
		err = a.srv.Shutdown(ctx)
	}
	return errors.Join(err, a.Store.Close())
}

// WaitForShutdown blocks until ctx ends and then shuts down the app.
func WaitForShutdown(ctx context.Context, app *App) {
	<-ctx.Done()
	app.log.Info("bootstrap shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		app.log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
