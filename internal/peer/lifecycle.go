package peer

import (
	"context"

	"go.uber.org/zap"
)

// Start launches background goroutines and the optional control API.
func (a *App) Start() {
	if a == nil {
		return
	}
	go a.Cache.Run(a.ctx)
	go a.restoreContent()
	a.Runtime.Start()
	if a.API != nil {
		go func() {
			if err := a.API.Run(a.ctx); err != nil {
				a.log.Error("control api stopped", zap.Error(err))
			}
		}()
	}
}

// Shutdown stops background goroutines and releases resources in reverse
// order of acquisition.
func (a *App) Shutdown() {
	if a == nil {
		return
	}
	a.cancel()
	if a.API != nil {
		a.API.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}

// WaitForShutdown blocks until ctx ends, then shuts down the peer.
func WaitForShutdown(ctx context.Context, app *App) {
	if app == nil {
		return
	}
	<-ctx.Done()
	app.log.Info("shutting down")
	app.Shutdown()
}
