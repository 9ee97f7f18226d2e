package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/kimhsiao/payrollsync/cmd/desktop/handlers"
	"github.com/kimhsiao/payrollsync/internal/app"
	"github.com/kimhsiao/payrollsync/internal/logging"
)

// newRouter builds the admin API and websocket routes.
func newRouter(a *app.App, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	handlers.NewOutboxHandler(a.Outbox, a.Driver).RegisterRoutes(r)
	r.Get("/ws", HandleWebSocket(hub))
	return r
}

// serve runs the driver and the HTTP server until ctx is done.
func serve(ctx context.Context, a *app.App) error {
	hub := NewWSHub(a.Manual)
	defer hub.Close()
	detach := hub.Attach(a.Bus)
	defer detach()

	srv := &http.Server{
		Addr:              a.Config.Server.Listen,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("Desktop server stopped", nil)
	return nil
}
