// Package relay constructs and runs the Driftchat HTTP service with
// production timeouts and graceful shutdown.
package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// NewServer creates an HTTP server for the given handler with the
// configured timeouts applied.
func NewServer(cfg *Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Serve runs the server until ctx is cancelled, then shuts it down
// gracefully: first the HTTP listener, then every live session.
func Serve(ctx context.Context, server *http.Server, hub *Hub, logger zerolog.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), hub.cfg.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		shutdownErr = err
	}

	if err := hub.Shutdown(hub.cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown incomplete")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	logger.Info().Msg("shutdown completed")
	return shutdownErr
}
