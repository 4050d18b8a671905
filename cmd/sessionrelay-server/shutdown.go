// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// shutdownTimeout bounds how long graceful shutdown waits for
// in-flight requests to finish. Open WebSocket connections are
// hijacked, so http.Server.Shutdown neither waits for nor closes them.
const shutdownTimeout = 10 * time.Second

// serveHTTP binds address and serves handler until ctx is cancelled,
// then shuts down gracefully: stop accepting new connections, wait up
// to shutdownTimeout for in-flight requests to complete.
func serveHTTP(ctx context.Context, address string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
			return
		}
		serveDone <- nil
	}()

	logger.Info("http server listening", "address", address)

	select {
	case <-ctx.Done():
		logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
