// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sessionrelay/sessionrelay/internal/auth"
	"github.com/sessionrelay/sessionrelay/internal/broker"
	"github.com/sessionrelay/sessionrelay/internal/classify"
	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/config"
	"github.com/sessionrelay/sessionrelay/internal/httpapi"
	"github.com/sessionrelay/sessionrelay/internal/registry"
	"github.com/sessionrelay/sessionrelay/internal/watch"
)

// revokedBufferSize bounds how many pending revocations auth.Service and
// httpapi.Server may queue between them. auth.Service sends without
// blocking, so a notification arriving while the channel is full is
// dropped with a warning. Sized generously since revocation is rare
// compared to session traffic.
const revokedBufferSize = 64

// relay wires together every component in the pipeline: the directory
// watcher, per-session tailers, the state classifier, the session
// registry, the auth service, the subscription broker, and the
// HTTP/WebSocket surface. newRelay builds the wiring; Run drives it
// until its context is cancelled.
type relay struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock

	registry   *registry.Registry
	authSvc    *auth.Service
	brokerSvc  *broker.Broker
	classifier *classify.Classifier
	watcher    *watch.Watcher
	http       *httpapi.Server

	// ringHistory is non-nil when cfg.HistoryBufferSize > 0, in which
	// case it's the same value installed as the broker's HistorySource.
	// Kept separately because HistorySource only exposes History, and
	// the pipeline also needs Record/Forget.
	ringHistory *broker.RingHistory
}

// newRelay constructs every component from cfg but starts nothing; call
// Run to actually drive the pipeline.
func newRelay(cfg *config.Config, logger *slog.Logger) *relay {
	clk := clock.Real()

	// Shared between auth.Service (which produces revocations) and
	// httpapi.Server (which consumes them to close the affected
	// client), per the credential-revocation routing contract.
	revoked := make(chan string, revokedBufferSize)

	reg := registry.New(nil)

	authSvc := auth.New(auth.Config{
		EnrollmentTTL: cfg.EnrollmentTTL,
		CredentialTTL: cfg.CredentialTTL,
		Clock:         clk,
		Logger:        logger,
		Revoked:       revoked,
	})

	var history broker.HistorySource = broker.DiscardHistory
	var ringHistory *broker.RingHistory
	if cfg.HistoryBufferSize > 0 {
		ringHistory = broker.NewRingHistory(cfg.HistoryBufferSize)
		history = ringHistory
	}

	brokerSvc := broker.New(broker.Config{
		History: history,
		Clock:   clk,
		Logger:  logger,
	})

	classifier := classify.New(classify.Config{
		Clock:  clk,
		Logger: logger,
	})

	watcher := watch.New(watch.Config{
		Root:   cfg.RootDir,
		Poll:   cfg.Polling,
		Logger: logger,
	})

	httpSrv := httpapi.New(httpapi.Config{
		Auth:          authSvc,
		Registry:      reg,
		Broker:        brokerSvc,
		Clock:         clk,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
		PingInterval:  cfg.PingInterval,
		Revoked:       revoked,
	})

	return &relay{
		cfg:         cfg,
		logger:      logger,
		clk:         clk,
		registry:    reg,
		authSvc:     authSvc,
		brokerSvc:   brokerSvc,
		classifier:  classifier,
		watcher:     watcher,
		http:        httpSrv,
		ringHistory: ringHistory,
	}
}

// Run starts every component and blocks until ctx is cancelled or the
// HTTP server fails to serve, then shuts everything down and returns
// the first error encountered, if any.
func (r *relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.brokerSvc.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.authSvc.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.http.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runPipeline(ctx)
	}()

	httpErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		httpErr <- serveHTTP(ctx, r.cfg.HTTPAddress, r.http.Handler(), r.logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
		cancel()
	}

	wg.Wait()
	return runErr
}
