// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the auth service: component C6 of the
// relay. It issues short-lived enrollment tokens for QR pairing, mints
// long-lived device credentials on redemption, validates and refreshes
// them, and sweeps expired entries on a timer.
//
// Tokens and keys are opaque random strings generated with
// crypto/rand, not structured or signed — there is nothing to verify
// offline, so a bearer-lookup model is sufficient and avoids carrying
// a signing keypair for state that doesn't survive a restart anyway.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/clock"
)

// DefaultEnrollmentTTL is how long an issued enrollment token remains
// redeemable.
const DefaultEnrollmentTTL = 30 * time.Second

// DefaultCredentialTTL is how long a minted device credential remains
// valid without a refresh.
const DefaultCredentialTTL = 30 * 24 * time.Hour

// DefaultSweepInterval is how often expired enrollments and
// credentials are purged from the in-memory tables.
const DefaultSweepInterval = 60 * time.Second

// enrollmentTokenBytes is 128 bits of entropy, hex-encoded.
const enrollmentTokenBytes = 16

// credentialKeyBytes is 256 bits of entropy, hex-encoded.
const credentialKeyBytes = 32

var (
	ErrUnknownToken  = errors.New("auth: unknown enrollment token")
	ErrTokenConsumed = errors.New("auth: enrollment token already consumed")
	ErrTokenExpired  = errors.New("auth: enrollment token expired")
	ErrUnknownKey    = errors.New("auth: unknown device credential")
	ErrKeyRevoked    = errors.New("auth: device credential revoked")
	ErrKeyExpired    = errors.New("auth: device credential expired")
)

// EnrollmentToken is a short-lived single-use secret that bootstraps a
// device credential.
type EnrollmentToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Credential is a long-lived opaque key bound to a device.
type Credential struct {
	Key        string
	DeviceID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
	Revoked    bool
}

// Config configures a Service.
type Config struct {
	EnrollmentTTL time.Duration
	CredentialTTL time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger

	// Revoked receives a Credential's key whenever it is revoked or
	// found expired during a sweep, so the connection manager can
	// terminate any client still holding it. Optional.
	Revoked chan<- string
}

// Service holds the enrollment and credential tables and the
// operations the HTTP surface and connection manager use to mint,
// validate, refresh, and revoke them.
//
// All table mutations go through a single mutex; per §4.6 this gives
// the same linearizability as a single-owner mailbox without paying
// for a dedicated goroutine on the request path.
type Service struct {
	enrollmentTTL time.Duration
	credentialTTL time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	revoked       chan<- string

	mu          sync.Mutex
	enrollments map[string]*EnrollmentToken
	credentials map[string]*Credential
}

// New creates a Service from Config.
func New(cfg Config) *Service {
	enrollTTL := cfg.EnrollmentTTL
	if enrollTTL <= 0 {
		enrollTTL = DefaultEnrollmentTTL
	}
	credTTL := cfg.CredentialTTL
	if credTTL <= 0 {
		credTTL = DefaultCredentialTTL
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		enrollmentTTL: enrollTTL,
		credentialTTL: credTTL,
		sweepInterval: sweep,
		clock:         c,
		logger:        logger,
		revoked:       cfg.Revoked,
		enrollments:   make(map[string]*EnrollmentToken),
		credentials:   make(map[string]*Credential),
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueEnrollment generates a new enrollment token and stores it.
func (s *Service) IssueEnrollment() (EnrollmentToken, error) {
	token, err := randomHex(enrollmentTokenBytes)
	if err != nil {
		return EnrollmentToken{}, fmt.Errorf("issuing enrollment: %w", err)
	}

	now := s.clock.Now()
	ent := &EnrollmentToken{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.enrollmentTTL),
	}

	s.mu.Lock()
	s.enrollments[token] = ent
	s.mu.Unlock()

	return *ent, nil
}

// RedeemEnrollment atomically verifies and consumes an enrollment
// token, minting a fresh Credential on success. Funneling every
// redemption through this single path is load-bearing: a second entry
// point that bypasses this mutex could admit two redemptions of the
// same token.
func (s *Service) RedeemEnrollment(token, deviceID string) (Credential, error) {
	now := s.clock.Now()

	s.mu.Lock()
	ent, ok := s.enrollments[token]
	if !ok {
		s.mu.Unlock()
		return Credential{}, ErrUnknownToken
	}
	if ent.Consumed {
		s.mu.Unlock()
		return Credential{}, ErrTokenConsumed
	}
	if !now.Before(ent.ExpiresAt) {
		s.mu.Unlock()
		return Credential{}, ErrTokenExpired
	}
	ent.Consumed = true
	s.mu.Unlock()

	key, err := randomHex(credentialKeyBytes)
	if err != nil {
		return Credential{}, fmt.Errorf("redeeming enrollment: %w", err)
	}
	cred := &Credential{
		Key:        key,
		DeviceID:   deviceID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.credentialTTL),
		LastUsedAt: now,
	}

	s.mu.Lock()
	s.credentials[key] = cred
	s.mu.Unlock()

	return *cred, nil
}

// Validate checks that key names an unrevoked, unexpired credential,
// and bumps its LastUsedAt.
func (s *Service) Validate(key string) (Credential, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[key]
	if !ok {
		return Credential{}, ErrUnknownKey
	}
	if cred.Revoked {
		return Credential{}, ErrKeyRevoked
	}
	if !now.Before(cred.ExpiresAt) {
		return Credential{}, ErrKeyExpired
	}
	cred.LastUsedAt = now
	return *cred, nil
}

// Refresh extends a currently-valid credential's expiry by the
// configured credential TTL.
func (s *Service) Refresh(key string) (Credential, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[key]
	if !ok {
		return Credential{}, ErrUnknownKey
	}
	if cred.Revoked {
		return Credential{}, ErrKeyRevoked
	}
	if !now.Before(cred.ExpiresAt) {
		return Credential{}, ErrKeyExpired
	}
	cred.ExpiresAt = cred.ExpiresAt.Add(s.credentialTTL)
	cred.LastUsedAt = now
	return *cred, nil
}

// Info returns a credential's current state without mutating
// LastUsedAt, for introspection.
func (s *Service) Info(key string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[key]
	if !ok {
		return Credential{}, ErrUnknownKey
	}
	return *cred, nil
}

// Revoke marks a credential revoked, after which Validate fails for
// it, and notifies Revoked so connected clients holding it can be
// closed.
func (s *Service) Revoke(key string) error {
	s.mu.Lock()
	cred, ok := s.credentials[key]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownKey
	}
	cred.Revoked = true
	s.mu.Unlock()

	s.notifyRevoked(key)
	return nil
}

func (s *Service) notifyRevoked(key string) {
	if s.revoked == nil {
		return
	}
	select {
	case s.revoked <- key:
	default:
		s.logger.Warn("revocation notification dropped, channel full", "key_prefix", key[:8])
	}
}

// sweep deletes enrollments and credentials past their expiry.
// Credentials are notified via Revoked before deletion so the
// connection manager can close any client still holding one.
func (s *Service) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	var expiredKeys []string
	for token, ent := range s.enrollments {
		if now.After(ent.ExpiresAt) {
			delete(s.enrollments, token)
		}
	}
	for key, cred := range s.credentials {
		if now.After(cred.ExpiresAt) {
			expiredKeys = append(expiredKeys, key)
			delete(s.credentials, key)
		}
	}
	s.mu.Unlock()

	for _, key := range expiredKeys {
		s.notifyRevoked(key)
	}
}

// Run drives the periodic sweep until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
