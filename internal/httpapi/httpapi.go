// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the HTTP surface: component C10 of the
// relay. It exposes the pairing endpoints, credential introspection, the
// session index, a liveness probe, and the WebSocket upgrade that hands a
// connection off to internal/conn.
//
// Only /api/auth/qr, /api/auth/mobile, /health, and the /ws upgrade are
// reachable without a bearer credential; every other path requires one,
// per §4.10. A /ws client authenticates with its first message instead
// (see handleWebSocket).
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/auth"
	"github.com/sessionrelay/sessionrelay/internal/broker"
	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/conn"
	"github.com/sessionrelay/sessionrelay/internal/registry"
	"github.com/skip2/go-qrcode"
)

// Server wires the auth service, registry, and broker into an
// http.Handler.
type Server struct {
	auth     *auth.Service
	registry *registry.Registry
	broker   *broker.Broker
	clock    clock.Clock
	logger   *slog.Logger

	publicBaseURL string
	pingInterval  time.Duration
	clientSeq     atomic.Uint64

	revoked <-chan string

	mu              sync.Mutex
	byCredentialKey map[string]*conn.Client
}

// Config configures a Server.
type Config struct {
	Auth          *auth.Service
	Registry      *registry.Registry
	Broker        *broker.Broker
	Clock         clock.Clock
	Logger        *slog.Logger
	PublicBaseURL string

	// PingInterval overrides how often a connected client is
	// heartbeated. Zero keeps internal/conn's default.
	PingInterval time.Duration

	// Revoked receives a credential key whenever auth.Service revokes
	// or sweep-expires it; Server.Run closes the matching connected
	// client, if any. Wire this to the same channel passed as
	// auth.Config.Revoked. Optional.
	Revoked <-chan string
}

// New creates a Server. Call Handler to obtain the routed http.Handler,
// and Run (in its own goroutine) to process revocation notifications.
func New(cfg Config) *Server {
	if cfg.Auth == nil || cfg.Registry == nil || cfg.Broker == nil {
		panic("httpapi.New: Auth, Registry, and Broker are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:            cfg.Auth,
		registry:        cfg.Registry,
		broker:          cfg.Broker,
		clock:           c,
		logger:          logger,
		publicBaseURL:   cfg.PublicBaseURL,
		pingInterval:    cfg.PingInterval,
		revoked:         cfg.Revoked,
		byCredentialKey: make(map[string]*conn.Client),
	}
}

// Run drains revocation notifications until ctx is cancelled. No-op if
// no Revoked channel was configured.
func (s *Server) Run(ctx context.Context) {
	if s.revoked == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.revoked:
			s.mu.Lock()
			client, ok := s.byCredentialKey[key]
			s.mu.Unlock()
			if ok {
				client.NotifyRevoked()
			}
		}
	}
}

// Handler returns the routed http.Handler for the whole surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/qr", s.handleAuthQR)
	mux.HandleFunc("POST /api/auth/mobile", s.handleAuthMobile)
	mux.HandleFunc("POST /api/auth/refresh", s.requireAuth(s.handleAuthRefresh))
	mux.HandleFunc("POST /api/auth/revoke", s.requireAuth(s.handleAuthRevoke))
	mux.HandleFunc("GET /api/auth/info", s.requireAuth(s.handleAuthInfo))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// bearerKey extracts the credential key from the Authorization header
// (bearer scheme).
func bearerKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// requireAuth wraps a handler so it only runs once the bearer key
// validates; on failure it writes 401, and on success it passes the
// validated credential to the handler so handlers don't re-validate.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, auth.Credential)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing_credential", "Authorization: Bearer <key> is required")
			return
		}
		cred, err := s.auth.Validate(key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
			return
		}
		next(w, r, cred)
	}
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnknownKey):
		return "unknown_credential"
	case errors.Is(err, auth.ErrKeyRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrKeyExpired):
		return "expired"
	default:
		return "unauthorized"
	}
}

type qrResponse struct {
	Token       string `json:"token"`
	ExpiresInS  int    `json:"expires_in_s"`
	EnrollURL   string `json:"enroll_url"`
	QRPNGBase64 string `json:"qr_png_base64,omitempty"`
}

func (s *Server) handleAuthQR(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.auth.IssueEnrollment()
	if err != nil {
		s.logger.Error("issuing enrollment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue enrollment token")
		return
	}

	enrollURL := s.publicBaseURL + "/pair?token=" + enrollment.Token
	png, err := qrcode.Encode(enrollURL, qrcode.Medium, 256)
	if err != nil {
		s.logger.Warn("rendering QR code failed", "error", err)
	}

	resp := qrResponse{
		Token:      enrollment.Token,
		ExpiresInS: int(enrollment.ExpiresAt.Sub(enrollment.IssuedAt).Seconds()),
		EnrollURL:  enrollURL,
	}
	if png != nil {
		resp.QRPNGBase64 = encodePNGBase64(png)
	}
	writeJSON(w, http.StatusOK, resp)
}

type mobileRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type serverInfo struct {
	CredentialTTLSeconds int `json:"credential_ttl_seconds"`
}

type mobileResponse struct {
	Key        string     `json:"key"`
	ServerInfo serverInfo `json:"server_info"`
}

func (s *Server) handleAuthMobile(w http.ResponseWriter, r *http.Request) {
	var req mobileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", "expected {token, device_id}")
		return
	}
	if req.Token == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "malformed_body", "token and device_id are required")
		return
	}

	cred, err := s.auth.RedeemEnrollment(req.Token, req.DeviceID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, mobileResponse{
			Key: cred.Key,
			ServerInfo: serverInfo{
				CredentialTTLSeconds: int(cred.ExpiresAt.Sub(cred.IssuedAt).Seconds()),
			},
		})
	case errors.Is(err, auth.ErrUnknownToken):
		writeError(w, http.StatusUnauthorized, "unknown_token", err.Error())
	case errors.Is(err, auth.ErrTokenConsumed):
		writeError(w, http.StatusConflict, "already_consumed", err.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusGone, "expired", err.Error())
	default:
		s.logger.Error("redeeming enrollment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not redeem enrollment token")
	}
}

type refreshResponse struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request, cred auth.Credential) {
	refreshed, err := s.auth.Refresh(cred.Key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Key: refreshed.Key, ExpiresAt: refreshed.ExpiresAt})
}

func (s *Server) handleAuthRevoke(w http.ResponseWriter, r *http.Request, cred auth.Credential) {
	if err := s.auth.Revoke(cred.Key); err != nil {
		if errors.Is(err, auth.ErrUnknownKey) {
			writeError(w, http.StatusNotFound, "unknown_credential", err.Error())
			return
		}
		writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type credentialInfo struct {
	DeviceID   string    `json:"device_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Revoked    bool      `json:"revoked"`
}

func (s *Server) handleAuthInfo(w http.ResponseWriter, r *http.Request, cred auth.Credential) {
	info, err := s.auth.Info(cred.Key)
	if err != nil {
		writeError(w, http.StatusUnauthorized, authErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, credentialInfo{
		DeviceID:   info.DeviceID,
		IssuedAt:   info.IssuedAt,
		ExpiresAt:  info.ExpiresAt,
		LastUsedAt: info.LastUsedAt,
		Revoked:    info.Revoked,
	})
}

type sessionSummary struct {
	SessionID    string    `json:"session_id"`
	ProjectLabel string    `json:"project_label"`
	Status       string    `json:"status"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActivity time.Time `json:"last_activity"`
	RecordCount  uint64    `json:"record_count"`
	ParseErrors  uint64    `json:"parse_errors"`
	IOErrors     uint64    `json:"io_errors"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
	Active   int              `json:"active"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ auth.Credential) {
	descriptors := s.registry.List()
	resp := sessionsResponse{Sessions: make([]sessionSummary, 0, len(descriptors))}
	for _, d := range descriptors {
		resp.Sessions = append(resp.Sessions, sessionSummary{
			SessionID:    d.SessionID,
			ProjectLabel: d.ProjectLabel,
			Status:       d.Status.String(),
			FirstSeen:    d.FirstSeen,
			LastActivity: d.LastActivity,
			RecordCount:  d.RecordCount,
			ParseErrors:  d.ParseErrors,
			IOErrors:     d.IOErrors,
		})
		if d.Status == registry.Active {
			resp.Active++
		}
	}
	resp.Total = len(resp.Sessions)
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Time:   s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) nextClientID() string {
	return "c" + strconv.FormatUint(s.clientSeq.Add(1), 10)
}

func encodePNGBase64(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
