// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/auth"
	"github.com/sessionrelay/sessionrelay/internal/broker"
	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/conn"
	"github.com/sessionrelay/sessionrelay/internal/registry"
	"github.com/sessionrelay/sessionrelay/internal/wire"
)

// revocationTransport is a minimal conn.Transport that lets a test
// authenticate a real conn.Client and observe when it is closed.
type revocationTransport struct {
	in     chan wire.Envelope
	closed chan wire.CloseCode
}

func newRevocationTransport() *revocationTransport {
	return &revocationTransport{
		in:     make(chan wire.Envelope, 4),
		closed: make(chan wire.CloseCode, 1),
	}
}

func (t *revocationTransport) Recv() (wire.Envelope, error) {
	env, ok := <-t.in
	if !ok {
		return wire.Envelope{}, io.EOF
	}
	return env, nil
}

func (t *revocationTransport) Send(wire.Envelope) error { return nil }

func (t *revocationTransport) Close(code wire.CloseCode, reason string) error {
	select {
	case t.closed <- code:
	default:
	}
	close(t.in)
	return nil
}

func newTestServer(t *testing.T) (*Server, *auth.Service, clock.Clock) {
	t.Helper()
	fc := clock.Fake(time.Now())
	authSvc := auth.New(auth.Config{Clock: fc})
	reg := registry.New(nil)
	b := broker.New(broker.Config{Clock: fc})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	s := New(Config{
		Auth:          authSvc,
		Registry:      reg,
		Broker:        b,
		Clock:         fc,
		PublicBaseURL: "https://relay.example.com",
	})
	return s, authSvc, fc
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHandleAuthQR(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/qr", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp qrResponse
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Error("expected non-empty token")
	}
	if !strings.Contains(resp.EnrollURL, resp.Token) {
		t.Errorf("enroll url %q does not contain token %q", resp.EnrollURL, resp.Token)
	}
	if resp.ExpiresInS != 30 {
		t.Errorf("expires_in_s = %d, want 30", resp.ExpiresInS)
	}
	if resp.QRPNGBase64 == "" {
		t.Error("expected a rendered QR PNG")
	}
}

func TestHandleAuthMobile_HappyPath(t *testing.T) {
	s, authSvc, _ := newTestServer(t)
	ent, err := authSvc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}

	body := strings.NewReader(`{"token":"` + ent.Token + `","device_id":"phone-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/mobile", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp mobileResponse
	decodeBody(t, rec, &resp)
	if resp.Key == "" {
		t.Error("expected non-empty credential key")
	}
	if resp.ServerInfo.CredentialTTLSeconds <= 0 {
		t.Error("expected positive credential ttl")
	}
}

func TestHandleAuthMobile_UnknownToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := strings.NewReader(`{"token":"nope","device_id":"phone-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/mobile", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body=%s", rec.Code, rec.Body.String())
	}
	var errBody errorBody
	decodeBody(t, rec, &errBody)
	if errBody.Code != "unknown_token" {
		t.Errorf("code = %q, want unknown_token", errBody.Code)
	}
}

func TestHandleAuthMobile_TokenConsumedTwice(t *testing.T) {
	s, authSvc, _ := newTestServer(t)
	ent, err := authSvc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}

	redeem := func() *httptest.ResponseRecorder {
		body := strings.NewReader(`{"token":"` + ent.Token + `","device_id":"phone-1"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/auth/mobile", body)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := redeem()
	if first.Code != http.StatusOK {
		t.Fatalf("first redemption status = %d, want 200", first.Code)
	}
	second := redeem()
	if second.Code != http.StatusConflict {
		t.Fatalf("second redemption status = %d, want 409, body=%s", second.Code, second.Body.String())
	}
}

func TestHandleAuthMobile_ExpiredToken(t *testing.T) {
	s, authSvc, fc := newTestServer(t)
	fake := fc.(*clock.FakeClock)
	ent, err := authSvc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}

	fake.Advance(31 * time.Second)

	body := strings.NewReader(`{"token":"` + ent.Token + `","device_id":"phone-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/mobile", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleAuthMobile_MalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/mobile", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func issueCredential(t *testing.T, s *Server, svc *auth.Service) auth.Credential {
	t.Helper()
	ent, err := svc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}
	cred, err := svc.RedeemEnrollment(ent.Token, "device-1")
	if err != nil {
		t.Fatalf("RedeemEnrollment: %v", err)
	}
	return cred
}

func TestProtectedEndpoints_MissingCredential(t *testing.T) {
	s, _, _ := newTestServer(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/sessions"},
		{http.MethodGet, "/api/auth/info"},
		{http.MethodPost, "/api/auth/refresh"},
		{http.MethodPost, "/api/auth/revoke"},
	}
	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

func TestHandleAuthInfo(t *testing.T) {
	s, authSvc, _ := newTestServer(t)
	cred := issueCredential(t, s, authSvc)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/info", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var info credentialInfo
	decodeBody(t, rec, &info)
	if info.DeviceID != "device-1" {
		t.Errorf("device_id = %q, want device-1", info.DeviceID)
	}
	if info.Revoked {
		t.Error("expected a fresh credential to not be revoked")
	}
}

func TestHandleAuthRefresh(t *testing.T) {
	s, authSvc, _ := newTestServer(t)
	cred := issueCredential(t, s, authSvc)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp refreshResponse
	decodeBody(t, rec, &resp)
	if resp.Key != cred.Key {
		t.Errorf("refresh minted a different key, want same key %q got %q", cred.Key, resp.Key)
	}
}

func TestHandleAuthRevoke(t *testing.T) {
	s, authSvc, _ := newTestServer(t)
	cred := issueCredential(t, s, authSvc)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/revoke", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	// The revoked key should no longer pass requireAuth.
	req2 := httptest.NewRequest(http.MethodGet, "/api/auth/info", nil)
	req2.Header.Set("Authorization", "Bearer "+cred.Key)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("status after revoke = %d, want 401", rec2.Code)
	}
}

func TestHandleSessions(t *testing.T) {
	s, authSvc, fc := newTestServer(t)
	cred := issueCredential(t, s, authSvc)

	now := fc.Now()
	s.registry.Upsert(registry.Descriptor{
		SessionID:    "sess-1",
		ProjectLabel: "my-project",
		Status:       registry.Active,
		FirstSeen:    now,
		LastActivity: now,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+cred.Key)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp sessionsResponse
	decodeBody(t, rec, &resp)
	if resp.Total != 1 || resp.Active != 1 {
		t.Errorf("total=%d active=%d, want 1 and 1", resp.Total, resp.Active)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].SessionID != "sess-1" {
		t.Errorf("sessions = %+v, want one entry for sess-1", resp.Sessions)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

func TestRun_ClosesClientOnRevocation(t *testing.T) {
	revoked := make(chan string, 1)
	fc := clock.Fake(time.Now())
	authSvc := auth.New(auth.Config{Clock: fc, Revoked: revoked})
	reg := registry.New(nil)
	b := broker.New(broker.Config{Clock: fc})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	s := New(Config{
		Auth:     authSvc,
		Registry: reg,
		Broker:   b,
		Clock:    fc,
		Revoked:  revoked,
	})
	go s.Run(ctx)

	ent, err := authSvc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}
	cred, err := authSvc.RedeemEnrollment(ent.Token, "device-1")
	if err != nil {
		t.Fatalf("RedeemEnrollment: %v", err)
	}

	tracked := make(chan struct{}, 1)
	transport := newRevocationTransport()
	client := conn.New(conn.Config{
		ClientID:  "c1",
		Transport: transport,
		Auth:      authSvc,
		Broker:    b,
		Clock:     fc,
		OnAuthenticated: func(c *conn.Client) {
			s.trackClient(c)
			tracked <- struct{}{}
		},
		OnClosed: s.untrackClient,
	})

	clientCtx, stopClient := context.WithCancel(ctx)
	t.Cleanup(stopClient)
	go client.Run(clientCtx)

	transport.in <- wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}}

	select {
	case <-tracked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the client to authenticate")
	}

	if err := authSvc.Revoke(cred.Key); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	select {
	case code := <-transport.closed:
		if code != wire.CloseUnauthorized {
			t.Errorf("close code = %v, want CloseUnauthorized", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revocation to close the tracked client")
	}
}
