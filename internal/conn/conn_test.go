// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/auth"
	"github.com/sessionrelay/sessionrelay/internal/broker"
	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/wire"
)

// fakeTransport is an in-memory Transport: the test drives inbound
// envelopes via the in channel and observes outbound ones via Sent.
type fakeTransport struct {
	mu     sync.Mutex
	in     chan wire.Envelope
	sent   []wire.Envelope
	sentCh chan wire.Envelope
	closed bool
	code   wire.CloseCode
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan wire.Envelope, 16),
		sentCh: make(chan wire.Envelope, 64),
	}
}

func (f *fakeTransport) Recv() (wire.Envelope, error) {
	env, ok := <-f.in
	if !ok {
		return wire.Envelope{}, io.EOF
	}
	return env, nil
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	f.sentCh <- env
	return nil
}

func (f *fakeTransport) Close(code wire.CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.code = code
	f.reason = reason
	close(f.in)
	return nil
}

func (f *fakeTransport) push(env wire.Envelope) {
	f.in <- env
}

func (f *fakeTransport) drain(t *testing.T, want wire.Type) wire.Envelope {
	t.Helper()
	for {
		select {
		case env := <-f.sentCh:
			if env.Type == want {
				return env
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope of type %q", want)
		}
	}
}

func newTestService(t *testing.T, c clock.Clock) *auth.Service {
	t.Helper()
	return auth.New(auth.Config{Clock: c})
}

func newTestBroker(ctx context.Context, c clock.Clock) *broker.Broker {
	b := broker.New(broker.Config{Clock: c})
	go b.Run(ctx)
	return b
}

func issueCredential(t *testing.T, svc *auth.Service) auth.Credential {
	t.Helper()
	enroll, err := svc.IssueEnrollment()
	if err != nil {
		t.Fatalf("IssueEnrollment: %v", err)
	}
	cred, err := svc.RedeemEnrollment(enroll.Token, "device-1")
	if err != nil {
		t.Fatalf("RedeemEnrollment: %v", err)
	}
	return cred
}

func TestClient_SendsConnectedOnAccept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	connected := transport.drain(t, wire.TypeConnected)
	payload, ok := connected.Payload.(wire.ConnectedPayload)
	if !ok || payload.ClientID != "C1" {
		t.Fatalf("unexpected connected payload: %+v", connected.Payload)
	}
}

func TestClient_AuthDeadlineClosesUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc, AuthDeadline: 5 * time.Second})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	fc.WaitForTimers(3) // auth deadline, ping ticker, idle cutoff
	fc.Advance(5 * time.Second)

	transport.drain(t, wire.TypeDisconnecting)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after auth deadline")
	}
	if transport.code != wire.CloseUnauthorized {
		t.Fatalf("close code = %v, want CloseUnauthorized", transport.code)
	}
}

func TestClient_AuthenticateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)
	cred := issueCredential(t, svc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})

	authenticated := transport.drain(t, wire.TypeAuthenticated)
	payload, ok := authenticated.Payload.(wire.AuthenticatedPayload)
	if !ok || !payload.Success {
		t.Fatalf("unexpected authenticated payload: %+v", authenticated.Payload)
	}
	if client.state != Authenticated {
		t.Fatalf("state = %v, want Authenticated", client.state)
	}
}

func TestClient_AuthenticateFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: "bogus"}})

	transport.drain(t, wire.TypeAuthenticationFailed)
	transport.drain(t, wire.TypeDisconnecting)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after failed auth")
	}
}

func TestClient_SubscribeSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)
	cred := issueCredential(t, svc)
	b.MarkSessionKnown(ctx, "S1")

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})
	transport.drain(t, wire.TypeAuthenticated)

	transport.push(wire.Envelope{Type: wire.TypeSubscribe, Payload: wire.SubscribePayload{SessionID: "S1"}})
	subscribed := transport.drain(t, wire.TypeSubscribed)
	transport.drain(t, wire.TypeSessionHistoryStart)
	transport.drain(t, wire.TypeSessionHistoryEnd)
	payload, ok := subscribed.Payload.(wire.SubscribedPayload)
	if !ok || payload.SessionID != "S1" {
		t.Fatalf("unexpected subscribed payload: %+v", subscribed.Payload)
	}
	if client.state != Streaming {
		t.Fatalf("state = %v, want Streaming", client.state)
	}
}

func TestClient_SubscribeUnknownSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)
	cred := issueCredential(t, svc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})
	transport.drain(t, wire.TypeAuthenticated)

	transport.push(wire.Envelope{Type: wire.TypeSubscribe, Payload: wire.SubscribePayload{SessionID: "ghost"}})
	errEnv := transport.drain(t, wire.TypeError)
	payload, ok := errEnv.Payload.(wire.ErrorPayload)
	if !ok || payload.Code != "unknown_session" {
		t.Fatalf("unexpected error payload: %+v", errEnv.Payload)
	}
}

func TestClient_SubscribeOccupiedReportsExistingDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	b := newTestBroker(ctx, fc)
	b.MarkSessionKnown(ctx, "S1")
	otherMailbox := make(chan wire.Envelope, 8)
	b.Subscribe(ctx, "S1", broker.Subscriber{ClientID: "other", DeviceID: "device-other", Mailbox: otherMailbox}, false)

	transport := newFakeTransport()
	svc := newTestService(t, fc)
	cred := issueCredential(t, svc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})
	transport.drain(t, wire.TypeAuthenticated)

	transport.push(wire.Envelope{Type: wire.TypeSubscribe, Payload: wire.SubscribePayload{SessionID: "S1"}})
	occupied := transport.drain(t, wire.TypeSessionOccupied)
	payload, ok := occupied.Payload.(wire.SessionOccupiedPayload)
	if !ok || payload.ExistingDevice != "device-other" || !payload.CanTakeOver {
		t.Fatalf("unexpected session_occupied payload: %+v", occupied.Payload)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)
	cred := issueCredential(t, svc)
	b.MarkSessionKnown(ctx, "S1")

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})
	transport.drain(t, wire.TypeAuthenticated)
	transport.push(wire.Envelope{Type: wire.TypeSubscribe, Payload: wire.SubscribePayload{SessionID: "S1"}})
	transport.drain(t, wire.TypeSubscribed)
	transport.drain(t, wire.TypeSessionHistoryStart)
	transport.drain(t, wire.TypeSessionHistoryEnd)

	transport.push(wire.Envelope{Type: wire.TypeUnsubscribe, Payload: wire.UnsubscribePayload{SessionID: "S1"}})
	unsub := transport.drain(t, wire.TypeUnsubscribed)
	payload, ok := unsub.Payload.(wire.UnsubscribedPayload)
	if !ok || payload.SessionID != "S1" {
		t.Fatalf("unexpected unsubscribed payload: %+v", unsub.Payload)
	}
	if client.state != Authenticated {
		t.Fatalf("state = %v, want Authenticated after unsubscribe", client.state)
	}
}

func TestClient_HeartbeatPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc, PingInterval: 10 * time.Second})
	go client.Run(ctx)

	transport.drain(t, wire.TypeConnected)
	fc.WaitForTimers(3)
	fc.Advance(10 * time.Second)
	transport.drain(t, wire.TypePing)

	transport.push(wire.Envelope{Type: wire.TypePing})
	transport.drain(t, wire.TypePong)
}

func TestClient_IdleCutoffCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc, IdleCutoff: 5 * time.Second, AuthDeadline: time.Hour, PingInterval: time.Hour})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	fc.WaitForTimers(3)
	fc.Advance(5 * time.Second)

	transport.drain(t, wire.TypeDisconnecting)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after idle cutoff")
	}
	if transport.code != wire.CloseNormal {
		t.Fatalf("close code = %v, want CloseNormal", transport.code)
	}
}

func TestClient_CredentialRevocationCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)
	cred := issueCredential(t, svc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	transport.push(wire.Envelope{Type: wire.TypeAuthenticate, Payload: wire.AuthenticatePayload{Key: cred.Key}})
	transport.drain(t, wire.TypeAuthenticated)

	client.NotifyRevoked()
	transport.drain(t, wire.TypeDisconnecting)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after revocation")
	}
	if transport.code != wire.CloseUnauthorized {
		t.Fatalf("close code = %v, want CloseUnauthorized", transport.code)
	}
}

func TestClient_ProtocolOffensesCloseAfterThreshold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	for i := 0; i < MaxProtocolOffenses; i++ {
		transport.push(wire.Envelope{Type: wire.Type("bogus")})
		transport.drain(t, wire.TypeError)
	}

	// One more offense within the window exceeds the threshold and closes.
	transport.push(wire.Envelope{Type: wire.Type("bogus")})
	transport.drain(t, wire.TypeError)
	transport.drain(t, wire.TypeDisconnecting)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after exceeding protocol offense threshold")
	}
	if transport.code != wire.CloseServerError {
		t.Fatalf("close code = %v, want CloseServerError", transport.code)
	}
}

func TestClient_SlowConsumerCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clock.Fake(time.Now())
	transport := newFakeTransport()
	svc := newTestService(t, fc)
	b := newTestBroker(ctx, fc)

	client := New(Config{ClientID: "C1", Transport: transport, Auth: svc, Broker: b, Clock: fc})
	done := make(chan struct{})
	go func() { client.Run(ctx); close(done) }()

	transport.drain(t, wire.TypeConnected)
	client.slowConsumer <- struct{}{}

	transport.drain(t, wire.TypeDisconnecting)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop after slow consumer signal")
	}
	if transport.code != wire.CloseServerError {
		t.Fatalf("close code = %v, want CloseServerError", transport.code)
	}
}
