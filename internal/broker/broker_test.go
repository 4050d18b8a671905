// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/wire"
)

func drainEnvelope(t *testing.T, ch chan wire.Envelope) wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return wire.Envelope{}
	}
}

func TestBroker_SubscribeUnknownSession(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	mailbox := make(chan wire.Envelope, 8)
	outcome := b.Subscribe(ctx, "ghost", Subscriber{ClientID: "A", Mailbox: mailbox}, false)
	if outcome.Result != NoSuchSession {
		t.Fatalf("result = %v, want NoSuchSession", outcome.Result)
	}
}

func TestBroker_SubscribeDeliversHistoryPrelude(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")

	mailbox := make(chan wire.Envelope, 8)
	outcome := b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", Mailbox: mailbox}, false)
	if outcome.Result != Subscribed {
		t.Fatalf("result = %v, want Subscribed", outcome.Result)
	}

	start := drainEnvelope(t, mailbox)
	end := drainEnvelope(t, mailbox)
	if start.Type != wire.TypeSessionHistoryStart || end.Type != wire.TypeSessionHistoryEnd {
		t.Fatalf("got %v then %v, want HistoryStart then HistoryEnd", start.Type, end.Type)
	}
}

func TestBroker_PublishAfterSubscribe(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")
	mailbox := make(chan wire.Envelope, 8)
	b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", Mailbox: mailbox}, false)
	drainEnvelope(t, mailbox) // HistoryStart
	drainEnvelope(t, mailbox) // HistoryEnd

	b.Publish(ctx, "S1", wire.Envelope{Type: wire.TypeSessionMessage, Payload: wire.SessionMessagePayload{Content: "hi"}})
	msg := drainEnvelope(t, mailbox)
	if msg.Type != wire.TypeSessionMessage {
		t.Fatalf("got %v, want SessionMessage", msg.Type)
	}
}

func TestBroker_PublishWithoutSubscriberDiscards(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")
	// No panic, no block, even though no subscriber exists.
	b.Publish(ctx, "S1", wire.Envelope{Type: wire.TypeSessionMessage})
}

func TestBroker_OccupiedWithoutForce(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")
	mailboxA := make(chan wire.Envelope, 8)
	b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", DeviceID: "deviceA", Mailbox: mailboxA}, false)
	drainEnvelope(t, mailboxA)
	drainEnvelope(t, mailboxA)

	mailboxB := make(chan wire.Envelope, 8)
	outcome := b.Subscribe(ctx, "S1", Subscriber{ClientID: "B", DeviceID: "deviceB", Mailbox: mailboxB}, false)
	if outcome.Result != Occupied {
		t.Fatalf("result = %v, want Occupied", outcome.Result)
	}
	if outcome.ExistingDevice != "deviceA" {
		t.Fatalf("existing device = %q, want deviceA", outcome.ExistingDevice)
	}

	// A still receives events.
	b.Publish(ctx, "S1", wire.Envelope{Type: wire.TypeSessionMessage})
	drainEnvelope(t, mailboxA)
}

func TestBroker_Takeover(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")
	mailboxA := make(chan wire.Envelope, 8)
	b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", DeviceID: "deviceA", Mailbox: mailboxA}, false)
	drainEnvelope(t, mailboxA) // HistoryStart
	drainEnvelope(t, mailboxA) // HistoryEnd

	mailboxB := make(chan wire.Envelope, 8)
	outcome := b.Subscribe(ctx, "S1", Subscriber{ClientID: "B", DeviceID: "deviceB", Mailbox: mailboxB}, true)
	if outcome.Result != Subscribed {
		t.Fatalf("result = %v, want Subscribed", outcome.Result)
	}

	taken := drainEnvelope(t, mailboxA)
	if taken.Type != wire.TypeSessionTakenOver {
		t.Fatalf("A got %v, want SessionTakenOver", taken.Type)
	}
	payload, ok := taken.Payload.(wire.SessionTakenOverPayload)
	if !ok || payload.NewDevice != "deviceB" {
		t.Fatalf("unexpected takeover payload: %+v", taken.Payload)
	}

	drainEnvelope(t, mailboxB) // HistoryStart
	drainEnvelope(t, mailboxB) // HistoryEnd

	// Subsequent events only go to B.
	b.Publish(ctx, "S1", wire.Envelope{Type: wire.TypeSessionMessage})
	drainEnvelope(t, mailboxB)
	select {
	case env := <-mailboxA:
		t.Fatalf("A should not receive post-takeover events, got %v", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_SessionGoneEvictsSubscriber(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.MarkSessionKnown(ctx, "S1")
	mailbox := make(chan wire.Envelope, 8)
	b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", Mailbox: mailbox}, false)
	drainEnvelope(t, mailbox)
	drainEnvelope(t, mailbox)

	b.MarkSessionGone(ctx, "S1", wire.Envelope{Type: wire.TypeSessionTerminated, Payload: wire.SessionTerminatedPayload{SessionID: "S1", Reason: "unlinked"}})
	term := drainEnvelope(t, mailbox)
	if term.Type != wire.TypeSessionTerminated {
		t.Fatalf("got %v, want SessionTerminated", term.Type)
	}

	// Re-subscribing now fails as unknown.
	outcome := b.Subscribe(ctx, "S1", Subscriber{ClientID: "A", Mailbox: mailbox}, false)
	if outcome.Result != NoSuchSession {
		t.Fatalf("result = %v, want NoSuchSession", outcome.Result)
	}
}

func TestBroker_BroadcastAll(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	mailboxA := make(chan wire.Envelope, 8)
	mailboxB := make(chan wire.Envelope, 8)
	b.RegisterClient(ctx, "A", mailboxA)
	b.RegisterClient(ctx, "B", mailboxB)

	b.BroadcastAll(ctx, wire.Envelope{Type: wire.TypeSessionNotification})
	drainEnvelope(t, mailboxA)
	drainEnvelope(t, mailboxB)
}
