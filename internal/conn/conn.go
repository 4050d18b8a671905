// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package conn implements the connection manager: component C8 of the
// relay. One Client runs per accepted bidirectional channel, driving
// the ACCEPTED -> AUTHENTICATED -> STREAMING state machine, the auth
// deadline, the heartbeat, and the bridge between wire envelopes and
// the subscription broker.
//
// Transport is deliberately narrow so the state machine can be
// exercised with an in-memory fake in tests; internal/httpapi adapts
// a gorilla/websocket connection to it.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessionrelay/sessionrelay/internal/auth"
	"github.com/sessionrelay/sessionrelay/internal/broker"
	"github.com/sessionrelay/sessionrelay/internal/clock"
	"github.com/sessionrelay/sessionrelay/internal/wire"
)

// DefaultAuthDeadline is how long a client has to authenticate after
// being accepted.
const DefaultAuthDeadline = 30 * time.Second

// DefaultPingInterval is how often the server sends a protocol-level
// ping to an authenticated client.
const DefaultPingInterval = 30 * time.Second

// DefaultIdleCutoff is how long a client may go without sending any
// frame before being closed as timed out. Unrelated to C5's session
// idle threshold — this is purely about client liveness.
const DefaultIdleCutoff = 60 * time.Second

// MaxFrameBytes bounds an incoming envelope's encoded size.
const MaxFrameBytes = 1 << 20 // 1 MiB

// MaxProtocolOffenses is how many malformed envelopes a client may
// send within ProtocolOffenseWindow before being closed.
const MaxProtocolOffenses = 3

// ProtocolOffenseWindow is the sliding window protocol offenses are
// counted over.
const ProtocolOffenseWindow = 10 * time.Second

var errTransportClosed = errors.New("conn: transport closed")

// State is a client's position in the ACCEPTED -> AUTHENTICATED ->
// STREAMING state machine.
type State int

const (
	Accepted State = iota
	Authenticated
	Streaming
	Closed
)

// Transport is the minimal bidirectional channel a Client drives.
// Recv blocks until an envelope arrives, the peer closes, or an error
// occurs; ErrOversized is returned if the peer sent more than
// MaxFrameBytes.
type Transport interface {
	Recv() (wire.Envelope, error)
	Send(wire.Envelope) error
	Close(code wire.CloseCode, reason string) error
}

// ErrOversized is returned by Transport.Recv when a frame exceeds
// MaxFrameBytes.
var ErrOversized = errors.New("conn: frame exceeds maximum size")

// Config configures a Client.
type Config struct {
	ClientID     string
	Transport    Transport
	Auth         *auth.Service
	Broker       *broker.Broker
	Clock        clock.Clock
	Logger       *slog.Logger

	AuthDeadline time.Duration
	PingInterval time.Duration
	IdleCutoff   time.Duration
	MailboxSize  int

	// OnAuthenticated, if set, is called once a client successfully
	// authenticates. The composition root uses this to index the
	// client by credential key so an out-of-band revocation can find
	// and close it.
	OnAuthenticated func(*Client)

	// OnClosed, if set, is called as the client's lifecycle ends,
	// mirroring OnAuthenticated's bookkeeping.
	OnClosed func(*Client)
}

// Client drives one accepted channel's lifecycle.
type Client struct {
	id        string
	transport Transport
	authSvc   *auth.Service
	broker    *broker.Broker
	clock     clock.Clock
	logger    *slog.Logger

	authDeadline time.Duration
	pingInterval time.Duration
	idleCutoff   time.Duration

	state         State
	deviceID      string
	credentialKey string
	subscribed    string // session_id of the active subscription, "" if none

	outbox       chan wire.Envelope
	revoked      chan struct{}
	slowConsumer chan struct{}

	offenses []time.Time

	onAuthenticated func(*Client)
	onClosed        func(*Client)
}

// New creates a Client. Call Run to drive it.
func New(cfg Config) *Client {
	if cfg.ClientID == "" || cfg.Transport == nil || cfg.Auth == nil || cfg.Broker == nil {
		panic("conn.New: ClientID, Transport, Auth, and Broker are required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authDeadline := cfg.AuthDeadline
	if authDeadline <= 0 {
		authDeadline = DefaultAuthDeadline
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	idle := cfg.IdleCutoff
	if idle <= 0 {
		idle = DefaultIdleCutoff
	}
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = broker.DefaultMailboxSize
	}
	return &Client{
		id:           cfg.ClientID,
		transport:    cfg.Transport,
		authSvc:      cfg.Auth,
		broker:       cfg.Broker,
		clock:        c,
		logger:       logger.With("client_id", cfg.ClientID),
		authDeadline: authDeadline,
		pingInterval: ping,
		idleCutoff:   idle,
		state:        Accepted,
		outbox:       make(chan wire.Envelope, mailboxSize),
		revoked:      make(chan struct{}, 1),
		slowConsumer: make(chan struct{}, 1),

		onAuthenticated: cfg.OnAuthenticated,
		onClosed:        cfg.OnClosed,
	}
}

// Run drives the client until ctx is cancelled, the transport closes,
// or the client is closed for cause. It blocks until the client's
// lifecycle ends and always leaves the broker subscription (if any)
// released.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.cleanup(ctx)

	c.broker.RegisterClient(ctx, c.id, c.outbox)

	c.send(wire.Envelope{
		Type: wire.TypeConnected,
		Payload: wire.ConnectedPayload{
			ClientID:   c.id,
			ServerTime: c.clock.Now(),
		},
	})

	incoming := make(chan wire.Envelope)
	recvErr := make(chan error, 1)
	go c.pumpRecv(ctx, incoming, recvErr)

	authTimer := c.clock.After(c.authDeadline)
	pingTicker := c.clock.NewTicker(c.pingInterval)
	defer pingTicker.Stop()
	idleTimer := c.clock.After(c.idleCutoff)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.revoked:
			c.closeWith(wire.CloseUnauthorized, "credential revoked")
			return nil

		case <-c.slowConsumer:
			c.closeWith(wire.CloseServerError, "slow_consumer")
			return nil

		case <-authTimer:
			if c.state == Accepted {
				c.closeWith(wire.CloseUnauthorized, "authentication deadline exceeded")
				return nil
			}

		case <-idleTimer:
			c.closeWith(wire.CloseNormal, "timeout")
			return nil

		case <-pingTicker.C:
			c.send(wire.Envelope{Type: wire.TypePing})

		case env := <-c.outbox:
			c.send(env)

		case err := <-recvErr:
			if err != nil && !errors.Is(err, errTransportClosed) {
				c.logger.Info("transport closed", "error", err)
			}
			return nil

		case env, ok := <-incoming:
			if !ok {
				return nil
			}
			idleTimer = c.clock.After(c.idleCutoff)
			if !c.handle(ctx, env) {
				return nil
			}
		}
	}
}

func (c *Client) pumpRecv(ctx context.Context, out chan<- wire.Envelope, errc chan<- error) {
	for {
		env, err := c.transport.Recv()
		if err != nil {
			errc <- err
			return
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one inbound envelope. Returns false if the client
// should stop (it has already been closed).
func (c *Client) handle(ctx context.Context, env wire.Envelope) bool {
	switch env.Type {
	case wire.TypeAuthenticate:
		return c.handleAuthenticate(env)
	case wire.TypeSubscribe:
		return c.handleSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		return c.handleUnsubscribe(ctx, env)
	case wire.TypePing:
		c.send(wire.Envelope{Type: wire.TypePong})
		return true
	default:
		return c.protocolOffense(fmt.Sprintf("unknown type %q", env.Type))
	}
}

func (c *Client) handleAuthenticate(env wire.Envelope) bool {
	payload, ok := env.Payload.(wire.AuthenticatePayload)
	if !ok {
		return c.protocolOffense("malformed authenticate payload")
	}
	cred, err := c.authSvc.Validate(payload.Key)
	if err != nil {
		c.send(wire.Envelope{Type: wire.TypeAuthenticationFailed, Payload: wire.AuthenticationFailedPayload{Reason: err.Error()}})
		c.closeWith(wire.CloseUnauthorized, "authentication failed")
		return false
	}
	c.state = Authenticated
	c.deviceID = cred.DeviceID
	c.credentialKey = cred.Key
	c.send(wire.Envelope{Type: wire.TypeAuthenticated, Payload: wire.AuthenticatedPayload{Success: true}})
	if c.onAuthenticated != nil {
		c.onAuthenticated(c)
	}
	return true
}

func (c *Client) handleSubscribe(ctx context.Context, env wire.Envelope) bool {
	if c.state == Accepted {
		return c.protocolOffense("subscribe before authentication")
	}
	payload, ok := env.Payload.(wire.SubscribePayload)
	if !ok {
		return c.protocolOffense("malformed subscribe payload")
	}

	if c.subscribed != "" && c.subscribed != payload.SessionID {
		c.broker.Unsubscribe(ctx, c.subscribed, c.id)
		c.subscribed = ""
	}

	sub := broker.Subscriber{
		ClientID:     c.id,
		DeviceID:     c.deviceID,
		Mailbox:      c.outbox,
		SlowConsumer: c.slowConsumer,
	}
	outcome := c.broker.Subscribe(ctx, payload.SessionID, sub, payload.Force)
	switch outcome.Result {
	case broker.Subscribed:
		c.state = Streaming
		c.subscribed = payload.SessionID
		c.send(wire.Envelope{Type: wire.TypeSubscribed, Payload: wire.SubscribedPayload{SessionID: payload.SessionID}})
	case broker.Occupied:
		c.send(wire.Envelope{Type: wire.TypeSessionOccupied, Payload: wire.SessionOccupiedPayload{
			SessionID:      payload.SessionID,
			ExistingDevice: outcome.ExistingDevice,
			CanTakeOver:    true,
		}})
	case broker.NoSuchSession:
		c.send(wire.Envelope{Type: wire.TypeError, Payload: wire.ErrorPayload{Code: "unknown_session", Message: "no such session"}})
	}
	return true
}

func (c *Client) handleUnsubscribe(ctx context.Context, env wire.Envelope) bool {
	if c.state == Accepted {
		return c.protocolOffense("unsubscribe before authentication")
	}
	payload, _ := env.Payload.(wire.UnsubscribePayload)
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = c.subscribed
	}
	if sessionID != "" {
		c.broker.Unsubscribe(ctx, sessionID, c.id)
	}
	if sessionID == c.subscribed {
		c.subscribed = ""
		if c.state == Streaming {
			c.state = Authenticated
		}
	}
	c.send(wire.Envelope{Type: wire.TypeUnsubscribed, Payload: wire.UnsubscribedPayload{SessionID: sessionID}})
	return true
}

// protocolOffense replies with an Error envelope and closes the
// client only if it has offended more than MaxProtocolOffenses times
// within ProtocolOffenseWindow.
func (c *Client) protocolOffense(detail string) bool {
	now := c.clock.Now()
	cutoff := now.Add(-ProtocolOffenseWindow)
	kept := c.offenses[:0]
	for _, t := range c.offenses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.offenses = kept

	c.send(wire.Envelope{Type: wire.TypeError, Payload: wire.ErrorPayload{Code: "unknown_type", Message: detail}})

	if len(c.offenses) > MaxProtocolOffenses {
		c.closeWith(wire.CloseServerError, "protocol_error")
		return false
	}
	return true
}

func (c *Client) send(env wire.Envelope) {
	env.Timestamp = c.clock.Now()
	if err := c.transport.Send(env); err != nil {
		c.logger.Info("send failed, closing", "error", err)
	}
}

func (c *Client) closeWith(code wire.CloseCode, reason string) {
	c.send(wire.Envelope{Type: wire.TypeDisconnecting, Payload: wire.DisconnectingPayload{Reason: reason}})
	c.state = Closed
	if err := c.transport.Close(code, reason); err != nil {
		c.logger.Info("transport close error", "error", err)
	}
}

// NotifyRevoked signals that this client's credential was revoked
// elsewhere. Called by whatever wires auth.Service.Config.Revoked to
// the right client.
func (c *Client) NotifyRevoked() {
	select {
	case c.revoked <- struct{}{}:
	default:
	}
}

// CredentialKey returns the credential key this client authenticated
// with, or "" if not yet authenticated. Used by the server to route
// auth revocation notifications to the right Client.
func (c *Client) CredentialKey() string {
	return c.credentialKey
}

func (c *Client) cleanup(ctx context.Context) {
	if c.subscribed != "" {
		c.broker.Unsubscribe(ctx, c.subscribed, c.id)
	}
	c.broker.UnregisterClient(ctx, c.id)
	if c.onClosed != nil {
		c.onClosed(c)
	}
}
