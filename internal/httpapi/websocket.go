// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionrelay/sessionrelay/internal/conn"
	"github.com/sessionrelay/sessionrelay/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The mobile client and any browser-based viewer may run on a
	// different origin than the relay; origin checking is handled by
	// the bearer credential, not same-origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and drives it with
// internal/conn until the client disconnects. It does not require a
// bearer credential at upgrade time — per §6, key may arrive as the
// first authenticate message instead of a header, so the upgrade
// itself is unauthenticated and conn.Client enforces the auth deadline.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	transport := &wsTransport{conn: wsConn}
	clientID := s.nextClientID()

	client := conn.New(conn.Config{
		ClientID:        clientID,
		Transport:       transport,
		Auth:            s.auth,
		Broker:          s.broker,
		Clock:           s.clock,
		Logger:          s.logger,
		PingInterval:    s.pingInterval,
		OnAuthenticated: s.trackClient,
		OnClosed:        s.untrackClient,
	})

	if err := client.Run(r.Context()); err != nil {
		s.logger.Info("client run ended with error", "client_id", clientID, "error", err)
	}
}

// trackClient indexes an authenticated client by its credential key so
// Server.Run can find and close it when that key is revoked.
func (s *Server) trackClient(client *conn.Client) {
	s.mu.Lock()
	s.byCredentialKey[client.CredentialKey()] = client
	s.mu.Unlock()
}

// untrackClient removes a client from the revocation index as its
// lifecycle ends. It only removes the entry if it still points at this
// client, since a newer connection for the same credential key may
// have already replaced it.
func (s *Server) untrackClient(client *conn.Client) {
	key := client.CredentialKey()
	s.mu.Lock()
	if s.byCredentialKey[key] == client {
		delete(s.byCredentialKey, key)
	}
	s.mu.Unlock()
}

// wsTransport adapts a gorilla/websocket connection to conn.Transport.
// Inbound frames are decoded into the concrete payload type their
// envelope "type" names, since the wire protocol's payload field is
// polymorphic.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Recv() (wire.Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	if len(data) > conn.MaxFrameBytes {
		return wire.Envelope{}, conn.ErrOversized
	}
	return decodeEnvelope(data)
}

func (t *wsTransport) Send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code wire.CloseCode, reason string) error {
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// rawEnvelope mirrors wire.Envelope with Payload left as raw JSON so it
// can be decoded into the concrete type named by Type.
type rawEnvelope struct {
	Type      wire.Type       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func decodeEnvelope(data []byte) (wire.Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return wire.Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}

	env := wire.Envelope{Type: raw.Type, Timestamp: raw.Timestamp}
	if len(raw.Payload) == 0 {
		return env, nil
	}

	switch raw.Type {
	case wire.TypeAuthenticate:
		var p wire.AuthenticatePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return wire.Envelope{}, err
		}
		env.Payload = p
	case wire.TypeSubscribe:
		var p wire.SubscribePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return wire.Envelope{}, err
		}
		env.Payload = p
	case wire.TypeUnsubscribe:
		var p wire.UnsubscribePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return wire.Envelope{}, err
		}
		env.Payload = p
	case wire.TypePing:
		// No payload.
	default:
		// Unrecognized type: hand back an envelope carrying just the
		// type string, with no decoded payload, rather than an error.
		// conn.Client's protocol-offense counting is what decides
		// whether this closes the connection, not the decoder.
	}
	return env, nil
}
