// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the bidirectional channel envelope format,
// the closed set of message types, and the WebSocket close codes:
// component C9 of the relay.
package wire

import "time"

// Type is a closed envelope type name.
type Type string

// Client → server types.
const (
	TypeAuthenticate Type = "authenticate"
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypePing         Type = "ping"
)

// Server → client types.
const (
	TypeConnected            Type = "connected"
	TypeAuthenticated        Type = "authenticated"
	TypeAuthenticationFailed Type = "authentication_failed"
	TypeSubscribed           Type = "subscribed"
	TypeSessionOccupied      Type = "session_occupied"
	TypeSessionTakenOver     Type = "session_taken_over"
	TypeUnsubscribed         Type = "unsubscribed"
	TypeSessionMessage       Type = "session_message"
	TypeSessionState         Type = "session_state"
	TypeSessionStatus        Type = "session_status"
	TypeSessionHistoryStart  Type = "session_history_start"
	TypeSessionHistoryEnd    Type = "session_history_end"
	TypeSessionTerminated    Type = "session_terminated"
	TypeSessionNotification  Type = "session_notification"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
	TypeDisconnecting        Type = "disconnecting"
	// TypeDiagnostic is a supplemented type, not in the original
	// client/server type lists: it surfaces tailer I/O errors to every
	// connected client so the mobile UI can show a transient-trouble
	// banner instead of looking like the session went silent.
	TypeDiagnostic Type = "diagnostic"
)

// Envelope is the wire format for every message in both directions:
// a JSON object with a closed type name, an opaque type-specific
// payload, and a server-stamped timestamp.
type Envelope struct {
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CloseCode is a WebSocket close code, either a standard code or one
// of the RFC 6455 private-use codes this protocol defines.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseUnauthorized    CloseCode = 4401
	CloseUnknownSession  CloseCode = 4404
	CloseSessionOccupied CloseCode = 4409
	CloseTakeover        CloseCode = 4429
	CloseServerError     CloseCode = 4500
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseUnknownSession:
		return "unknown_session"
	case CloseSessionOccupied:
		return "session_occupied"
	case CloseTakeover:
		return "takeover"
	case CloseServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Payload shapes. Each mirrors one entry in the server→client or
// client→server type lists above; fields match the wire names spec §6
// specifies.

type ConnectedPayload struct {
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
}

type AuthenticatePayload struct {
	Key      string `json:"key"`
	DeviceID string `json:"device_id,omitempty"`
}

type AuthenticatedPayload struct {
	Success bool `json:"success"`
}

type AuthenticationFailedPayload struct {
	Reason string `json:"reason"`
}

type SubscribePayload struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

type UnsubscribePayload struct {
	SessionID string `json:"session_id,omitempty"`
}

type SubscribedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionOccupiedPayload struct {
	SessionID      string `json:"session_id"`
	ExistingDevice string `json:"existing_device"`
	CanTakeOver    bool   `json:"can_take_over"`
}

type SessionTakenOverPayload struct {
	SessionID string `json:"session_id"`
	NewDevice string `json:"new_device"`
}

type UnsubscribedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionMessagePayload struct {
	SessionID  string `json:"session_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ParentID   string `json:"parent_id,omitempty"`
	Historical bool   `json:"historical,omitempty"`
}

type SessionStatePayload struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

type SessionStatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type SessionHistoryStartPayload struct {
	SessionID string `json:"session_id"`
}

type SessionHistoryEndPayload struct {
	SessionID string `json:"session_id"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type SessionNotificationPayload struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"session_id"`
	ProjectLabel string `json:"project_label"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DisconnectingPayload struct {
	Reason string `json:"reason"`
}

type DiagnosticPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}
