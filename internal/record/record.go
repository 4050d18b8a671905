// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package record implements the parser for a single line of an agent
// session log: the newline-delimited JSON format the external coding
// agent appends to under its session directory.
//
// Parse is pure and stateless: it never touches the filesystem, never
// mutates any "delivered" counter, and never retains the input. Callers
// that need the delivered-in-order, exactly-once guarantees live one
// layer up, in package tail.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the speaker of a record: the human operator or the agent.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is a single well-formed entry from a session log line. It is
// immutable once parsed.
type Record struct {
	SessionID string
	Role      Role
	Content   string
	ParentID  string
	CreatedAt time.Time
	Cwd       string

	// Historical is set by the tailer, not the parser, when a record is
	// emitted as part of the initial backfill read rather than live tail.
	// Parse always leaves it false; see tail.Event.
	Historical bool
}

// ParseErrorKind distinguishes why a line failed to parse, for metrics
// and diagnostics — a malformed line should never advance any delivery
// counter, but the caller still wants to know whether the problem was
// invalid JSON or a well-formed object with the wrong shape.
type ParseErrorKind string

const (
	ParseErrorSyntax ParseErrorKind = "syntax"
	ParseErrorSchema ParseErrorKind = "schema"
)

// ParseError reports why Parse rejected a line. LineExcerpt is truncated
// to a bounded length so a single pathological line cannot blow up log
// output.
type ParseError struct {
	Kind        ParseErrorKind
	LineExcerpt string
	Err         error
}

const maxExcerptLength = 200

func newParseError(kind ParseErrorKind, line []byte, err error) *ParseError {
	excerpt := line
	if len(excerpt) > maxExcerptLength {
		excerpt = excerpt[:maxExcerptLength]
	}
	return &ParseError{
		Kind:        kind,
		LineExcerpt: string(excerpt),
		Err:         err,
	}
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record: parse error (%s): %v: %q", e.Kind, e.Err, e.LineExcerpt)
	}
	return fmt.Sprintf("record: parse error (%s): %q", e.Kind, e.LineExcerpt)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawLine mirrors the on-disk JSON shape emitted by the agent. Unknown
// top-level keys are ignored by encoding/json's default behavior (we do
// not use DisallowUnknownFields).
type rawLine struct {
	SessionID  string     `json:"sessionId"`
	Type       string     `json:"type"`
	Message    rawMessage `json:"message"`
	ParentUUID string     `json:"parentUuid"`
	Cwd        string     `json:"cwd"`
	Timestamp  string     `json:"timestamp"`
}

type rawMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parse parses a single log line into a Record. Trims a trailing
// newline; empty or whitespace-only input yields (nil, nil) — no record,
// no error. A JSON syntax error yields a ParseError of kind "syntax". A
// well-formed JSON object that does not match the required schema
// yields a ParseError of kind "schema".
func Parse(line []byte) (*Record, error) {
	trimmed := bytes.TrimRight(line, "\n")
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raw rawLine
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		kind := ParseErrorSyntax
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			// Valid JSON whose values have the wrong types.
			kind = ParseErrorSchema
		}
		return nil, newParseError(kind, trimmed, err)
	}

	if raw.SessionID == "" {
		return nil, newParseError(ParseErrorSchema, trimmed, fmt.Errorf("missing sessionId"))
	}
	if raw.Type != string(RoleUser) && raw.Type != string(RoleAssistant) {
		return nil, newParseError(ParseErrorSchema, trimmed, fmt.Errorf("type must be %q or %q, got %q", RoleUser, RoleAssistant, raw.Type))
	}
	if raw.Message.Role != string(RoleUser) && raw.Message.Role != string(RoleAssistant) {
		return nil, newParseError(ParseErrorSchema, trimmed, fmt.Errorf("message.role must be %q or %q, got %q", RoleUser, RoleAssistant, raw.Message.Role))
	}
	if raw.Timestamp == "" {
		return nil, newParseError(ParseErrorSchema, trimmed, fmt.Errorf("missing timestamp"))
	}
	createdAt, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, newParseError(ParseErrorSchema, trimmed, fmt.Errorf("invalid timestamp %q: %w", raw.Timestamp, err))
	}

	return &Record{
		SessionID: raw.SessionID,
		Role:      Role(raw.Message.Role),
		Content:   raw.Message.Content,
		ParentID:  raw.ParentUUID,
		CreatedAt: createdAt,
		Cwd:       raw.Cwd,
	}, nil
}
