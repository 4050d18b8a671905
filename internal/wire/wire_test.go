// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		Type: TypeSessionMessage,
		Payload: SessionMessagePayload{
			SessionID: "S1",
			Role:      "user",
			Content:   "hi",
		},
		Timestamp: time.Date(2025, 9, 14, 15, 4, 35, 0, time.UTC),
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Type      Type                  `json:"type"`
		Payload   SessionMessagePayload `json:"payload"`
		Timestamp time.Time             `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != TypeSessionMessage || decoded.Payload.Content != "hi" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestCloseCode_StringsMatchSpecNumbers(t *testing.T) {
	cases := map[CloseCode]int{
		CloseNormal:          1000,
		CloseUnauthorized:    4401,
		CloseUnknownSession:  4404,
		CloseSessionOccupied: 4409,
		CloseTakeover:        4429,
		CloseServerError:     4500,
	}
	for code, want := range cases {
		if int(code) != want {
			t.Errorf("code %v = %d, want %d", code, int(code), want)
		}
		if code.String() == "unknown" {
			t.Errorf("code %d has no String()", want)
		}
	}
}
