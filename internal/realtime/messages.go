// ABOUTME: JSON wire messages pushed over real-time connections
// ABOUTME: Discriminated by type: HISTORY_LIST/UPDATE/CREATED, CONNECTION_TEST, ECHO

package realtime

import (
	"encoding/json"
	"time"
)

// Wire message type discriminators.
const (
	TypeHistoryList    = "HISTORY_LIST"
	TypeHistoryUpdate  = "HISTORY_UPDATE"
	TypeHistoryCreated = "HISTORY_CREATED"
	TypeConnectionTest = "CONNECTION_TEST"
	TypeEcho           = "ECHO"
)

// Message is the envelope for every outbound wire message.
type Message struct {
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// ConnectionTestMessage is sent once when a connection opens so clients can
// verify the channel before subscribing.
func ConnectionTestMessage() Message {
	return Message{
		Type:    TypeConnectionTest,
		Success: true,
		Data: map[string]any{
			"message":   "WebSocket connection is working",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// EchoMessage wraps an inbound payload for the test/echo channel.
func EchoMessage(payload json.RawMessage) Message {
	return Message{Type: TypeEcho, Success: true, Data: payload}
}
