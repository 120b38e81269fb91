package session

import (
	"encoding/json"
	"fmt"
)

// Action is the kind of cross-tab session event.
type Action string

const (
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"
	ActionUpdate Action = "update"
)

// Message is the ephemeral cross-tab signal written to a broadcast slot
// in the cache store and removed shortly after by its author. Receivers
// reconcile from the authoritative persisted session record rather than
// from Data, so duplicate or reordered messages are harmless.
type Message struct {
	TabID     string          `json:"tabId"`
	Action    Action          `json:"action"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseMessage decodes a broadcast message, rejecting unknown actions and
// missing tab ids so malformed writes never reach the reconciliation
// logic.
func ParseMessage(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("malformed broadcast: %w", err)
	}
	if msg.TabID == "" {
		return nil, fmt.Errorf("malformed broadcast: missing tabId")
	}
	switch msg.Action {
	case ActionLogin, ActionLogout, ActionUpdate:
	default:
		return nil, fmt.Errorf("malformed broadcast: unknown action %q", msg.Action)
	}
	return &msg, nil
}
