// Package session owns the externally visible "current user" value and the
// cross-tab session-synchronization protocol. The controller decides when
// to (re)populate the token vault and reconciles state with other tabs
// through the persistent cache store.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/dbelyaev/tabkeeper/internal/common"
)

// Record is the persisted session record. It carries no secret and is
// stored as plaintext JSON under the user_session key; the token lives
// separately, encrypted at rest.
type Record struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	LoginTimestamp int64  `json:"loginTimestamp"`
}

// Validate rejects malformed records deterministically. A record that
// fails validation takes the same path as a decryption failure: treat as
// corrupted, fall back to anonymous.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", common.ErrInvalidRecord)
	}
	if r.Email == "" {
		return fmt.Errorf("%w: empty email", common.ErrInvalidRecord)
	}
	if r.LoginTimestamp < 0 {
		return fmt.Errorf("%w: negative loginTimestamp", common.ErrInvalidRecord)
	}
	return nil
}

// ParseRecord decodes and validates a persisted session record.
func ParseRecord(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}
