package event

import (
	"time"

	"github.com/google/uuid"
)

// Type clasifica las mutaciones que el motor registra.
type Type string

const (
	TypeOptIn          Type = "opt_in"
	TypeOptOut         Type = "opt_out"
	TypePolicyChanged  Type = "policy_changed"
	TypeEntryUpserted  Type = "entry_upserted"
	TypeEntryRemoved   Type = "entry_removed"
	TypeEntriesCleared Type = "entries_cleared"
)

// FilterEvent is one audited mutation of an owner's rule set. Events are
// persisted, broadcast over the websocket hub and forwarded to webhooks.
type FilterEvent struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Owner    string    `json:"owner"`
	Sender   string    `json:"sender,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Revision uint64    `json:"revision"`
	At       time.Time `json:"at"`
}

// New stamps a fresh event with a random ID.
func New(t Type, owner string, at time.Time) FilterEvent {
	return FilterEvent{
		ID:    uuid.New().String(),
		Type:  t,
		Owner: owner,
		At:    at,
	}
}
