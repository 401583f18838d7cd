package session

import (
	"time"

	"github.com/abtcloud/kb-chatbot/internal/models"
)

// State is the client's conversation-identity state.
type State string

const (
	// Uninitialized means no conversation has been bound yet.
	Uninitialized State = "uninitialized"
	// Bound means the client holds turns for exactly one conversation id.
	Bound State = "bound"
)

// ClientCache is the client-resident mirror of one conversation: the bound
// identifier and its ordered turn list. It is advisory only; the server
// never reads it. The one invariant it exists to protect: turns from two
// conversations never mix in the same cache.
type ClientCache struct {
	State          State         `json:"state"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Turns          []models.Turn `json:"turns,omitempty"`
	SyncedAt       time.Time     `json:"synced_at"`
}

// NewClientCache returns an empty, uninitialized cache.
func NewClientCache() ClientCache {
	return ClientCache{State: Uninitialized}
}

// Apply folds one server response into the cache and returns the updated
// value. A response bearing a different conversation id than the bound one
// flushes every cached turn before the new turn is accepted: a server-side
// rotation must never leave the old conversation's turns behind.
func (c ClientCache) Apply(conversationID string, turn models.Turn, now time.Time) ClientCache {
	if c.State != Bound || c.ConversationID != conversationID {
		c = ClientCache{
			State:          Bound,
			ConversationID: conversationID,
			Turns:          nil,
		}
	}

	c.Turns = append(c.Turns, turn)
	c.SyncedAt = now.UTC()
	return c
}

// Replace overwrites the cached turn list wholesale, used when the client
// re-hydrates from the server's history listing. Turns not belonging to the
// bound conversation are discarded.
func (c ClientCache) Replace(conversationID string, turns []models.Turn, now time.Time) ClientCache {
	kept := make([]models.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.ConversationID == "" || turn.ConversationID == conversationID {
			kept = append(kept, turn)
		}
	}

	return ClientCache{
		State:          Bound,
		ConversationID: conversationID,
		Turns:          kept,
		SyncedAt:       now.UTC(),
	}
}

// Reset returns the cache to its uninitialized state.
func (c ClientCache) Reset() ClientCache {
	return NewClientCache()
}
