package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abtcloud/kb-chatbot/internal/models"
)

var (
	// ErrStorage marks the medium as unwritable or unreachable. Always
	// surfaced to the caller; a lost write silently breaks conversational
	// continuity.
	ErrStorage = errors.New("store: storage unavailable")

	// ErrNotFound marks a direct lookup of an unknown turn. Listing
	// operations return empty results instead.
	ErrNotFound = errors.New("store: not found")

	// ErrValidation marks input rejected before any write.
	ErrValidation = errors.New("store: invalid input")
)

const (
	// DefaultListLimit applies when a caller passes a non-positive limit.
	DefaultListLimit = 50

	// MaxListLimit is the fallback clamp when config does not supply one.
	MaxListLimit = 1000
)

// AppendTurnParams carries one question/answer exchange to persist.
type AppendTurnParams struct {
	ConversationID string
	Question       string
	Answer         string
	Evidence       []models.Evidence
	ModelUsed      string
	DurationMS     int64
}

// Store is the single source of truth for conversation history and metric
// events. Both tables are append-only; no update or delete is exposed for
// them.
type Store interface {
	// AppendTurn persists one exchange and returns its strictly increasing
	// turn id. Concurrent appends to one conversation are serialized at
	// the storage layer; neither write is lost.
	AppendTurn(ctx context.Context, p AppendTurnParams) (int64, error)

	// ListTurns returns a conversation's newest turns up to the limit, in
	// chronological order, or,
	// when conversationID is empty, the most recent turns across all
	// conversations most-recent-first. The limit is clamped, never an
	// error. An unknown conversation yields an empty slice.
	ListTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)

	// GetTurn fetches a single turn by id. Unknown ids yield ErrNotFound.
	GetTurn(ctx context.Context, turnID int64) (*models.Turn, error)

	// RecordMetric appends one metric event.
	RecordMetric(ctx context.Context, ev models.MetricEvent) error

	// ListMetrics returns events newest-first, optionally filtered by
	// type, created at or after since.
	ListMetrics(ctx context.Context, eventType models.EventType, since time.Time, limit int) ([]models.MetricEvent, error)

	// Summarize aggregates query activity since the given time. An empty
	// window yields a zero-valued summary, not an error.
	Summarize(ctx context.Context, since time.Time) (*models.Summary, error)

	Ping(ctx context.Context) error
	Close() error
}

func clampLimit(limit, max int) int {
	if max <= 0 {
		max = MaxListLimit
	}
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > max {
		return max
	}
	return limit
}

func validateAppend(p AppendTurnParams) error {
	if strings.TrimSpace(p.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if strings.TrimSpace(p.Question) == "" {
		return fmt.Errorf("%w: question cannot be empty", ErrValidation)
	}
	if p.DurationMS < 0 {
		return fmt.Errorf("%w: duration must be non-negative", ErrValidation)
	}
	return nil
}
