package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/store"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

func TestPostgresAppendAndListTurns(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	cfg := utils.StoreConfig{
		DSN:            dsn,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   10 * time.Second,
		MaxListLimit:   1000,
	}

	ctx := context.Background()
	s, err := store.NewPostgres(ctx, cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	conversationID := uuid.NewString()

	firstID, err := s.AppendTurn(ctx, store.AppendTurnParams{
		ConversationID: conversationID,
		Question:       "what is the sync schedule?",
		Answer:         "nightly",
		Evidence:       []models.Evidence{{Name: "ops.md", SizeBytes: 812}},
		ModelUsed:      "test-model",
		DurationMS:     120,
	})
	if err != nil {
		t.Fatalf("append first turn: %v", err)
	}

	secondID, err := s.AppendTurn(ctx, store.AppendTurnParams{
		ConversationID: conversationID,
		Question:       "and the retention policy?",
		Answer:         "deployment decision",
		DurationMS:     80,
	})
	if err != nil {
		t.Fatalf("append second turn: %v", err)
	}

	if secondID <= firstID {
		t.Fatalf("expected increasing turn ids, got %d then %d", firstID, secondID)
	}

	turns, err := s.ListTurns(ctx, conversationID, 50)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].ID != firstID || turns[1].ID != secondID {
		t.Fatalf("turns out of order: %d, %d", turns[0].ID, turns[1].ID)
	}
	if len(turns[0].Evidence) != 1 || turns[0].Evidence[0].Name != "ops.md" {
		t.Fatalf("evidence did not round-trip: %+v", turns[0].Evidence)
	}

	// A limit smaller than the conversation keeps the newest turn.
	windowed, err := s.ListTurns(ctx, conversationID, 1)
	if err != nil {
		t.Fatalf("list turns with limit: %v", err)
	}
	if len(windowed) != 1 || windowed[0].ID != secondID {
		t.Fatalf("expected the newest turn to survive the window, got %+v", windowed)
	}

	fetched, err := s.GetTurn(ctx, firstID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if fetched.Question != "what is the sync schedule?" {
		t.Fatalf("unexpected question: %q", fetched.Question)
	}

	if err := s.RecordMetric(ctx, models.MetricEvent{
		EventType:  models.EventQuery,
		Payload:    map[string]any{"conversation_id": conversationID},
		DurationMS: 120,
		Success:    true,
	}); err != nil {
		t.Fatalf("record metric: %v", err)
	}

	summary, err := s.Summarize(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.TotalQueries < 2 {
		t.Fatalf("expected at least 2 queries in window, got %d", summary.TotalQueries)
	}
}
