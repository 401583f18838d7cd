package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
)

type fakeEventStore struct {
	recorded  []models.MetricEvent
	recordErr error
	summary   *models.Summary
	lastSince time.Time
}

func (f *fakeEventStore) RecordMetric(ctx context.Context, ev models.MetricEvent) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, ev)
	return nil
}

func (f *fakeEventStore) ListMetrics(ctx context.Context, eventType models.EventType, since time.Time, limit int) ([]models.MetricEvent, error) {
	f.lastSince = since
	return f.recorded, nil
}

func (f *fakeEventStore) Summarize(ctx context.Context, since time.Time) (*models.Summary, error) {
	f.lastSince = since
	if f.summary == nil {
		return nil, errors.New("storage unreachable")
	}
	return f.summary, nil
}

func TestRecordSwallowsStorageFailures(t *testing.T) {
	fake := &fakeEventStore{recordErr: errors.New("disk full")}
	r := NewRecorder(fake, zap.NewNop().Sugar())

	// Must never panic or surface the failure.
	r.Record(context.Background(), models.EventQuery, nil, 10, true, "")
	assert.Empty(t, fake.recorded)
}

func TestRecordPassesEventThrough(t *testing.T) {
	fake := &fakeEventStore{}
	r := NewRecorder(fake, zap.NewNop().Sugar())

	r.Record(context.Background(), models.EventError, map[string]any{"detail": "boom"}, 55, false, "backend down")

	require.Len(t, fake.recorded, 1)
	ev := fake.recorded[0]
	assert.Equal(t, models.EventError, ev.EventType)
	assert.Equal(t, "boom", ev.Payload["detail"])
	assert.EqualValues(t, 55, ev.DurationMS)
	assert.False(t, ev.Success)
	assert.Equal(t, "backend down", ev.ErrorMessage)
}

func TestSummarizeWindowBounds(t *testing.T) {
	fake := &fakeEventStore{summary: &models.Summary{}}
	r := NewRecorder(fake, zap.NewNop().Sugar())
	fixed := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	_, err := r.Summarize(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -3), fake.lastSince)

	// Out-of-range windows fall back to 7 days.
	_, err = r.Summarize(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -7), fake.lastSince)

	_, err = r.Summarize(context.Background(), 4000)
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -7), fake.lastSince)
}

func TestSummarizeSurfacesStorageError(t *testing.T) {
	fake := &fakeEventStore{}
	r := NewRecorder(fake, zap.NewNop().Sugar())

	_, err := r.Summarize(context.Background(), 7)
	assert.Error(t, err)
}

func TestClampWindowDays(t *testing.T) {
	assert.Equal(t, 7, ClampWindowDays(0))
	assert.Equal(t, 7, ClampWindowDays(-1))
	assert.Equal(t, 7, ClampWindowDays(366))
	assert.Equal(t, 1, ClampWindowDays(1))
	assert.Equal(t, 365, ClampWindowDays(365))
	assert.Equal(t, 30, ClampWindowDays(30))
}
