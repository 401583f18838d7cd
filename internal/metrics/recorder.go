package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
)

const (
	// DefaultWindowDays applies when the caller's day window is missing
	// or out of the 1..365 range.
	DefaultWindowDays = 7
	maxWindowDays     = 365

	recentEventsLimit = 100
)

type eventStore interface {
	RecordMetric(ctx context.Context, ev models.MetricEvent) error
	ListMetrics(ctx context.Context, eventType models.EventType, since time.Time, limit int) ([]models.MetricEvent, error)
	Summarize(ctx context.Context, since time.Time) (*models.Summary, error)
}

// Recorder writes metric events best-effort and produces windowed
// summaries. Recording never propagates a failure to the operation being
// measured; observability must not break the primary path.
type Recorder struct {
	store  eventStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewRecorder(store eventStore, logger *zap.SugaredLogger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends one metric event. Storage failures are logged and dropped.
func (r *Recorder) Record(ctx context.Context, eventType models.EventType, payload map[string]any, durationMS int64, success bool, errorMessage string) {
	ev := models.MetricEvent{
		EventType:    eventType,
		Payload:      payload,
		DurationMS:   durationMS,
		Success:      success,
		ErrorMessage: errorMessage,
	}

	if err := r.store.RecordMetric(ctx, ev); err != nil {
		r.logger.Warnw("dropping metric event",
			"event_type", eventType, "success", success, "error", err)
	}
}

// Summarize aggregates query activity over the last windowDays days. An
// empty window yields a zero-valued summary; only an unreachable store is an
// error.
func (r *Recorder) Summarize(ctx context.Context, windowDays int) (*models.Summary, error) {
	return r.store.Summarize(ctx, r.windowStart(windowDays))
}

// Recent returns the newest events in the window, optionally filtered by
// type, capped at 100.
func (r *Recorder) Recent(ctx context.Context, eventType models.EventType, windowDays int) ([]models.MetricEvent, error) {
	return r.store.ListMetrics(ctx, eventType, r.windowStart(windowDays), recentEventsLimit)
}

// ClampWindowDays normalizes a caller-supplied day window to 1..365,
// falling back to the default of 7.
func ClampWindowDays(days int) int {
	if days < 1 || days > maxWindowDays {
		return DefaultWindowDays
	}
	return days
}

func (r *Recorder) windowStart(windowDays int) time.Time {
	return r.now().UTC().AddDate(0, 0, -ClampWindowDays(windowDays))
}
