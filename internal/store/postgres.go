package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

// Postgres backs deployments that outgrow the embedded store. Semantics are
// identical to the SQLite backend; per-conversation append serialization
// rides on the row lock taken by the conversations upsert.
type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	maxListLimit int
	logger       *zap.SugaredLogger
}

func NewPostgres(ctx context.Context, cfg utils.StoreConfig, logger *zap.SugaredLogger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", ErrStorage, err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrStorage, err)
	}

	s := &Postgres{
		pool:         pool,
		queryTimeout: cfg.QueryTimeout,
		maxListLimit: cfg.MaxListLimit,
		logger:       logger,
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS turns (",
			"    id BIGSERIAL PRIMARY KEY,",
			"    conversation_id TEXT NOT NULL,",
			"    question TEXT NOT NULL,",
			"    answer TEXT NOT NULL,",
			"    evidence JSONB NOT NULL DEFAULT '[]',",
			"    model_used TEXT NOT NULL DEFAULT '',",
			"    duration_ms BIGINT NOT NULL DEFAULT 0,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    query_count BIGINT NOT NULL DEFAULT 0,",
			"    last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS metrics (",
			"    id BIGSERIAL PRIMARY KEY,",
			"    event_type TEXT NOT NULL,",
			"    payload JSONB NOT NULL DEFAULT '{}',",
			"    duration_ms BIGINT NOT NULL DEFAULT 0,",
			"    success BOOLEAN NOT NULL DEFAULT TRUE,",
			"    error_message TEXT,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(event_type, created_at)",
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrStorage, err)
		}
	}

	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorage, err)
	}
	return nil
}

func (s *Postgres) AppendTurn(ctx context.Context, p AppendTurnParams) (int64, error) {
	if err := validateAppend(p); err != nil {
		return 0, err
	}

	id, err := s.appendTurnOnce(ctx, p)
	if err == nil {
		return id, nil
	}

	s.logger.Warnw("turn append failed, retrying once", "error", err)
	id, retryErr := s.appendTurnOnce(ctx, p)
	if retryErr != nil {
		return 0, fmt.Errorf("%w: append turn: %v", ErrStorage, retryErr)
	}
	return id, nil
}

func (s *Postgres) appendTurnOnce(ctx context.Context, p AppendTurnParams) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	evidenceJSON, err := json.Marshal(normalizeEvidence(p.Evidence))
	if err != nil {
		return 0, fmt.Errorf("encode evidence: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The upsert locks the conversation row for the rest of the
	// transaction, serializing concurrent appends to one conversation.
	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, query_count, last_activity)
		 VALUES ($1, 1, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			query_count = conversations.query_count + 1,
			last_activity = NOW()`,
		p.ConversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO turns (conversation_id, question, answer, evidence, model_used, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		p.ConversationID, strings.TrimSpace(p.Question), p.Answer, evidenceJSON, p.ModelUsed, p.DurationMS,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return id, nil
}

func (s *Postgres) ListTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	limit = clampLimit(limit, s.maxListLimit)

	var (
		rows pgx.Rows
		err  error
	)
	if conversationID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			 FROM turns ORDER BY id DESC LIMIT $1`, limit)
	} else {
		// Window from the newest end, then restore chronological order.
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			 FROM (SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			       FROM turns WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2) AS recent
			 ORDER BY id ASC`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %v", ErrStorage, err)
	}
	defer rows.Close()

	turns := make([]models.Turn, 0, limit)
	for rows.Next() {
		turn, err := scanPgTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan turn: %v", ErrStorage, err)
		}
		turns = append(turns, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list turns: %v", ErrStorage, err)
	}

	return turns, nil
}

func (s *Postgres) GetTurn(ctx context.Context, turnID int64) (*models.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
		 FROM turns WHERE id = $1`, turnID)

	turn, err := scanPgTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: turn %d", ErrNotFound, turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get turn: %v", ErrStorage, err)
	}
	return turn, nil
}

func (s *Postgres) RecordMetric(ctx context.Context, ev models.MetricEvent) error {
	if !models.ValidEventType(ev.EventType) {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrValidation, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO metrics (event_type, payload, duration_ms, success, error_message)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(ev.EventType), payloadJSON, ev.DurationMS, ev.Success, nullString(ev.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("%w: record metric: %v", ErrStorage, err)
	}
	return nil
}

func (s *Postgres) ListMetrics(ctx context.Context, eventType models.EventType, since time.Time, limit int) ([]models.MetricEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	limit = clampLimit(limit, s.maxListLimit)

	query := `SELECT id, event_type, payload, duration_ms, success, error_message, created_at
		  FROM metrics WHERE created_at >= $1`
	args := []any{since.UTC()}
	if eventType != "" {
		query += ` AND event_type = $2 ORDER BY id DESC LIMIT $3`
		args = append(args, string(eventType), limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list metrics: %v", ErrStorage, err)
	}
	defer rows.Close()

	events := make([]models.MetricEvent, 0, limit)
	for rows.Next() {
		var (
			ev          models.MetricEvent
			payloadJSON []byte
			errMsg      *string
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &payloadJSON, &ev.DurationMS, &ev.Success, &errMsg, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan metric: %v", ErrStorage, err)
		}
		if errMsg != nil {
			ev.ErrorMessage = *errMsg
		}
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &ev.Payload)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list metrics: %v", ErrStorage, err)
	}

	return events, nil
}

func (s *Postgres) Summarize(ctx context.Context, since time.Time) (*models.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	summary := &models.Summary{
		DailyCounts:  []models.DailyCount{},
		TopQuestions: []models.QuestionCount{},
	}
	cutoff := since.UTC()

	var avg, minMS, maxMS *float64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), AVG(duration_ms), MIN(duration_ms)::float8, MAX(duration_ms)::float8
		 FROM turns WHERE created_at >= $1`, cutoff,
	).Scan(&summary.TotalQueries, &avg, &minMS, &maxMS)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize turns: %v", ErrStorage, err)
	}
	if avg != nil {
		summary.AvgResponseTimeMS = *avg
	}
	if minMS != nil {
		summary.MinResponseTimeMS = int64(*minMS)
	}
	if maxMS != nil {
		summary.MaxResponseTimeMS = int64(*maxMS)
	}

	var total, successful int64
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		 FROM metrics WHERE event_type = 'query' AND created_at >= $1`, cutoff,
	).Scan(&total, &successful)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize success rate: %v", ErrStorage, err)
	}
	if total > 0 {
		summary.SuccessRate = float64(successful) / float64(total) * 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT TO_CHAR(created_at::date, 'YYYY-MM-DD'), COUNT(*) FROM turns
		 WHERE created_at >= $1 GROUP BY created_at::date ORDER BY created_at::date DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize daily counts: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc models.DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("%w: scan daily count: %v", ErrStorage, err)
		}
		summary.DailyCounts = append(summary.DailyCounts, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: summarize daily counts: %v", ErrStorage, err)
	}

	topRows, err := s.pool.Query(ctx,
		`SELECT TRIM(question), COUNT(*) AS n FROM turns
		 WHERE created_at >= $1
		 GROUP BY TRIM(question)
		 ORDER BY n DESC, MAX(id) DESC
		 LIMIT 10`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize top questions: %v", ErrStorage, err)
	}
	defer topRows.Close()
	for topRows.Next() {
		var qc models.QuestionCount
		if err := topRows.Scan(&qc.Question, &qc.Count); err != nil {
			return nil, fmt.Errorf("%w: scan top question: %v", ErrStorage, err)
		}
		summary.TopQuestions = append(summary.TopQuestions, qc)
	}
	if err := topRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: summarize top questions: %v", ErrStorage, err)
	}

	return summary, nil
}

func scanPgTurn(row pgx.Row) (*models.Turn, error) {
	var (
		turn         models.Turn
		evidenceJSON []byte
	)
	if err := row.Scan(&turn.ID, &turn.ConversationID, &turn.Question, &turn.Answer,
		&evidenceJSON, &turn.ModelUsed, &turn.DurationMS, &turn.CreatedAt); err != nil {
		return nil, err
	}

	turn.Evidence = []models.Evidence{}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &turn.Evidence); err != nil {
			turn.Evidence = []models.Evidence{}
		}
	}
	return &turn, nil
}
