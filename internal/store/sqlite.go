package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

// SQLite is the embedded reference backend. A single process-wide writer
// lock serializes appends; SQLite itself provides no useful row-level
// locking and the embedded deployment is single-instance anyway.
type SQLite struct {
	db           *sql.DB
	mu           sync.Mutex
	queryTimeout time.Duration
	maxListLimit int
	logger       *zap.SugaredLogger
}

func NewSQLite(cfg utils.StoreConfig, logger *zap.SugaredLogger) (*SQLite, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", ErrStorage, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	// modernc sqlite allows one writer; bound the pool so readers do not
	// pile up behind a busy file.
	db.SetMaxOpenConns(4)

	s := &SQLite{
		db:           db,
		queryTimeout: cfg.QueryTimeout,
		maxListLimit: cfg.MaxListLimit,
		logger:       logger,
	}

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			evidence TEXT NOT NULL DEFAULT '[]',
			model_used TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			query_count INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(event_type, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrStorage, err)
		}
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLite) AppendTurn(ctx context.Context, p AppendTurnParams) (int64, error) {
	if err := validateAppend(p); err != nil {
		return 0, err
	}

	id, err := s.appendTurnOnce(ctx, p)
	if err == nil {
		return id, nil
	}

	// One immediate re-attempt; transient write failures on an embedded
	// file store are usually lock contention.
	s.logger.Warnw("turn append failed, retrying once", "error", err)
	id, retryErr := s.appendTurnOnce(ctx, p)
	if retryErr != nil {
		return 0, fmt.Errorf("%w: append turn: %v", ErrStorage, retryErr)
	}
	return id, nil
}

func (s *SQLite) appendTurnOnce(ctx context.Context, p AppendTurnParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	evidenceJSON, err := json.Marshal(normalizeEvidence(p.Evidence))
	if err != nil {
		return 0, fmt.Errorf("encode evidence: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Second precision keeps the stored text form compatible with
	// SQLite's date functions.
	now := time.Now().UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, question, answer, evidence, model_used, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ConversationID, strings.TrimSpace(p.Question), p.Answer, string(evidenceJSON), p.ModelUsed, p.DurationMS, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("turn id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, query_count, last_activity)
		 VALUES (?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET
			query_count = query_count + 1,
			last_activity = excluded.last_activity`,
		p.ConversationID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return id, nil
}

func (s *SQLite) ListTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	limit = clampLimit(limit, s.maxListLimit)

	var (
		rows *sql.Rows
		err  error
	)
	if conversationID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			 FROM turns ORDER BY id DESC LIMIT ?`, limit)
	} else {
		// Window from the newest end, then restore chronological order.
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			 FROM (SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
			       FROM turns WHERE conversation_id = ? ORDER BY id DESC LIMIT ?)
			 ORDER BY id ASC`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list turns: %v", ErrStorage, err)
	}
	defer rows.Close()

	turns := make([]models.Turn, 0, limit)
	for rows.Next() {
		turn, err := scanTurn(rows)
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

func (s *SQLite) GetTurn(ctx context.Context, turnID int64) (*models.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, question, answer, evidence, model_used, duration_ms, created_at
		 FROM turns WHERE id = ?`, turnID)

	turn, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: turn %d", ErrNotFound, turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get turn: %v", ErrStorage, err)
	}
	return turn, nil
}

func (s *SQLite) RecordMetric(ctx context.Context, ev models.MetricEvent) error {
	if !models.ValidEventType(ev.EventType) {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (event_type, payload, duration_ms, success, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.EventType), string(payloadJSON), ev.DurationMS, boolToInt(ev.Success), nullString(ev.ErrorMessage), time.Now().UTC().Truncate(time.Second),
	)
	if err != nil {
		return fmt.Errorf("%w: record metric: %v", ErrStorage, err)
	}
	return nil
}

func (s *SQLite) ListMetrics(ctx context.Context, eventType models.EventType, since time.Time, limit int) ([]models.MetricEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	limit = clampLimit(limit, s.maxListLimit)

	query := `SELECT id, event_type, payload, duration_ms, success, error_message, created_at
		  FROM metrics WHERE created_at >= ?`
	args := []any{sqliteTime(since)}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list metrics: %v", ErrStorage, err)
	}
	defer rows.Close()

	events := make([]models.MetricEvent, 0, limit)
	for rows.Next() {
		var (
			ev          models.MetricEvent
			payloadJSON string
			success     int
			errMsg      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &payloadJSON, &ev.DurationMS, &success, &errMsg, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan metric: %v", ErrStorage, err)
		}
		ev.Success = success != 0
		ev.ErrorMessage = errMsg.String
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list metrics: %v", ErrStorage, err)
	}

	return events, nil
}

func (s *SQLite) Summarize(ctx context.Context, since time.Time) (*models.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	summary := &models.Summary{
		DailyCounts:  []models.DailyCount{},
		TopQuestions: []models.QuestionCount{},
	}
	cutoff := sqliteTime(since)

	var avg, minMS, maxMS sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(duration_ms), MIN(duration_ms), MAX(duration_ms)
		 FROM turns WHERE created_at >= ?`, cutoff,
	).Scan(&summary.TotalQueries, &avg, &minMS, &maxMS)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize turns: %v", ErrStorage, err)
	}
	summary.AvgResponseTimeMS = avg.Float64
	summary.MinResponseTimeMS = int64(minMS.Float64)
	summary.MaxResponseTimeMS = int64(maxMS.Float64)

	var total, successful int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0)
		 FROM metrics WHERE event_type = 'query' AND created_at >= ?`, cutoff,
	).Scan(&total, &successful)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize success rate: %v", ErrStorage, err)
	}
	if total > 0 {
		summary.SuccessRate = float64(successful) / float64(total) * 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE(created_at), COUNT(*) FROM turns
		 WHERE created_at >= ? GROUP BY DATE(created_at) ORDER BY DATE(created_at) DESC`, cutoff)
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

	topRows, err := s.db.QueryContext(ctx,
		`SELECT TRIM(question), COUNT(*) AS n FROM turns
		 WHERE created_at >= ?
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var (
		turn         models.Turn
		evidenceJSON string
	)
	if err := row.Scan(&turn.ID, &turn.ConversationID, &turn.Question, &turn.Answer,
		&evidenceJSON, &turn.ModelUsed, &turn.DurationMS, &turn.CreatedAt); err != nil {
		return nil, err
	}

	turn.Evidence = []models.Evidence{}
	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), &turn.Evidence); err != nil {
			// A corrupt evidence blob must not hide the turn itself.
			turn.Evidence = []models.Evidence{}
		}
	}
	return &turn, nil
}

func normalizeEvidence(evidence []models.Evidence) []models.Evidence {
	if evidence == nil {
		return []models.Evidence{}
	}
	return evidence
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sqliteTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
