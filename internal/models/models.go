package models

import "time"

// Turn is one question/answer exchange within a conversation. Turns are
// append-only: corrections are new turns, never edits.
type Turn struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Question       string     `json:"question"`
	Answer         string     `json:"answer"`
	Evidence       []Evidence `json:"evidence"`
	ModelUsed      string     `json:"model_used"`
	DurationMS     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Evidence references a unit of the external knowledge corpus backing an
// answer. It is always embedded in a Turn, never persisted on its own.
type Evidence struct {
	Name      string  `json:"name"`
	SizeBytes int64   `json:"size_bytes"`
	URI       string  `json:"uri,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Conversation is the server-side bookkeeping row for one conversation
// identifier. The turn list itself lives in the turns table.
type Conversation struct {
	ID           string    `json:"id"`
	QueryCount   int64     `json:"query_count"`
	LastActivity time.Time `json:"last_activity"`
}

// EventType enumerates recordable metric events.
type EventType string

const (
	EventQuery  EventType = "query"
	EventUpload EventType = "upload"
	EventSync   EventType = "sync"
	EventError  EventType = "error"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventQuery, EventUpload, EventSync, EventError:
		return true
	}
	return false
}

// MetricEvent is an append-only observability record. The payload is opaque
// to the store.
type MetricEvent struct {
	ID           int64          `json:"id"`
	EventType    EventType      `json:"event_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DailyCount is one day's query volume inside a summary window.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// QuestionCount ranks a question text by how often it was asked.
type QuestionCount struct {
	Question string `json:"question"`
	Count    int64  `json:"count"`
}

// Summary aggregates query activity over a day window.
type Summary struct {
	TotalQueries      int64           `json:"total_queries"`
	AvgResponseTimeMS float64         `json:"avg_response_time_ms"`
	MinResponseTimeMS int64           `json:"min_response_time_ms"`
	MaxResponseTimeMS int64           `json:"max_response_time_ms"`
	SuccessRate       float64         `json:"success_rate"`
	DailyCounts       []DailyCount    `json:"daily_counts"`
	TopQuestions      []QuestionCount `json:"top_questions"`
}

// QueryType classifies a question for prompt template selection.
type QueryType string

const (
	QueryGeneral    QueryType = "general"
	QueryTechnical  QueryType = "technical"
	QuerySummary    QueryType = "summary"
	QueryComparison QueryType = "comparison"
)

// EnrichedRequest is a question augmented with its classified type and the
// assembled prior-turn context, ready for the generation backend.
type EnrichedRequest struct {
	Question         string    `json:"question"`
	QueryType        QueryType `json:"query_type"`
	ContextBlock     string    `json:"context_block"`
	PromptTemplateID string    `json:"prompt_template_id"`
}

// Document is a knowledge-corpus entry as exposed by the source listing:
// name and size only.
type Document struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size"`
}
