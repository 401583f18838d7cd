package prompt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

const (
	defaultHistoryTurns      = 5
	defaultContextCharBudget = 8000
)

const defaultSystemPrompt = `You are a helpful AI assistant with access to a knowledge base.
Your role is to provide accurate, helpful, and well-structured answers based on the retrieved context.

Guidelines:
- Always base your answers on the provided context from the knowledge base
- If the context doesn't contain relevant information, clearly state that
- Cite specific sources when referencing information
- Provide clear, concise, and well-organized responses
- If asked about something not in the knowledge base, politely indicate the limitation
- Use markdown formatting for better readability when appropriate`

var templates = map[models.QueryType]string{
	models.QueryGeneral: `Context:
{context}

Question: {question}

Please provide a comprehensive answer based on the context above.`,

	models.QueryTechnical: `Technical Context:
{context}

Technical Question: {question}

Provide a detailed technical explanation based on the context, including any relevant specifications, procedures, or technical details.`,

	models.QuerySummary: `Context:
{context}

Question: {question}

Provide a concise summary based on the context above.`,

	models.QueryComparison: `Context:
{context}

Question: {question}

Compare and contrast the relevant information from the context to answer the question.`,
}

var (
	technicalKeywords  = []string{"how", "implement", "configure", "setup", "technical", "specification"}
	summaryKeywords    = []string{"summarize", "summary", "tl;dr", "overview", "brief"}
	comparisonKeywords = []string{"compare", "difference", "versus", "vs", "better"}
)

// Classify maps a question to a query type with a fixed keyword rule table.
// It is a pure function: same input, same output, no side effects.
func Classify(question string) models.QueryType {
	lower := strings.ToLower(question)

	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			return models.QueryTechnical
		}
	}
	for _, kw := range summaryKeywords {
		if strings.Contains(lower, kw) {
			return models.QuerySummary
		}
	}
	for _, kw := range comparisonKeywords {
		if strings.Contains(lower, kw) {
			return models.QueryComparison
		}
	}

	return models.QueryGeneral
}

// ParseQueryType validates a caller-supplied override. Unknown values fall
// back to classification, signalled by ok == false.
func ParseQueryType(raw string) (models.QueryType, bool) {
	switch models.QueryType(strings.ToLower(strings.TrimSpace(raw))) {
	case models.QueryGeneral:
		return models.QueryGeneral, true
	case models.QueryTechnical:
		return models.QueryTechnical, true
	case models.QuerySummary:
		return models.QuerySummary, true
	case models.QueryComparison:
		return models.QueryComparison, true
	}
	return models.QueryGeneral, false
}

type turnLister interface {
	ListTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
}

// Engine assembles enriched requests from a question plus the owning
// conversation's recent turns.
type Engine struct {
	store        turnLister
	historyTurns int
	charBudget   int
	systemPrompt string
	logger       *zap.SugaredLogger
}

func NewEngine(store turnLister, cfg utils.PromptConfig, logger *zap.SugaredLogger) *Engine {
	historyTurns := cfg.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}

	charBudget := cfg.ContextCharBudget
	if charBudget <= 0 {
		charBudget = defaultContextCharBudget
	}

	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &Engine{
		store:        store,
		historyTurns: historyTurns,
		charBudget:   charBudget,
		systemPrompt: systemPrompt,
		logger:       logger,
	}
}

// AssembleContext builds the enriched request for a question. An unknown or
// empty conversation degrades to a stateless single-turn request; this never
// fails.
func (e *Engine) AssembleContext(ctx context.Context, conversationID, question string, override models.QueryType) *models.EnrichedRequest {
	queryType := override
	if queryType == "" {
		queryType = Classify(question)
	}

	req := &models.EnrichedRequest{
		Question:         question,
		QueryType:        queryType,
		PromptTemplateID: string(queryType),
	}

	if conversationID == "" {
		return req
	}

	turns, err := e.store.ListTurns(ctx, conversationID, e.historyTurns*4)
	if err != nil {
		// Context assembly degrades gracefully; the question still goes
		// to the backend as a fresh single-turn request.
		e.logger.Warnw("history unavailable, assembling stateless request",
			"conversation_id", conversationID, "error", err)
		return req
	}

	if len(turns) > e.historyTurns {
		turns = turns[len(turns)-e.historyTurns:]
	}

	req.ContextBlock = renderContextBlock(turns, e.charBudget)
	return req
}

// SystemPrompt exposes the configured system instructions.
func (e *Engine) SystemPrompt() string {
	return e.systemPrompt
}

// BuildPrompt renders the full prompt for a query type: system instructions,
// prior-conversation context, and the question, under the type's template.
func (e *Engine) BuildPrompt(req *models.EnrichedRequest) string {
	template, ok := templates[req.QueryType]
	if !ok {
		template = templates[models.QueryGeneral]
	}

	contextText := req.ContextBlock
	if contextText == "" {
		contextText = "No context available."
	}

	body := strings.ReplaceAll(template, "{context}", contextText)
	body = strings.ReplaceAll(body, "{question}", req.Question)

	var builder strings.Builder
	builder.WriteString("System Instructions:\n")
	builder.WriteString(e.systemPrompt)
	builder.WriteString("\n\n")
	builder.WriteString(body)
	return builder.String()
}

// renderContextBlock concatenates turns as chronological role-labeled pairs.
// When the character budget is exceeded, oldest whole turns are dropped
// first; a turn is never truncated mid-exchange.
func renderContextBlock(turns []models.Turn, charBudget int) string {
	if len(turns) == 0 {
		return ""
	}

	rendered := make([]string, len(turns))
	for i, turn := range turns {
		rendered[i] = fmt.Sprintf("User: %s\nAssistant: %s", strings.TrimSpace(turn.Question), strings.TrimSpace(turn.Answer))
	}

	start := 0
	total := 0
	for i := len(rendered) - 1; i >= 0; i-- {
		cost := len(rendered[i])
		if i < len(rendered)-1 {
			cost += 2 // separator
		}
		if total+cost > charBudget {
			start = i + 1
			break
		}
		total += cost
	}

	if start >= len(rendered) {
		return ""
	}

	return strings.Join(rendered[start:], "\n\n")
}
