package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

var (
	// ErrUnavailable marks a backend that could not serve the request at
	// all: connection failure or a 5xx answer.
	ErrUnavailable = errors.New("kb: backend unavailable")

	// ErrRateLimited marks a 429 from the backend.
	ErrRateLimited = errors.New("kb: rate limited")

	// ErrMalformedEvidence marks a response whose evidence payload could
	// not be decoded. The answer is never silently served without it.
	ErrMalformedEvidence = errors.New("kb: malformed evidence payload")
)

const defaultRequestTimeout = 30 * time.Second

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Answer is the backend's reply to an enriched request.
type Answer struct {
	Text       string
	Evidence   []models.Evidence
	ModelUsed  string
	DurationMS int64
}

// Client talks to the retrieval-and-generation backend over its
// OpenAI-compatible HTTP surface. It owns no conversation state; every call
// carries the full enriched request.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  httpDoer
	logger  *zap.SugaredLogger
}

func NewClient(cfg utils.KBConfig, logger *zap.SugaredLogger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type queryAPIRequest struct {
	Model        string `json:"model"`
	Question     string `json:"question"`
	QueryType    string `json:"query_type"`
	ContextBlock string `json:"context,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

type queryAPIResponse struct {
	Answer     string          `json:"answer"`
	Sources    json.RawMessage `json:"sources"`
	ModelUsed  string          `json:"model_used"`
	DurationMS int64           `json:"duration_ms"`
	Error      *apiError       `json:"error,omitempty"`
}

type sourcePayload struct {
	Name      string  `json:"name"`
	SizeBytes int64   `json:"size_bytes"`
	URI       string  `json:"uri"`
	Score     float64 `json:"score"`
}

// Query submits an enriched request, with an optional explicit model
// override, and returns the generated answer plus its supporting evidence.
func (c *Client) Query(ctx context.Context, req *models.EnrichedRequest, prompt, modelOverride string) (*Answer, error) {
	model := strings.TrimSpace(modelOverride)
	if model == "" {
		model = c.model
	}

	payload := queryAPIRequest{
		Model:        model,
		Question:     req.Question,
		QueryType:    string(req.QueryType),
		ContextBlock: req.ContextBlock,
		Prompt:       prompt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kb: marshal query payload: %w", err)
	}

	started := time.Now()
	respBody, err := c.post(ctx, "/query", body)
	if err != nil {
		return nil, err
	}

	var apiResp queryAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	if apiResp.Error != nil && apiResp.Error.Message != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, apiResp.Error.Message)
	}

	evidence, err := decodeEvidence(apiResp.Sources)
	if err != nil {
		return nil, err
	}

	durationMS := apiResp.DurationMS
	if durationMS <= 0 {
		durationMS = time.Since(started).Milliseconds()
	}

	modelUsed := apiResp.ModelUsed
	if modelUsed == "" {
		modelUsed = model
	}

	return &Answer{
		Text:       apiResp.Answer,
		Evidence:   evidence,
		ModelUsed:  modelUsed,
		DurationMS: durationMS,
	}, nil
}

type documentsAPIResponse struct {
	Documents []struct {
		Name      string `json:"name"`
		SizeBytes int64  `json:"size"`
	} `json:"documents"`
}

// ListDocuments enumerates the knowledge corpus: name and size only.
func (c *Client) ListDocuments(ctx context.Context) ([]models.Document, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/documents", nil)
	if err != nil {
		return nil, fmt.Errorf("kb: create documents request: %w", err)
	}
	c.setHeaders(request)

	respBody, err := c.do(request)
	if err != nil {
		return nil, err
	}

	var apiResp documentsAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode documents: %v", ErrUnavailable, err)
	}

	documents := make([]models.Document, 0, len(apiResp.Documents))
	for _, doc := range apiResp.Documents {
		documents = append(documents, models.Document{Name: doc.Name, SizeBytes: doc.SizeBytes})
	}
	return documents, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kb: create request: %w", err)
	}
	c.setHeaders(request)

	return c.do(request)
}

func (c *Client) do(request *http.Request) ([]byte, error) {
	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case response.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, errorSnippet(response.StatusCode, respBody))
	case response.StatusCode < 200 || response.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, errorSnippet(response.StatusCode, respBody))
	}

	return respBody, nil
}

func (c *Client) setHeaders(request *http.Request) {
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	request.Header.Set("Content-Type", "application/json")
}

func decodeEvidence(raw json.RawMessage) ([]models.Evidence, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return []models.Evidence{}, nil
	}

	var sources []sourcePayload
	if err := json.Unmarshal(trimmed, &sources); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}

	evidence := make([]models.Evidence, 0, len(sources))
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: source with empty name", ErrMalformedEvidence)
		}
		evidence = append(evidence, models.Evidence{
			Name:      name,
			SizeBytes: src.SizeBytes,
			URI:       src.URI,
			Score:     src.Score,
		})
	}
	return evidence, nil
}

type apiError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

func errorSnippet(statusCode int, body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		msg := strings.TrimSpace(envelope.Error.Message)
		if envelope.Error.Code != "" && msg != "" {
			return fmt.Sprintf("%d %s: %s", statusCode, envelope.Error.Code, msg)
		}
		if msg != "" {
			return fmt.Sprintf("%d: %s", statusCode, msg)
		}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = http.StatusText(statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return fmt.Sprintf("%d: %s", statusCode, snippet)
}
