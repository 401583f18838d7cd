package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(utils.KBConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		Model:          "default-model",
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop().Sugar())
}

func enriched(question string) *models.EnrichedRequest {
	return &models.EnrichedRequest{
		Question:         question,
		QueryType:        models.QueryGeneral,
		PromptTemplateID: "general",
	}
}

func TestQueryDecodesAnswerAndEvidence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"answer": "the policy is nightly sync",
			"sources": [{"name": "ops.md", "size_bytes": 812, "uri": "s3://corpus/ops.md", "score": 0.87}],
			"model_used": "kb-model-1",
			"duration_ms": 240
		}`))
	})

	answer, err := client.Query(context.Background(), enriched("what is the sync policy?"), "", "")
	require.NoError(t, err)

	assert.Equal(t, "the policy is nightly sync", answer.Text)
	assert.Equal(t, "kb-model-1", answer.ModelUsed)
	assert.EqualValues(t, 240, answer.DurationMS)
	require.Len(t, answer.Evidence, 1)
	assert.Equal(t, "ops.md", answer.Evidence[0].Name)
	assert.EqualValues(t, 812, answer.Evidence[0].SizeBytes)
}

func TestQueryModelOverride(t *testing.T) {
	var gotModel string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, decodeJSONBody(r, &payload))
		gotModel, _ = payload["model"].(string)
		w.Write([]byte(`{"answer": "ok", "sources": []}`))
	})

	_, err := client.Query(context.Background(), enriched("q"), "", "special-model")
	require.NoError(t, err)
	assert.Equal(t, "special-model", gotModel)
}

func TestQueryRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": "throttled", "message": "slow down"}}`))
	})

	_, err := client.Query(context.Background(), enriched("q"), "", "")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "slow down")
}

func TestQueryServerErrorIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Query(context.Background(), enriched("q"), "", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestQueryConnectionFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // refuse connections

	client := NewClient(utils.KBConfig{BaseURL: server.URL, RequestTimeout: time.Second}, zap.NewNop().Sugar())

	_, err := client.Query(context.Background(), enriched("q"), "", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestQueryMalformedEvidence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer": "ok", "sources": [{"name": ""}]}`))
	})

	_, err := client.Query(context.Background(), enriched("q"), "", "")
	assert.ErrorIs(t, err, ErrMalformedEvidence)

	client = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer": "ok", "sources": {"not": "a list"}}`))
	})

	_, err = client.Query(context.Background(), enriched("q"), "", "")
	assert.ErrorIs(t, err, ErrMalformedEvidence)
}

func TestQueryMissingSourcesIsEmptyEvidence(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer": "no citations here"}`))
	})

	answer, err := client.Query(context.Background(), enriched("q"), "", "")
	require.NoError(t, err)
	assert.Empty(t, answer.Evidence)
}

func TestListDocuments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/documents", r.URL.Path)
		w.Write([]byte(`{"documents": [{"name": "handbook.pdf", "size": 52417}, {"name": "faq.md", "size": 1337}]}`))
	})

	docs, err := client.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "handbook.pdf", docs[0].Name)
	assert.EqualValues(t, 52417, docs[0].SizeBytes)
}

func decodeJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
