package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abtcloud/kb-chatbot/internal/models"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func turnFor(conversationID string, id int64, question string) models.Turn {
	return models.Turn{ID: id, ConversationID: conversationID, Question: question, Answer: "a"}
}

func TestApplyBindsUninitializedCache(t *testing.T) {
	cache := NewClientCache()
	assert.Equal(t, Uninitialized, cache.State)

	cache = cache.Apply("A", turnFor("A", 1, "q1"), testNow)

	assert.Equal(t, Bound, cache.State)
	assert.Equal(t, "A", cache.ConversationID)
	require.Len(t, cache.Turns, 1)
	assert.Equal(t, testNow, cache.SyncedAt)
}

func TestApplySameConversationAppends(t *testing.T) {
	cache := NewClientCache().
		Apply("A", turnFor("A", 1, "q1"), testNow).
		Apply("A", turnFor("A", 2, "q2"), testNow.Add(time.Minute))

	assert.Equal(t, "A", cache.ConversationID)
	require.Len(t, cache.Turns, 2)
	assert.EqualValues(t, 1, cache.Turns[0].ID)
	assert.EqualValues(t, 2, cache.Turns[1].ID)
}

func TestApplyRotationFlushesBeforeAccepting(t *testing.T) {
	cache := NewClientCache().
		Apply("A", turnFor("A", 1, "q1"), testNow).
		Apply("A", turnFor("A", 2, "q2"), testNow)

	// Server rotates the conversation id; every turn for "A" must go.
	cache = cache.Apply("B", turnFor("B", 3, "q3"), testNow)

	assert.Equal(t, "B", cache.ConversationID)
	require.Len(t, cache.Turns, 1)
	for _, turn := range cache.Turns {
		assert.Equal(t, "B", turn.ConversationID, "leaked turn from rotated conversation")
	}
}

func TestReplaceDiscardsForeignTurns(t *testing.T) {
	cache := NewClientCache().Replace("B", []models.Turn{
		turnFor("A", 1, "stale"),
		turnFor("B", 2, "good"),
		turnFor("B", 3, "also good"),
	}, testNow)

	assert.Equal(t, "B", cache.ConversationID)
	require.Len(t, cache.Turns, 2)
	assert.EqualValues(t, 2, cache.Turns[0].ID)
}

func TestResetReturnsToUninitialized(t *testing.T) {
	cache := NewClientCache().Apply("A", turnFor("A", 1, "q1"), testNow)

	cache = cache.Reset()

	assert.Equal(t, Uninitialized, cache.State)
	assert.Empty(t, cache.ConversationID)
	assert.Empty(t, cache.Turns)
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	cache := NewClientCache().Apply("A", turnFor("A", 1, "q1"), testNow)
	require.NoError(t, store.Save(cache))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, cache.ConversationID, loaded.ConversationID)
	assert.Equal(t, Bound, loaded.State)
	require.Len(t, loaded.Turns, 1)
}

func TestFileStoreLoadMissingIsEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	cache, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, cache.State)
}

func TestFileStoreLoadCorruptIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentCacheFile), []byte("{not json"), 0o644))

	cache, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, cache.State)
}

func writeLegacyCache(t *testing.T, dir string) {
	t.Helper()

	legacy := map[string]any{
		"conversation_id": "legacy-conv",
		"turns": []map[string]any{
			{"id": 1, "conversation_id": "legacy-conv", "question": "old q", "answer": "old a"},
		},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LegacyCacheFile), data, 0o644))
}

func TestFileStoreMigratesLegacyKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	writeLegacyCache(t, dir)

	cache, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Bound, cache.State)
	assert.Equal(t, "legacy-conv", cache.ConversationID)
	require.Len(t, cache.Turns, 1)

	// Copied forward under the current key; legacy stays until purge.
	assert.FileExists(t, filepath.Join(dir, CurrentCacheFile))
	assert.FileExists(t, filepath.Join(dir, LegacyCacheFile))
}

func TestFileStoreMigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	writeLegacyCache(t, dir)

	first, err := store.Load()
	require.NoError(t, err)
	second, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFileStorePrefersCurrentKeyOverLegacy(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	writeLegacyCache(t, dir)
	current := NewClientCache().Apply("current-conv", turnFor("current-conv", 9, "new q"), testNow)
	require.NoError(t, store.Save(current))

	cache, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "current-conv", cache.ConversationID)
}

func TestFileStorePurgeRemovesAllKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	writeLegacyCache(t, dir)
	require.NoError(t, store.Save(NewClientCache().Apply("A", turnFor("A", 1, "q"), testNow)))

	require.NoError(t, store.Purge())

	assert.NoFileExists(t, filepath.Join(dir, CurrentCacheFile))
	assert.NoFileExists(t, filepath.Join(dir, LegacyCacheFile))
}
