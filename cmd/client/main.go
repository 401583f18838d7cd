package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/session"
)

type askResponse struct {
	Answer         string            `json:"answer"`
	Evidence       []models.Evidence `json:"evidence"`
	ConversationID string            `json:"conversation_id"`
	DurationMS     int64             `json:"duration_ms"`
	QueryType      models.QueryType  `json:"query_type"`
	TurnID         int64             `json:"turn_id"`
	Warning        string            `json:"warning,omitempty"`
}

type historyResponse struct {
	History []models.Turn `json:"history"`
	Count   int           `json:"count"`
}

type chatClient struct {
	baseURL string
	client  *http.Client
	store   *session.FileStore
	cache   session.ClientCache
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	baseURL := strings.TrimRight(envOrDefault("CHAT_SERVER_URL", "http://localhost:8080"), "/")
	cacheDir := envOrDefault("CHAT_CACHE_DIR", defaultCacheDir())

	store, err := session.NewFileStore(cacheDir)
	if err != nil {
		log.Fatalf("failed to open session cache: %v", err)
	}

	cache, err := store.Load()
	if err != nil {
		log.Printf("session cache load: %v", err)
	}

	cc := &chatClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		store:   store,
		cache:   cache,
	}

	if cc.cache.State == session.Bound {
		fmt.Printf("resuming conversation %s (%d cached turns)\n", cc.cache.ConversationID, len(cc.cache.Turns))
		if err := cc.rehydrate(context.Background()); err != nil {
			log.Printf("history sync skipped: %v", err)
		}
	} else {
		fmt.Println("starting a new conversation")
	}
	fmt.Println("commands: /history, /reset, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return
		case "/reset":
			cc.reset()
			continue
		case "/history":
			cc.printHistory()
			continue
		}

		if err := cc.ask(context.Background(), line); err != nil {
			log.Printf("ask failed: %v", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Fatalf("stdin read failed: %v", err)
	}
}

func (c *chatClient) ask(ctx context.Context, question string) error {
	payload := map[string]string{"question": question}
	if c.cache.State == session.Bound {
		payload["conversation_id"] = c.cache.ConversationID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ask", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var answer askResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("\n%s\n", answer.Answer)
	for _, ev := range answer.Evidence {
		fmt.Printf("  [source] %s (score %.2f)\n", ev.Name, ev.Score)
	}
	if answer.Warning != "" {
		fmt.Printf("  [warning] %s\n", answer.Warning)
	}
	fmt.Printf("  (%s, %dms)\n\n", answer.QueryType, answer.DurationMS)

	turn := models.Turn{
		ID:             answer.TurnID,
		ConversationID: answer.ConversationID,
		Question:       question,
		Answer:         answer.Answer,
		Evidence:       answer.Evidence,
		DurationMS:     answer.DurationMS,
	}
	c.cache = c.cache.Apply(answer.ConversationID, turn, time.Now())
	if err := c.store.Save(c.cache); err != nil {
		log.Printf("session cache save: %v", err)
	}
	return nil
}

// rehydrate replaces the cached turn list with the server's view of the
// bound conversation.
func (c *chatClient) rehydrate(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/history?conversation_id=%s&limit=50", c.baseURL, c.cache.ConversationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var listing historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	c.cache = c.cache.Replace(c.cache.ConversationID, listing.History, time.Now())
	return c.store.Save(c.cache)
}

func (c *chatClient) reset() {
	c.cache = c.cache.Reset()
	if err := c.store.Purge(); err != nil {
		log.Printf("session cache purge: %v", err)
	}
	fmt.Println("conversation reset; the next question starts a new one")
}

func (c *chatClient) printHistory() {
	if c.cache.State != session.Bound || len(c.cache.Turns) == 0 {
		fmt.Println("no cached turns")
		return
	}
	for _, turn := range c.cache.Turns {
		fmt.Printf("[%d] Q: %s\n    A: %s\n", turn.ID, turn.Question, turn.Answer)
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbchat"
	}
	return filepath.Join(home, ".kbchat")
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
