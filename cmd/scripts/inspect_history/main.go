package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/abtcloud/kb-chatbot/internal/store"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := utils.Sugared("inspect")
	ctx := context.Background()

	var st store.Store
	if cfg.Store.Driver == "postgres" {
		st, err = store.NewPostgres(ctx, cfg.Store, logger)
	} else {
		st, err = store.NewSQLite(cfg.Store, logger)
	}
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	since := time.Now().AddDate(0, 0, -7)
	summary, err := st.Summarize(ctx, since)
	if err != nil {
		log.Fatalf("summarize: %v", err)
	}

	fmt.Printf("queries (7d):   %d\n", summary.TotalQueries)
	fmt.Printf("success rate:   %.1f%%\n", summary.SuccessRate)
	fmt.Printf("avg duration:   %.0fms (min %d, max %d)\n", summary.AvgResponseTimeMS, summary.MinResponseTimeMS, summary.MaxResponseTimeMS)

	if len(summary.DailyCounts) > 0 {
		fmt.Println("daily counts:")
		for _, day := range summary.DailyCounts {
			fmt.Printf("- %s: %d\n", day.Date, day.Count)
		}
	}

	if len(summary.TopQuestions) > 0 {
		fmt.Println("top questions:")
		for _, q := range summary.TopQuestions {
			fmt.Printf("- %dx %s\n", q.Count, q.Question)
		}
	}

	turns, err := st.ListTurns(ctx, "", 10)
	if err != nil {
		log.Fatalf("list turns: %v", err)
	}

	fmt.Printf("recent turns (%d):\n", len(turns))
	for _, turn := range turns {
		fmt.Printf("- [%d] %s %s: %s\n", turn.ID, turn.CreatedAt.Format(time.RFC3339), turn.ConversationID, turn.Question)
	}
}
