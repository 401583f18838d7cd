package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/abtcloud/kb-chatbot/internal/api"
	"github.com/abtcloud/kb-chatbot/internal/auth"
	"github.com/abtcloud/kb-chatbot/internal/kb"
	"github.com/abtcloud/kb-chatbot/internal/metrics"
	"github.com/abtcloud/kb-chatbot/internal/prompt"
	"github.com/abtcloud/kb-chatbot/internal/store"
	"github.com/abtcloud/kb-chatbot/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger := utils.MustNewLogger(cfg.Logging)
	defer logger.Sync()

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Sugar().Fatalw("failed to open history store", "driver", cfg.Store.Driver, "error", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		logger.Sugar().Fatalw("history store ping failed", "driver", cfg.Store.Driver, "error", err)
	}

	engine := prompt.NewEngine(st, cfg.Prompt, utils.Sugared("prompt"))
	backend := kb.NewClient(cfg.KB, utils.Sugared("kb"))
	recorder := metrics.NewRecorder(st, utils.Sugared("metrics"))
	gate := auth.NewGate(cfg.Admin.JWTSecret, cfg.Admin.KeyHash)

	router := setupRouter(st, engine, backend, recorder, gate)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Sugar().Infow("server listening", "addr", server.Addr, "driver", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar().Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Warnw("graceful shutdown failed", "error", err)
	}

	logger.Sugar().Info("server stopped cleanly")
}

func openStore(ctx context.Context, cfg *utils.Config) (store.Store, error) {
	if cfg.Store.Driver == "postgres" {
		return store.NewPostgres(ctx, cfg.Store, utils.Sugared("store"))
	}
	return store.NewSQLite(cfg.Store, utils.Sugared("store"))
}

func setupRouter(st store.Store, engine *prompt.Engine, backend api.Backend, recorder *metrics.Recorder, gate *auth.Gate) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	api.NewHandler(st, engine, backend, recorder, gate, utils.Sugared("api")).RegisterRoutes(router)

	return router
}
