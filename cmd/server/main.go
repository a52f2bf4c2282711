package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/config"
	"github.com/chatforge/chatforge/internal/db"
	"github.com/chatforge/chatforge/internal/httpapi"
	"github.com/chatforge/chatforge/internal/models"
	"github.com/chatforge/chatforge/internal/session"
	"github.com/chatforge/chatforge/internal/store/rabbitmq"
	"github.com/chatforge/chatforge/internal/store/redisstore"
	"github.com/chatforge/chatforge/internal/trust"
)

func registerProviders(reg *ai.Registry, cfg config.Config) {
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ai.ErrNotConfigured)
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENROUTER_API_KEY is not set", ai.ErrNotConfigured)
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		log.Fatalf("migrate users: %v", err)
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		log.Fatalf("migrate chat: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rds.Ping(context.Background()); err != nil {
		log.Printf("redis ping failed (continuing, admission may degrade): %v", err)
	}

	repo := chat.NewRepo(gdb)
	sessions := session.NewResolver(rds, repo, cfg.SessionTTL)
	admission := trust.NewController(rds, sessions, cfg.AdmissionFailOpen)

	reg := ai.NewRegistry()
	registerProviders(reg, cfg)

	reconciler := chat.NewReconciler(repo, rds, cfg.ContextCacheTTL, cfg.ChatContextWindow)

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer publisher.Close()

	svc := chat.NewService(repo, reg, reconciler, publisher)

	r := httpapi.NewRouter(gdb, cfg, svc, admission, sessions)

	log.Printf("server listening on :8080")
	if err := r.Run(":8080"); err != nil {
		log.Fatalf("server: %v", err)
	}
}
