package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/billing"
	"github.com/chatforge/chatforge/internal/browser"
	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/config"
	"github.com/chatforge/chatforge/internal/db"
	"github.com/chatforge/chatforge/internal/orchestrator"
	"github.com/chatforge/chatforge/internal/store/rabbitmq"
	"github.com/chatforge/chatforge/internal/store/redisstore"
	"github.com/chatforge/chatforge/internal/tools"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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
	repo := chat.NewRepo(gdb)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	reg := ai.NewRegistry()
	registerProviders(reg, cfg)

	reconciler := chat.NewReconciler(repo, rds, cfg.ContextCacheTTL, cfg.ChatContextWindow)
	checkpoints := orchestrator.NewCheckpointStore(rds)
	recorder := billing.NewDBRecorder(repo)

	launcher := browser.NopLauncher{}
	executor := tools.NewExecutor(launcher)

	orch := orchestrator.New(repo, checkpoints, recorder, reconciler, launcher, orchestrator.Options{
		PatchStride:      cfg.PatchStride,
		CheckpointStride: cfg.CheckpointStride,
		IdleTimeout:      cfg.IdleTimeout,
		ToolIdleTimeout:  cfg.ToolIdleTimeout,
		WatchdogInterval: cfg.WatchdogInterval,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareJobTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, repo, reg, reconciler, orch, executor, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleJob loads the job row, rebuilds the prompt and hands the stream to
// the orchestrator. Once the job row is loaded, every failure goes through
// the orchestrator's Fail path so the draft always reaches a terminal state;
// a polling caller must never see a generation that simply stops moving.
func handleJob(ctx context.Context, repo *chat.Repo, reg *ai.Registry, reconciler *chat.Reconciler, orch *orchestrator.Orchestrator, executor ai.ToolExecutor, jobID string) error {
	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	job, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	var fresh []ai.Message
	if job.Messages != "" {
		if err := json.Unmarshal([]byte(job.Messages), &fresh); err != nil {
			orch.Fail(job, fmt.Errorf("bad job payload: %w", err))
			return err
		}
	}
	var attachmentIDs []string
	if job.AttachmentIDs != "" {
		if err := json.Unmarshal([]byte(job.AttachmentIDs), &attachmentIDs); err != nil {
			orch.Fail(job, fmt.Errorf("bad job payload: %w", err))
			return err
		}
	}

	prompt, err := reconciler.BuildPrompt(ctx, job.ThreadID, fresh, attachmentIDs)
	if err != nil {
		orch.Fail(job, err)
		return err
	}

	provider, _, err := reg.Get(ctx, job.ModelID)
	if err != nil {
		orch.Fail(job, err)
		return err
	}

	var defs []ai.ToolDefinition
	if job.EnableTools {
		defs = tools.Definitions()
	}

	return orch.Run(ctx, job, provider, prompt, defs, executor)
}
