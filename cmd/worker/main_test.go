package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/browser"
	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/orchestrator"
	"github.com/chatforge/chatforge/internal/store/redisstore"
)

type workerTestEnv struct {
	repo       *chat.Repo
	reg        *ai.Registry
	reconciler *chat.Reconciler
	orch       *orchestrator.Orchestrator
}

func newWorkerTestEnv(t *testing.T) *workerTestEnv {
	t.Helper()

	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := chat.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	repo := chat.NewRepo(db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.NewWithClient(rdb)

	reconciler := chat.NewReconciler(repo, store, time.Minute, 50)
	orch := orchestrator.New(repo, orchestrator.NewCheckpointStore(store), nil, reconciler, browser.NopLauncher{}, orchestrator.Options{})

	return &workerTestEnv{
		repo:       repo,
		reg:        ai.NewRegistry(),
		reconciler: reconciler,
		orch:       orch,
	}
}

func (env *workerTestEnv) seedJob(t *testing.T, threadID, modelID, messages string) *chat.GenerationJob {
	t.Helper()
	ctx := context.Background()
	if err := env.repo.CreateThread(ctx, &chat.Thread{ID: threadID, Title: "t"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	streamID := "stream-" + threadID[len(threadID)-4:]
	if _, err := env.repo.UpsertDraft(ctx, threadID, streamID); err != nil {
		t.Fatalf("upsert draft: %v", err)
	}
	job := &chat.GenerationJob{
		ID:       "01JOB" + threadID[5:],
		ThreadID: threadID,
		ModelID:  modelID,
		StreamID: streamID,
		Messages: messages,
		Status:   chat.JobQueued,
	}
	if err := env.repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// Failures before the provider stream opens must still end the generation
// from the polling caller's point of view: job failed, draft no longer
// streaming and carrying the generic error text, raw cause kept off it.
func TestHandleJob_PreStreamFailuresFinalizeDraft(t *testing.T) {
	env := newWorkerTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		threadID string
		modelID  string
		messages string
	}{
		{"bad payload", "01THRWORKER000000000000001", "ghost/model", `{broken`},
		{"unknown provider", "01THRWORKER000000000000002", "ghost/model", `[{"role":"user","parts":[{"type":"text","text":"hi"}]}]`},
	}

	for _, tc := range cases {
		job := env.seedJob(t, tc.threadID, tc.modelID, tc.messages)

		if err := handleJob(ctx, env.repo, env.reg, env.reconciler, env.orch, nil, job.ID); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}

		j, err := env.repo.GetJobByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("%s: get job: %v", tc.name, err)
		}
		if j.Status != chat.JobFailed {
			t.Fatalf("%s: job status = %s, want failed", tc.name, j.Status)
		}

		d, err := env.repo.GetDraftByThread(ctx, job.ThreadID)
		if err != nil {
			t.Fatalf("%s: get draft: %v", tc.name, err)
		}
		if d.IsStreaming {
			t.Fatalf("%s: draft left streaming forever", tc.name)
		}
		if d.FinishReason != "error" {
			t.Fatalf("%s: finish reason = %q, want error", tc.name, d.FinishReason)
		}
		if d.Content == "" || strings.Contains(d.Content, "ghost") {
			t.Fatalf("%s: draft content leaks the raw cause: %q", tc.name, d.Content)
		}
	}
}

func TestWorkerConcurrency_Bounds(t *testing.T) {
	cases := map[string]int{"": 2, "0": 2, "-3": 2, "junk": 2, "8": 8, "500": 50}
	for in, want := range cases {
		t.Setenv("WORKER_CONCURRENCY", in)
		if got := workerConcurrency(); got != want {
			t.Fatalf("WORKER_CONCURRENCY=%q -> %d, want %d", in, got, want)
		}
	}
}
