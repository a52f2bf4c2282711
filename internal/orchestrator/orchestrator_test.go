package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/billing"
	"github.com/chatforge/chatforge/internal/browser"
	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/store/redisstore"
)

// scriptProvider replays a fixed event sequence, with optional per-step
// delays to exercise the watchdog.
type scriptProvider struct {
	events []ai.StreamEvent
	delays map[int]time.Duration
}

func (p *scriptProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		for i, ev := range p.events {
			if d, ok := p.delays[i]; ok {
				time.Sleep(d)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type stoppingLauncher struct {
	mu    sync.Mutex
	stops map[string]int
}

func (l *stoppingLauncher) Create(context.Context) (string, error) { return "sess", nil }
func (l *stoppingLauncher) Stop(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stops == nil {
		l.stops = make(map[string]int)
	}
	l.stops[id]++
	return nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := chat.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testCheckpoints(t *testing.T) *CheckpointStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCheckpointStore(redisstore.NewWithClient(rdb))
}

func seedJob(t *testing.T, repo *chat.Repo, threadID, streamID string) *chat.GenerationJob {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateThread(ctx, &chat.Thread{ID: threadID, Title: "t"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if _, err := repo.UpsertDraft(ctx, threadID, streamID); err != nil {
		t.Fatalf("upsert draft: %v", err)
	}
	job := &chat.GenerationJob{
		ID:       "01JOB" + threadID[5:],
		ThreadID: threadID,
		ModelID:  "fake/model",
		StreamID: streamID,
		Status:   chat.JobRunning,
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func textEvents(n int) []ai.StreamEvent {
	evs := make([]ai.StreamEvent, 0, n+1)
	for i := 0; i < n; i++ {
		evs = append(evs, ai.StreamEvent{Type: ai.EventTypeText, Text: fmt.Sprintf("t%d ", i)})
	}
	evs = append(evs, ai.StreamEvent{Type: ai.EventTypeDone})
	return evs
}

func newOrchestrator(repo *chat.Repo, cps *CheckpointStore, launcher browser.Launcher, opts Options) *Orchestrator {
	return New(repo, cps, billing.NewDBRecorder(repo), nil, launcher, opts)
}

func TestRun_CompletesAndFinalizesDraft(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000A", "stream-1")

	events := textEvents(130)
	events = append(events[:130], ai.StreamEvent{
		Type:  ai.EventTypeUsage,
		Usage: &ai.Usage{PromptTokens: 10, CompletionTokens: 130, FinishReason: "stop"},
	}, ai.StreamEvent{Type: ai.EventTypeDone})

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{})
	if err := orch.Run(context.Background(), job, &scriptProvider{events: events}, nil, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	d, err := repo.GetDraftByThread(context.Background(), job.ThreadID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if d.IsStreaming {
		t.Fatalf("draft still streaming after completion")
	}
	if d.TokenCount != 130 {
		t.Fatalf("token count = %d, want 130", d.TokenCount)
	}
	if d.FinishReason != "stop" {
		t.Fatalf("finish reason = %q, want stop", d.FinishReason)
	}
	if !strings.HasSuffix(strings.TrimSpace(d.Content), "t129") {
		t.Fatalf("draft content missing tail: %q", d.Content[len(d.Content)-20:])
	}

	// Final marker is the completed checkpoint at the last token index.
	cp, err := cps.Read(context.Background(), job.StreamID)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if cp.Status != CheckpointCompleted || cp.TokenIndex != 129 {
		t.Fatalf("checkpoint = %+v, want completed@129", cp)
	}

	// Assistant message persisted.
	msgs, err := repo.ListHistoryAsc(context.Background(), job.ThreadID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" {
		t.Fatalf("expected one assistant message, got %d", len(msgs))
	}

	// Usage posted.
	var usageCnt int64
	if err := db.Model(&chat.UsageRecord{}).Count(&usageCnt).Error; err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if usageCnt != 1 {
		t.Fatalf("usage records = %d, want 1", usageCnt)
	}

	j, err := repo.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != chat.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded", j.Status)
	}
}

func TestRun_PatchesAtStrideDuringStream(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000B", "stream-2")

	// 17 tokens then a long pause before done: the patch at index 16 must be
	// visible in the draft while the stream is still open.
	events := textEvents(17)
	p := &scriptProvider{
		events: events,
		delays: map[int]time.Duration{17: 400 * time.Millisecond},
	}

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{PatchStride: 16})

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), job, p, nil, nil, nil) }()

	deadline := time.Now().Add(300 * time.Millisecond)
	var observed int
	for time.Now().Before(deadline) {
		d, err := repo.GetDraftByThread(context.Background(), job.ThreadID)
		if err == nil && d.IsStreaming && d.TokenCount == 17 {
			observed = d.TokenCount
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if observed != 17 {
		t.Fatalf("mid-stream patch at stride boundary not observed")
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_IdleWatchdogTimesOutPlainGeneration(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000C", "stream-3")

	// One token, then silence far past the idle threshold.
	p := &scriptProvider{
		events: []ai.StreamEvent{
			{Type: ai.EventTypeText, Text: "partial"},
			{Type: ai.EventTypeDone},
		},
		delays: map[int]time.Duration{1: 2 * time.Second},
	}

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{
		IdleTimeout:      80 * time.Millisecond,
		ToolIdleTimeout:  5 * time.Second,
		WatchdogInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Run(ctx, job, p, nil, nil, nil); err == nil {
		t.Fatalf("expected timeout error")
	}

	d, err := repo.GetDraftByThread(context.Background(), job.ThreadID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if d.IsStreaming {
		t.Fatalf("timed-out draft still streaming")
	}
	if d.FinishReason != "error" {
		t.Fatalf("finish reason = %q, want error", d.FinishReason)
	}
	if !strings.Contains(d.Content, "partial") {
		t.Fatalf("partial content dropped on timeout: %q", d.Content)
	}

	j, _ := repo.GetJobByID(context.Background(), job.ID)
	if j.Status != chat.JobFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestRun_ToolExecutionGetsLongerLeash(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000D", "stream-4")
	job.EnableTools = true

	// The pause after the tool call exceeds the plain idle threshold but
	// stays under the tool threshold; the run must survive it.
	p := &scriptProvider{
		events: []ai.StreamEvent{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "fetch_url"}},
			{Type: ai.EventTypeToolResult, ToolResult: &ai.ToolResult{ToolCallID: "c1", Content: "ok"}},
			{Type: ai.EventTypeText, Text: "answer"},
			{Type: ai.EventTypeDone},
		},
		delays: map[int]time.Duration{1: 250 * time.Millisecond},
	}

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{
		IdleTimeout:      100 * time.Millisecond,
		ToolIdleTimeout:  2 * time.Second,
		WatchdogInterval: 10 * time.Millisecond,
	})

	if err := orch.Run(context.Background(), job, p, nil, nil, nil); err != nil {
		t.Fatalf("run should survive a slow tool call: %v", err)
	}

	d, _ := repo.GetDraftByThread(context.Background(), job.ThreadID)
	if d.IsStreaming || d.Content != "answer" {
		t.Fatalf("unexpected draft after tool run: streaming=%v content=%q", d.IsStreaming, d.Content)
	}
}

func TestRun_StopsTrackedBrowserSessions(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000E", "stream-5")

	launcher := &stoppingLauncher{}
	p := &scriptProvider{
		events: []ai.StreamEvent{
			{Type: ai.EventTypeToolCall, ToolCall: &ai.ToolCall{ID: "c1", Name: "fetch_url"}},
			{Type: ai.EventTypeToolResult, ToolResult: &ai.ToolResult{ToolCallID: "c1", Content: "ok", ResourceIDs: []string{"b1", "b2"}}},
			{Type: ai.EventTypeDone},
		},
	}

	orch := newOrchestrator(repo, cps, launcher, Options{})
	if err := orch.Run(context.Background(), job, p, nil, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if launcher.stops["b1"] != 1 || launcher.stops["b2"] != 1 {
		t.Fatalf("tracked sessions not torn down exactly once: %v", launcher.stops)
	}
}

func TestRun_ProviderErrorYieldsGenericDraft(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000F", "stream-6")

	secret := errors.New("upstream exploded: api key sk-123")
	p := &scriptProvider{
		events: []ai.StreamEvent{
			{Type: ai.EventTypeText, Text: "partial"},
			{Type: ai.EventTypeError, Error: secret},
		},
	}

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{})
	if err := orch.Run(context.Background(), job, p, nil, nil, nil); !errors.Is(err, secret) {
		t.Fatalf("run error = %v, want the provider error", err)
	}

	d, _ := repo.GetDraftByThread(context.Background(), job.ThreadID)
	if d.IsStreaming {
		t.Fatalf("errored draft still streaming")
	}
	// The raw cause must never reach the user-visible draft.
	if strings.Contains(d.Content, "sk-123") || strings.Contains(d.Content, "exploded") {
		t.Fatalf("provider internals leaked into draft: %q", d.Content)
	}

	j, _ := repo.GetJobByID(context.Background(), job.ID)
	if j.Status != chat.JobFailed || j.Error == nil {
		t.Fatalf("job not marked failed with cause: %+v", j)
	}

	cp, err := cps.Read(context.Background(), job.StreamID)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if cp.Status != CheckpointError {
		t.Fatalf("checkpoint status = %s, want error", cp.Status)
	}
}

func TestCheckpointStore_IndexNeverDecreases(t *testing.T) {
	cps := testCheckpoints(t)
	ctx := context.Background()

	if err := cps.Write(ctx, StreamCheckpoint{StreamID: "s", TokenIndex: 128, Status: CheckpointActive}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A stale writer must not roll the marker back.
	if err := cps.Write(ctx, StreamCheckpoint{StreamID: "s", TokenIndex: 64, Status: CheckpointActive}); err != nil {
		t.Fatalf("write: %v", err)
	}

	cp, err := cps.Read(ctx, "s")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cp.TokenIndex != 128 {
		t.Fatalf("token index = %d, want 128", cp.TokenIndex)
	}
}

func TestRun_SupersededStreamCannotTouchDraft(t *testing.T) {
	db := testDB(t)
	repo := chat.NewRepo(db)
	cps := testCheckpoints(t)
	job := seedJob(t, repo, "01THR00000000000000000000G", "stream-old")

	// A few tokens, then a long pause before done: while the old run is
	// stalled, a resubmit hands the draft to a new stream.
	events := textEvents(5)
	p := &scriptProvider{
		events: events,
		delays: map[int]time.Duration{5: 400 * time.Millisecond},
	}

	orch := newOrchestrator(repo, cps, browser.NopLauncher{}, Options{PatchStride: 1})

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background(), job, p, nil, nil, nil) }()

	time.Sleep(150 * time.Millisecond)
	if _, err := repo.UpsertDraft(context.Background(), job.ThreadID, "stream-new"); err != nil {
		t.Fatalf("reset draft: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	d, err := repo.GetDraftByThread(context.Background(), job.ThreadID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if d.StreamID != "stream-new" {
		t.Fatalf("stream id = %q, want stream-new", d.StreamID)
	}
	if !d.IsStreaming {
		t.Fatalf("new stream's draft was finalized by the old run")
	}
	if d.Content != "" {
		t.Fatalf("new stream's draft carries old content: %q", d.Content)
	}

	// The discarded result must not leak into history either.
	msgs, err := repo.ListHistoryAsc(context.Background(), job.ThreadID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("superseded run persisted %d messages", len(msgs))
	}

	j, err := repo.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != chat.JobSucceeded {
		t.Fatalf("job status = %s, want succeeded", j.Status)
	}
}
