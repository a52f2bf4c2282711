package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/billing"
	"github.com/chatforge/chatforge/internal/browser"
	"github.com/chatforge/chatforge/internal/chat"
)

// User-facing messages written to the draft on abnormal endings.
const (
	timeoutMessage = "I seem to have stalled while working on this. Please try sending your message again."
	erroredMessage = "Something went wrong while generating this response. Please try again."
)

type Options struct {
	PatchStride      int
	CheckpointStride int
	IdleTimeout      time.Duration
	ToolIdleTimeout  time.Duration
	WatchdogInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.PatchStride <= 0 {
		o.PatchStride = 16
	}
	if o.CheckpointStride <= 0 {
		o.CheckpointStride = 128
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.ToolIdleTimeout <= 0 {
		o.ToolIdleTimeout = 90 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 5 * time.Second
	}
}

// Orchestrator drives one background generation to a terminal state. Its
// lifetime is decoupled from the originating request: the caller observes
// progress through the draft record. The draft's stream id is the write key:
// only the instance whose stream currently owns the draft can patch or
// finalize it, so a run superseded by a resubmit writes into the void.
type Orchestrator struct {
	repo        *chat.Repo
	checkpoints *CheckpointStore
	usage       billing.Recorder
	reconciler  *chat.Reconciler
	launcher    browser.Launcher
	opts        Options
}

func New(repo *chat.Repo, checkpoints *CheckpointStore, usage billing.Recorder, reconciler *chat.Reconciler, launcher browser.Launcher, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		repo:        repo,
		checkpoints: checkpoints,
		usage:       usage,
		reconciler:  reconciler,
		launcher:    launcher,
		opts:        opts,
	}
}

// Run consumes the provider's event stream for one job and finalizes the
// draft. The consumption loop races an idle watchdog: a run with a tool in
// flight is allowed a longer stall than plain token generation, because
// tool calls legitimately take far longer than the next token. Whichever
// side finishes first decides the outcome; the loser is simply discarded.
func (or *Orchestrator) Run(ctx context.Context, job *chat.GenerationJob, provider ai.Provider, prompt []ai.Message, tools []ai.ToolDefinition, executor ai.ToolExecutor) error {
	pool := browser.NewPool(or.launcher)
	defer pool.StopAll(context.Background())

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] panic in job %s: %v", job.ID, r)
			or.Fail(job, fmt.Errorf("panic: %v", r))
		}
	}()

	req := &ai.ChatRequest{
		Messages:    prompt,
		Temperature: job.Temperature,
		MaxTokens:   job.MaxTokens,
	}
	if job.EnableTools && len(tools) > 0 {
		req.Tools = tools
		req.Executor = executor
	}

	events, err := provider.Stream(ctx, req)
	if err != nil {
		or.Fail(job, err)
		return err
	}

	var (
		buf           strings.Builder
		tokenIndex    = -1
		lastEvent     = time.Now()
		toolExecuting = false
		usage         *ai.Usage
	)

	ticker := time.NewTicker(or.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Provider closed without a done event; treat as done.
				return or.finish(ctx, job, buf.String(), tokenIndex, usage)
			}
			lastEvent = time.Now()

			switch ev.Type {
			case ai.EventTypeText:
				tokenIndex++
				buf.WriteString(ev.Text)
				if tokenIndex%or.opts.PatchStride == 0 {
					or.patch(ctx, job, buf.String(), tokenIndex)
				}
				if tokenIndex > 0 && tokenIndex%or.opts.CheckpointStride == 0 {
					or.checkpoint(ctx, job, tokenIndex, CheckpointActive)
				}

			case ai.EventTypeToolCall:
				toolExecuting = true

			case ai.EventTypeToolResult:
				toolExecuting = false
				if ev.ToolResult != nil {
					pool.Track(ev.ToolResult.ResourceIDs...)
				}

			case ai.EventTypeUsage:
				usage = ev.Usage

			case ai.EventTypeError:
				or.Fail(job, ev.Error)
				or.checkpoint(ctx, job, max(tokenIndex, 0), CheckpointError)
				return ev.Error

			case ai.EventTypeDone:
				return or.finish(ctx, job, buf.String(), tokenIndex, usage)
			}

		case <-ticker.C:
			threshold := or.opts.IdleTimeout
			if toolExecuting {
				threshold = or.opts.ToolIdleTimeout
			}
			if idle := time.Since(lastEvent); idle > threshold {
				log.Printf("[orchestrator] job %s timed out after %s idle (tool_executing=%v)", job.ID, idle.Round(time.Second), toolExecuting)
				or.timeout(job, buf.String(), max(tokenIndex, 0))
				return fmt.Errorf("orchestrator: generation timed out")
			}
		}
	}
}

func (or *Orchestrator) patch(ctx context.Context, job *chat.GenerationJob, content string, tokenIndex int) {
	if err := or.repo.PatchDraft(ctx, job.ThreadID, job.StreamID, content, tokenIndex+1); err != nil {
		log.Printf("[orchestrator] patch draft %s: %v", job.ThreadID, err)
	}
}

func (or *Orchestrator) checkpoint(ctx context.Context, job *chat.GenerationJob, tokenIndex int, status CheckpointStatus) {
	cp := StreamCheckpoint{
		ChatID:     job.ThreadID,
		StreamID:   job.StreamID,
		TokenIndex: tokenIndex,
		Status:     status,
	}
	if err := or.checkpoints.Write(ctx, cp); err != nil {
		log.Printf("[orchestrator] checkpoint %s@%d: %v", job.StreamID, tokenIndex, err)
	}
}

// finish runs the normal-completion path: final draft patch, immutable
// assistant message, completed checkpoint, usage posting and cache update.
// Only the draft write affects correctness; the rest is logged and absorbed.
func (or *Orchestrator) finish(ctx context.Context, job *chat.GenerationJob, content string, tokenIndex int, usage *ai.Usage) error {
	finishReason := "stop"
	if usage != nil && usage.FinishReason != "" {
		finishReason = usage.FinishReason
	}
	tokens := tokenIndex + 1
	if tokens < 0 {
		tokens = 0
	}

	owned, err := or.repo.FinalizeDraft(ctx, job.ThreadID, job.StreamID, content, finishReason, tokens)
	if err != nil {
		or.Fail(job, err)
		return err
	}
	if !owned {
		// The thread was resubmitted and a newer stream took the draft.
		// Discard this run's text; usage still happened and gets recorded.
		log.Printf("[orchestrator] job %s stream %s superseded, result discarded", job.ID, job.StreamID)
		or.recordUsage(ctx, job, usage)
		if err := or.repo.MarkJobSucceeded(ctx, job.ID); err != nil {
			log.Printf("[orchestrator] mark job %s succeeded: %v", job.ID, err)
		}
		return nil
	}

	assistant := ai.TextMessage("assistant", content)
	if row, err := chat.NewMessage(job.ThreadID, job.ModelID, assistant); err == nil {
		if err := or.repo.InsertMessage(ctx, row); err != nil {
			log.Printf("[orchestrator] insert assistant message %s: %v", job.ThreadID, err)
		}
	}

	or.checkpoint(ctx, job, max(tokenIndex, 0), CheckpointCompleted)

	or.recordUsage(ctx, job, usage)

	if or.reconciler != nil {
		or.reconciler.UpdateCache(ctx, job.ThreadID, assistant)
	}

	if err := or.repo.MarkJobSucceeded(ctx, job.ID); err != nil {
		log.Printf("[orchestrator] mark job %s succeeded: %v", job.ID, err)
	}
	return nil
}

func (or *Orchestrator) recordUsage(ctx context.Context, job *chat.GenerationJob, usage *ai.Usage) {
	if usage == nil || or.usage == nil {
		return
	}
	rec := &chat.UsageRecord{
		ThreadID:         job.ThreadID,
		SessionID:        job.SessionID,
		UserID:           job.UserID,
		ModelID:          job.ModelID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if err := or.usage.RecordUsage(ctx, rec); err != nil {
		log.Printf("[orchestrator] usage post %s: %v", job.ThreadID, err)
	}
}

// timeout is the watchdog's terminal write. The partial content is kept and
// a user-facing note appended; the finish reason reads as an error.
func (or *Orchestrator) timeout(job *chat.GenerationJob, partial string, tokenIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := timeoutMessage
	if partial != "" {
		content = partial + "\n\n" + timeoutMessage
	}
	if _, err := or.repo.FinalizeDraft(ctx, job.ThreadID, job.StreamID, content, "error", tokenIndex+1); err != nil {
		log.Printf("[orchestrator] finalize timed-out draft %s: %v", job.ThreadID, err)
	}
	or.checkpoint(ctx, job, tokenIndex, CheckpointError)
	if err := or.repo.MarkJobFailed(ctx, job.ID, "generation timed out"); err != nil {
		log.Printf("[orchestrator] mark job %s failed: %v", job.ID, err)
	}
}

// Fail marks the job failed and the draft errored with a generic message, so
// a polling caller always sees the generation end. The underlying error stays
// in the logs and on the job row, not in the user-visible draft. The worker
// also routes pre-stream failures (bad payload, prompt build, provider
// resolution) through here.
func (or *Orchestrator) Fail(job *chat.GenerationJob, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Printf("[orchestrator] job %s errored: %v", job.ID, cause)
	if _, err := or.repo.FinalizeDraft(ctx, job.ThreadID, job.StreamID, erroredMessage, "error", 0); err != nil {
		log.Printf("[orchestrator] finalize errored draft %s: %v", job.ThreadID, err)
	}
	if err := or.repo.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		log.Printf("[orchestrator] mark job %s failed: %v", job.ID, err)
	}
}
