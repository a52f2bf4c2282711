package billing

import (
	"context"
	"strings"

	"github.com/chatforge/chatforge/internal/chat"
)

// Recorder posts a usage increment after a successful generation. Failures
// here never affect the user-visible result; callers log and move on.
type Recorder interface {
	RecordUsage(ctx context.Context, rec *chat.UsageRecord) error
}

// per-1k-token rates in microcents, keyed by model id prefix
var rateTable = map[string]struct{ prompt, completion int64 }{
	"openai/gpt-4o":      {250, 1000},
	"openai/gpt-4o-mini": {15, 60},
	"openrouter/":        {100, 300},
	"ollama/":            {0, 0},
}

var defaultRate = struct{ prompt, completion int64 }{100, 300}

// Cost computes the charge for a usage record in microcents.
func Cost(modelID string, promptTokens, completionTokens int) int64 {
	rate := defaultRate
	best := 0
	for prefix, r := range rateTable {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > best {
			rate = r
			best = len(prefix)
		}
	}
	return (int64(promptTokens)*rate.prompt + int64(completionTokens)*rate.completion) / 1000
}

// DBRecorder persists usage rows through the chat repository.
type DBRecorder struct {
	repo *chat.Repo
}

func NewDBRecorder(repo *chat.Repo) *DBRecorder {
	return &DBRecorder{repo: repo}
}

func (r *DBRecorder) RecordUsage(ctx context.Context, rec *chat.UsageRecord) error {
	rec.CostMicrocents = Cost(rec.ModelID, rec.PromptTokens, rec.CompletionTokens)
	return r.repo.InsertUsage(ctx, rec)
}
