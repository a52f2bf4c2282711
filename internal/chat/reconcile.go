package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/store/redisstore"
)

const (
	contextCacheKeyPrefix = "promptcache:"

	// Individual attachment fetches are bounded; one slow or oversized
	// attachment must not stall the whole prompt build.
	attachmentFetchTimeout = 15 * time.Second
	attachmentMaxBytes     = 10 << 20
)

// Reconciler merges cached context, persisted history and freshly submitted
// multimodal input into one deduplicated, validated prompt.
type Reconciler struct {
	repo     *Repo
	cache    *redisstore.Store
	cacheTTL time.Duration
	window   int
	client   *http.Client
}

func NewReconciler(repo *Repo, cache *redisstore.Store, cacheTTL time.Duration, window int) *Reconciler {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	if window <= 0 || window > 200 {
		window = 50
	}
	return &Reconciler{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		window:   window,
		client:   &http.Client{Timeout: attachmentFetchTimeout},
	}
}

// BuildPrompt assembles the ordered prompt for a thread. A cached context is
// preferred; on miss, persisted history is loaded and the cache repopulated.
// Fresh messages are merged in with structural dedupe so a message never
// appears twice across the cache and fresh-submission paths, and messages
// without any non-empty part are filtered out.
func (r *Reconciler) BuildPrompt(ctx context.Context, threadID string, fresh []ai.Message, attachmentIDs []string) ([]ai.Message, error) {
	base, err := r.baseContext(ctx, threadID)
	if err != nil {
		return nil, err
	}

	fresh = r.attachTo(ctx, fresh, attachmentIDs)

	seen := make(map[string]struct{}, len(base)+len(fresh))
	merged := make([]ai.Message, 0, len(base)+len(fresh))
	for _, m := range base {
		if !m.HasContent() {
			continue
		}
		seen[signature(m)] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range fresh {
		if !m.HasContent() {
			continue
		}
		sig := signature(m)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		merged = append(merged, m)
	}

	if len(merged) == 0 {
		return nil, ErrEmptyPrompt
	}
	return merged, nil
}

func (r *Reconciler) baseContext(ctx context.Context, threadID string) ([]ai.Message, error) {
	var cached []ai.Message
	err := r.cache.GetJSON(ctx, contextCacheKeyPrefix+threadID, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redisstore.ErrNotFound) {
		// Cache trouble degrades to a DB read, it does not fail the request.
		log.Printf("[reconcile] cache read %s: %v", threadID, err)
	}

	rows, err := r.repo.ListHistoryAsc(ctx, threadID, r.window)
	if err != nil {
		return nil, err
	}
	history := make([]ai.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.Prompt()
		if err != nil {
			log.Printf("[reconcile] skip unreadable message %d: %v", row.ID, err)
			continue
		}
		history = append(history, m)
	}

	if err := r.cache.SetJSON(ctx, contextCacheKeyPrefix+threadID, history, r.cacheTTL); err != nil {
		log.Printf("[reconcile] cache write %s: %v", threadID, err)
	}
	return history, nil
}

// UpdateCache appends newly finalized messages to the cached context.
// Failures are logged only; the cache is rebuilt from the DB on demand.
func (r *Reconciler) UpdateCache(ctx context.Context, threadID string, appended ...ai.Message) {
	var cached []ai.Message
	if err := r.cache.GetJSON(ctx, contextCacheKeyPrefix+threadID, &cached); err != nil {
		if !errors.Is(err, redisstore.ErrNotFound) {
			log.Printf("[reconcile] cache read %s: %v", threadID, err)
		}
		return
	}
	cached = append(cached, appended...)
	if err := r.cache.SetJSON(ctx, contextCacheKeyPrefix+threadID, cached, r.cacheTTL); err != nil {
		log.Printf("[reconcile] cache write %s: %v", threadID, err)
	}
}

func (r *Reconciler) InvalidateCache(ctx context.Context, threadID string) {
	if err := r.cache.Del(ctx, contextCacheKeyPrefix+threadID); err != nil {
		log.Printf("[reconcile] cache del %s: %v", threadID, err)
	}
}

// attachTo resolves attachment references into typed parts on the last user
// message. A failed individual fetch is skipped, not fatal.
func (r *Reconciler) attachTo(ctx context.Context, fresh []ai.Message, attachmentIDs []string) []ai.Message {
	if len(attachmentIDs) == 0 {
		return fresh
	}

	var parts []ai.Part
	for _, id := range attachmentIDs {
		p, err := r.resolveAttachment(ctx, id)
		if err != nil {
			log.Printf("[reconcile] skip attachment %s: %v", id, err)
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return fresh
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		if fresh[i].Role == "user" {
			fresh[i].Parts = append(fresh[i].Parts, parts...)
			return fresh
		}
	}
	return append(fresh, ai.Message{Role: "user", Parts: parts})
}

func (r *Reconciler) resolveAttachment(ctx context.Context, id string) (ai.Part, error) {
	a, err := r.repo.GetAttachment(ctx, id)
	if err != nil {
		return ai.Part{}, err
	}

	var data []byte
	mime := a.MimeType
	if strings.HasPrefix(a.URL, "data:") {
		data, mime, err = decodeDataURI(a.URL)
		if err != nil {
			return ai.Part{}, err
		}
	} else {
		data, mime, err = r.fetch(ctx, a.URL)
		if err != nil {
			return ai.Part{}, err
		}
		if mime == "" {
			mime = a.MimeType
		}
	}

	t := ai.PartFile
	if strings.HasPrefix(mime, "image/") {
		t = ai.PartImage
	}
	return ai.Part{Type: t, Data: data, MimeType: mime}, nil
}

func (r *Reconciler) fetch(ctx context.Context, url string) ([]byte, string, error) {
	fctx, cancel := context.WithTimeout(ctx, attachmentFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, attachmentMaxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > attachmentMaxBytes {
		return nil, "", fmt.Errorf("fetch %s: attachment too large", url)
	}

	mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, strings.TrimSpace(mime), nil
}

// signature is the structural identity of a message: role plus serialized
// content. Two messages with equal signatures are the same message.
func signature(m ai.Message) string {
	b, err := json.Marshal(m.Parts)
	if err != nil {
		return m.Role + "\x00!"
	}
	return m.Role + "\x00" + string(b)
}
