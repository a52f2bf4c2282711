package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/common"
)

// Dispatcher hands a queued generation job to the background worker.
type Dispatcher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo       *Repo
	registry   *ai.Registry
	reconciler *Reconciler
	dispatcher Dispatcher
}

func NewService(repo *Repo, registry *ai.Registry, reconciler *Reconciler, dispatcher Dispatcher) *Service {
	return &Service{repo: repo, registry: registry, reconciler: reconciler, dispatcher: dispatcher}
}

func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// Owner identifies the caller: an authenticated user id, or the anonymous
// session for callers without one.
type Owner struct {
	UserID    *uint64
	SessionID string
}

func (o Owner) owns(t *Thread) bool {
	if o.UserID != nil {
		return t.UserID != nil && *t.UserID == *o.UserID
	}
	return t.UserID == nil && t.SessionID == o.SessionID
}

type GenerateInput struct {
	Owner          Owner
	IPHash         string
	ThreadID       string
	Messages       []ai.Message
	ModelID        string
	Temperature    float64
	MaxTokens      int
	AttachmentIDs  []string
	EnableTools    bool
	IdempotencyKey *string
}

type GenerateResult struct {
	ThreadID           string
	AssistantMessageID uint64 // draft row id; progress is observed on the draft
	JobID              string
	StreamID           string
	Created            bool
}

// Generate validates the request, persists the fresh input, creates the
// draft placeholder and enqueues the background generation. It returns as
// soon as the job is queued; the draft record carries progress from there.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*GenerateResult, error) {
	// Resolve the provider up front: an unroutable model or missing
	// credentials must fail the request here, not the background job.
	if _, _, err := s.registry.Get(ctx, in.ModelID); err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		return nil, err
	}

	fresh := make([]ai.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		if m.HasContent() {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 && len(in.AttachmentIDs) == 0 {
		return nil, ErrEmptyPrompt
	}

	thread, err := s.threadFor(ctx, in, fresh)
	if err != nil {
		return nil, err
	}

	// Persist the user's fresh messages; assistant/system entries in the
	// request are context-only and come back through reconciliation.
	for _, m := range fresh {
		if m.Role != "user" {
			continue
		}
		row, err := NewMessage(thread.ID, in.ModelID, m)
		if err != nil {
			return nil, err
		}
		if err := s.repo.InsertMessage(ctx, row); err != nil {
			return nil, err
		}
	}

	// Attachment linking is bookkeeping; failure must not fail the request.
	for _, id := range in.AttachmentIDs {
		if err := s.repo.LinkAttachmentThread(ctx, id, thread.ID); err != nil {
			log.Printf("[chat] link attachment %s to %s: %v", id, thread.ID, err)
		}
	}

	streamID := uuid.NewString()
	draft, err := s.repo.UpsertDraft(ctx, thread.ID, streamID)
	if err != nil {
		return nil, err
	}

	msgsJSON, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}
	attachJSON, err := json.Marshal(in.AttachmentIDs)
	if err != nil {
		return nil, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &GenerationJob{
		ID:             jobID,
		ThreadID:       thread.ID,
		SessionID:      in.Owner.SessionID,
		UserID:         in.Owner.UserID,
		ModelID:        in.ModelID,
		StreamID:       streamID,
		Temperature:    in.Temperature,
		MaxTokens:      in.MaxTokens,
		EnableTools:    in.EnableTools,
		Messages:       string(msgsJSON),
		AttachmentIDs:  string(attachJSON),
		IdempotencyKey: in.IdempotencyKey,
		Status:         JobQueued,
	}

	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, err
	}

	if created {
		if err := s.dispatcher.PublishJob(ctx, job.ID); err != nil {
			_ = s.repo.MarkJobFailed(ctx, job.ID, "enqueue failed: "+err.Error())
			return nil, err
		}
	}

	if err := s.repo.TouchThread(ctx, thread.ID); err != nil {
		log.Printf("[chat] touch thread %s: %v", thread.ID, err)
	}

	return &GenerateResult{
		ThreadID:           thread.ID,
		AssistantMessageID: draft.ID,
		JobID:              job.ID,
		StreamID:           streamID,
		Created:            created,
	}, nil
}

func (s *Service) threadFor(ctx context.Context, in GenerateInput, fresh []ai.Message) (*Thread, error) {
	if in.ThreadID != "" {
		t, err := s.repo.GetThread(ctx, in.ThreadID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrThreadNotFound
			}
			return nil, err
		}
		if !in.Owner.owns(t) {
			return nil, ErrThreadNotFound
		}
		return t, nil
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	t := &Thread{
		ID:        id,
		UserID:    in.Owner.UserID,
		SessionID: in.Owner.SessionID,
		IPHash:    in.IPHash,
		Title:     titleFor(fresh),
		ModelID:   in.ModelID,
	}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func titleFor(fresh []ai.Message) string {
	for _, m := range fresh {
		if m.Role != "user" {
			continue
		}
		t := strings.TrimSpace(m.Text())
		if t == "" {
			continue
		}
		if len(t) > 80 {
			t = t[:80]
		}
		return t
	}
	return "New chat"
}

func (s *Service) GetDraft(ctx context.Context, owner Owner, threadID string) (*Draft, error) {
	if _, err := s.ownedThread(ctx, owner, threadID); err != nil {
		return nil, err
	}
	d, err := s.repo.GetDraftByThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Service) ListMessages(ctx context.Context, owner Owner, threadID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.ownedThread(ctx, owner, threadID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, threadID, limit, beforeID)
}

func (s *Service) ListThreads(ctx context.Context, owner Owner, limit int) ([]Thread, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if owner.UserID != nil {
		return s.repo.ListThreadsByUser(ctx, *owner.UserID, limit)
	}
	return s.repo.ListThreadsBySession(ctx, owner.SessionID, limit)
}

func (s *Service) GetJob(ctx context.Context, owner Owner, jobID string) (*GenerationJob, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	// hide existence from non-owners
	if owner.UserID != nil {
		if j.UserID == nil || *j.UserID != *owner.UserID {
			return nil, ErrJobNotFound
		}
	} else if j.UserID != nil || j.SessionID != owner.SessionID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *Service) RegisterAttachment(ctx context.Context, name, mimeType, url string) (*Attachment, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	a := &Attachment{ID: id, Name: name, MimeType: mimeType, URL: url}
	if err := s.repo.CreateAttachment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ownedThread(ctx context.Context, owner Owner, threadID string) (*Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	if !owner.owns(t) {
		return nil, ErrThreadNotFound
	}
	return t, nil
}
