package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) TouchThread(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("id = ?", id).
		Update("updated_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
}

// ListThreadsByUser returns the user's threads, most recently updated first.
func (r *Repo) ListThreadsByUser(ctx context.Context, userID uint64, limit int) ([]Thread, error) {
	var ts []Thread
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&ts).Error
	return ts, err
}

func (r *Repo) ListThreadsBySession(ctx context.Context, sessionID string, limit int) ([]Thread, error) {
	var ts []Thread
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id IS NULL", sessionID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&ts).Error
	return ts, err
}

// ClaimThreads reassigns the anonymous session's threads to a user. The
// session_id column is retained on purpose so anonymous quota tracking
// survives a later sign-out.
func (r *Repo) ClaimThreads(ctx context.Context, sessionID string, userID uint64, ipHash string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&Thread{}).
		Where("session_id = ? AND user_id IS NULL", sessionID)
	if ipHash != "" {
		q = q.Where("ip_hash = ?", ipHash)
	}
	res := q.Update("user_id", userID)
	return res.RowsAffected, res.Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, threadID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListHistoryAsc returns the most recent window of messages oldest-first,
// ready for prompt assembly.
func (r *Repo) ListHistoryAsc(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpsertDraft creates the draft placeholder for a thread or resets an
// existing one for a new stream.
func (r *Repo) UpsertDraft(ctx context.Context, threadID, streamID string) (*Draft, error) {
	var d Draft
	err := r.db.WithContext(ctx).First(&d, "thread_id = ?", threadID).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"content":       "",
			"is_streaming":  true,
			"stream_id":     streamID,
			"token_count":   0,
			"finish_reason": "",
		}
		if err := r.db.WithContext(ctx).Model(&d).Updates(updates).Error; err != nil {
			return nil, err
		}
		d.Content = ""
		d.IsStreaming = true
		d.StreamID = streamID
		d.TokenCount = 0
		d.FinishReason = ""
		return &d, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		d = Draft{ThreadID: threadID, Role: "assistant", IsStreaming: true, StreamID: streamID}
		if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
			return nil, err
		}
		return &d, nil
	default:
		return nil, err
	}
}

func (r *Repo) GetDraftByThread(ctx context.Context, threadID string) (*Draft, error) {
	var d Draft
	if err := r.db.WithContext(ctx).First(&d, "thread_id = ?", threadID).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// PatchDraft writes the accumulated buffer for the stream that currently
// owns the draft. A resubmit resets the draft to a new stream id, so writes
// from a superseded run match no row and silently no-op; that is what keeps
// token counts non-decreasing when an old run is still draining.
func (r *Repo) PatchDraft(ctx context.Context, threadID, streamID, content string, tokenCount int) error {
	return r.db.WithContext(ctx).Model(&Draft{}).
		Where("thread_id = ? AND stream_id = ?", threadID, streamID).
		Updates(map[string]any{
			"content":     content,
			"token_count": tokenCount,
		}).Error
}

// FinalizeDraft ends streaming for the owning stream. It reports whether the
// write landed; false means the draft has since been handed to a newer stream
// and the caller's result must be discarded.
func (r *Repo) FinalizeDraft(ctx context.Context, threadID, streamID, content, finishReason string, tokenCount int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Draft{}).
		Where("thread_id = ? AND stream_id = ?", threadID, streamID).
		Updates(map[string]any{
			"content":       content,
			"is_streaming":  false,
			"token_count":   tokenCount,
			"finish_reason": finishReason,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) CreateAttachment(ctx context.Context, a *Attachment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) LinkAttachmentThread(ctx context.Context, attachmentID, threadID string) error {
	return r.db.WithContext(ctx).Model(&Attachment{}).
		Where("id = ?", attachmentID).
		Update("thread_id", threadID).Error
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *GenerationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*GenerationJob, error) {
	var j GenerationJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID *uint64, key string) (*GenerationJob, error) {
	q := r.db.WithContext(ctx).Where("idempotency_key = ?", key)
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	} else {
		q = q.Where("user_id IS NULL")
	}
	var job GenerationJob
	if err := q.First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if the idempotency key
// already exists for this owner it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *GenerationJob) (*GenerationJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) InsertUsage(ctx context.Context, u *UsageRecord) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// AutoMigrate creates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Thread{}, &Message{}, &Draft{}, &Attachment{}, &GenerationJob{}, &UsageRecord{},
	)
}
