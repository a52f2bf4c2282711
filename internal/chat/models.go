package chat

import (
	"encoding/json"
	"time"

	"github.com/chatforge/chatforge/internal/ai"
)

type Thread struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID    *uint64   `gorm:"index:idx_threads_owner_updated,priority:1" json:"-"`
	SessionID string    `gorm:"size:26;index:idx_threads_session_ip,priority:1" json:"-"`
	IPHash    string    `gorm:"size:64;index:idx_threads_session_ip,priority:2" json:"-"`
	Title     string    `gorm:"size:255" json:"title"`
	ModelID   string    `gorm:"size:64" json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_threads_owner_updated,priority:2" json:"updated_at"`
}

func (Thread) TableName() string { return "chat_threads" }

// Message is immutable once persisted. Content is the JSON-encoded part
// list of the tagged union resolved at ingestion.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID  string    `gorm:"size:26;not null;index" json:"thread_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	ModelID   string    `gorm:"size:64" json:"model_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

func NewMessage(threadID, modelID string, m ai.Message) (*Message, error) {
	b, err := json.Marshal(m.Parts)
	if err != nil {
		return nil, err
	}
	return &Message{ThreadID: threadID, Role: m.Role, Content: string(b), ModelID: modelID}, nil
}

// Prompt converts the stored row back into prompt form.
func (m *Message) Prompt() (ai.Message, error) {
	var parts []ai.Part
	if err := json.Unmarshal([]byte(m.Content), &parts); err != nil {
		return ai.Message{}, err
	}
	return ai.Message{Role: m.Role, Parts: parts}, nil
}

// Draft is the mutable placeholder patched during generation. One per
// thread; only the orchestrator instance owning the stream writes it.
type Draft struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID     string    `gorm:"size:26;uniqueIndex;not null" json:"thread_id"`
	Role         string    `gorm:"size:16;not null" json:"role"`
	Content      string    `gorm:"type:text" json:"content"`
	IsStreaming  bool      `json:"is_streaming"`
	StreamID     string    `gorm:"size:36" json:"stream_id,omitempty"`
	TokenCount   int       `json:"token_count"`
	FinishReason string    `gorm:"size:32" json:"finish_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Draft) TableName() string { return "draft_messages" }

type Attachment struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	ThreadID  *string   `gorm:"size:26;index" json:"thread_id,omitempty"`
	Name      string    `gorm:"size:255" json:"name"`
	MimeType  string    `gorm:"size:128" json:"mime_type"`
	URL       string    `gorm:"type:text" json:"url"` // http(s) URL or data URI
	CreatedAt time.Time `json:"created_at"`
}

func (Attachment) TableName() string { return "chat_attachments" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// GenerationJob carries one background generation from the API to the
// worker. It holds the fresh request payload; history comes from the
// reconciler on the worker side.
type GenerationJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID

	ThreadID  string  `gorm:"size:26;index;not null"`
	SessionID string  `gorm:"size:26;index"`
	UserID    *uint64 `gorm:"index:uniq_job_idempo,unique,priority:1"`

	ModelID     string  `gorm:"size:64;not null"`
	StreamID    string  `gorm:"size:36;not null"`
	Temperature float64
	MaxTokens   int
	EnableTools bool

	// JSON-encoded fresh messages and attachment ids from the request.
	Messages      string `gorm:"type:text"`
	AttachmentIDs string `gorm:"type:text"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (GenerationJob) TableName() string { return "generation_jobs" }

type UsageRecord struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	ThreadID         string    `gorm:"size:26;index;not null"`
	SessionID        string    `gorm:"size:26;index"`
	UserID           *uint64   `gorm:"index"`
	ModelID          string    `gorm:"size:64;not null"`
	PromptTokens     int       `gorm:"not null"`
	CompletionTokens int       `gorm:"not null"`
	CostMicrocents   int64     `gorm:"not null"`
	CreatedAt        time.Time
}

func (UsageRecord) TableName() string { return "usage_records" }
