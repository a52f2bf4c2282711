package ai

import (
	"context"
	"encoding/json"
	"strings"
)

// PartType discriminates message content parts. Content shape is resolved
// once at ingestion; everything downstream switches on Type exhaustively.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// Empty reports whether the part carries no usable content.
func (p Part) Empty() bool {
	switch p.Type {
	case PartText:
		return strings.TrimSpace(p.Text) == ""
	case PartImage, PartFile:
		return len(p.Data) == 0
	}
	return true
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text concatenates the text parts. Binary parts are skipped.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasContent reports whether any part is non-empty. Some providers reject
// messages with empty part lists outright, so callers filter on this.
func (m Message) HasContent() bool {
	for _, p := range m.Parts {
		if !p.Empty() {
			return true
		}
	}
	return false
}

type StreamEventType string

const (
	EventTypeText       StreamEventType = "text"
	EventTypeToolCall   StreamEventType = "tool_call"
	EventTypeToolResult StreamEventType = "tool_result"
	EventTypeUsage      StreamEventType = "usage"
	EventTypeError      StreamEventType = "error"
	EventTypeDone       StreamEventType = "done"
)

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	// ResourceIDs names external side-effect resources (e.g. automation
	// sessions) opened while the tool ran; the orchestrator tears them down.
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason,omitempty"`
}

type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Error      error           `json:"-"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolExecutor runs a tool call on behalf of a provider's multi-step loop.
type ToolExecutor interface {
	Execute(ctx context.Context, call *ToolCall) (ToolResult, error)
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
	Executor    ToolExecutor
}

// Provider streams generation as typed events. The returned channel is
// closed after a terminal event (done or error) has been sent. Providers
// that support tools run the tool loop themselves, interleaving tool_call
// and tool_result events into the stream.
type Provider interface {
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}
