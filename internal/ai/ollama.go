package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		// No global timeout; streaming runs are bounded by ctx and the
		// orchestrator's watchdog, not the transport.
		Client: &http.Client{},
	}
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaStreamResp struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func toOllamaMessages(messages []Message) []ollamaMsg {
	out := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		om := ollamaMsg{Role: m.Role}
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				om.Content += p.Text
			case PartImage:
				om.Images = append(om.Images, base64.StdEncoding.EncodeToString(p.Data))
			case PartFile:
				// Ollama has no document slot; inline as text so the
				// content is not silently dropped.
				om.Content += "\n" + string(p.Data)
			}
		}
		out = append(out, om)
	}
	return out
}

// Stream emits text deltas followed by usage and done. Ollama does not run
// tools, so requests carrying a tool set stream plain text.
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}

	model := p.Model
	if req.Model != "" {
		model = req.Model
	}

	body := ollamaChatReq{
		Model:    model,
		Stream:   true,
		Messages: toOllamaMessages(req.Messages),
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.Options = map[string]any{}
		if req.Temperature > 0 {
			body.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			body.Options["num_predict"] = req.MaxTokens
		}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		// Long JSON lines need a bigger scanner buffer.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				events <- StreamEvent{Type: EventTypeError, Error: err}
				return
			}
			if decoded.Error != "" {
				events <- StreamEvent{Type: EventTypeError, Error: errors.New(decoded.Error)}
				return
			}

			if decoded.Message.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: decoded.Message.Content}
			}

			if decoded.Done {
				reason := decoded.DoneReason
				if reason == "" {
					reason = "stop"
				}
				events <- StreamEvent{Type: EventTypeUsage, Usage: &Usage{
					PromptTokens:     decoded.PromptEvalCount,
					CompletionTokens: decoded.EvalCount,
					FinishReason:     reason,
				}}
				events <- StreamEvent{Type: EventTypeDone}
				return
			}
		}

		if err := sc.Err(); err != nil {
			events <- StreamEvent{Type: EventTypeError, Error: err}
			return
		}
		// Stream ended without a done marker.
		events <- StreamEvent{Type: EventTypeDone}
	}()

	return events, nil
}
