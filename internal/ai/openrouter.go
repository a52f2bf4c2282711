package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

type openRouterContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openRouterChatReq struct {
	Model         string          `json:"model"`
	Messages      []openRouterMsg `json:"messages"`
	Stream        bool            `json:"stream"`
	Temperature   float64         `json:"temperature,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toOpenRouterMessages(messages []Message) []openRouterMsg {
	out := make([]openRouterMsg, 0, len(messages))
	for _, m := range messages {
		// Text-only messages stay plain strings; anything multimodal
		// becomes a content-part array.
		multimodal := false
		for _, p := range m.Parts {
			if p.Type != PartText {
				multimodal = true
				break
			}
		}
		if !multimodal {
			out = append(out, openRouterMsg{Role: m.Role, Content: m.Text()})
			continue
		}

		parts := make([]openRouterContentPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				parts = append(parts, openRouterContentPart{Type: "text", Text: p.Text})
			case PartImage:
				part := openRouterContentPart{Type: "image_url"}
				part.ImageURL = &struct {
					URL string `json:"url"`
				}{URL: dataURI(p.MimeType, p.Data)}
				parts = append(parts, part)
			case PartFile:
				// Routed models without file support still see the bytes.
				parts = append(parts, openRouterContentPart{Type: "text", Text: string(p.Data)})
			}
		}
		out = append(out, openRouterMsg{Role: m.Role, Content: parts})
	}
	return out
}

// Stream emits text deltas over SSE, then usage and done. OpenRouter routes
// tool-capable models too, but this adapter streams plain completions.
func (p *OpenRouterProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	if p.Client == nil {
		return nil, errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}

	model := p.Model
	if req.Model != "" {
		model = req.Model
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("openrouter: model is required")
	}

	reqBody := openRouterChatReq{
		Model:       model,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    toOpenRouterMessages(req.Messages),
	}
	reqBody.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("openrouter: status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		usage := Usage{FinishReason: "stop"}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			if data == "[DONE]" {
				break
			}

			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				events <- StreamEvent{Type: EventTypeError, Error: err}
				return
			}
			if decoded.Error != nil {
				events <- StreamEvent{Type: EventTypeError, Error: errors.New(decoded.Error.Message)}
				return
			}
			if len(decoded.Choices) > 0 {
				if c := decoded.Choices[0].Delta.Content; c != "" {
					events <- StreamEvent{Type: EventTypeText, Text: c}
				}
				if fr := decoded.Choices[0].FinishReason; fr != "" {
					usage.FinishReason = fr
				}
			}
			if decoded.Usage != nil {
				usage.PromptTokens = decoded.Usage.PromptTokens
				usage.CompletionTokens = decoded.Usage.CompletionTokens
			}
		}

		if err := sc.Err(); err != nil {
			events <- StreamEvent{Type: EventTypeError, Error: err}
			return
		}

		events <- StreamEvent{Type: EventTypeUsage, Usage: &usage}
		events <- StreamEvent{Type: EventTypeDone}
	}()

	return events, nil
}
