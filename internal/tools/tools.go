package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/browser"
)

const maxFetchBytes = 1 << 20 // 1MB of page text is plenty for a prompt

// Definitions lists the built-in tools offered to providers when a job
// enables tool use.
func Definitions() []ai.ToolDefinition {
	return []ai.ToolDefinition{
		{
			Name:        "fetch_url",
			Description: "Fetch a web page and return its raw text content.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "Absolute http(s) URL to fetch"}
				},
				"required": ["url"]
			}`),
		},
		{
			Name:        "current_time",
			Description: "Return the current UTC date and time.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

// Executor runs the built-in tools. Page fetches go through a browser
// session so pages behind client-side rendering still resolve; the session
// id is reported back so the caller can tear it down when the run ends.
type Executor struct {
	client   *http.Client
	launcher browser.Launcher
}

func NewExecutor(launcher browser.Launcher) *Executor {
	return &Executor{
		client:   &http.Client{Timeout: 20 * time.Second},
		launcher: launcher,
	}
}

func (e *Executor) Execute(ctx context.Context, call *ai.ToolCall) (ai.ToolResult, error) {
	switch call.Name {
	case "fetch_url":
		return e.fetchURL(ctx, call)
	case "current_time":
		return ai.ToolResult{
			ToolCallID: call.ID,
			Content:    time.Now().UTC().Format(time.RFC3339),
		}, nil
	default:
		return ai.ToolResult{}, fmt.Errorf("tools: unknown tool %q", call.Name)
	}
}

func (e *Executor) fetchURL(ctx context.Context, call *ai.ToolCall) (ai.ToolResult, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return ai.ToolResult{}, fmt.Errorf("tools: fetch_url arguments: %w", err)
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return ai.ToolResult{}, fmt.Errorf("tools: fetch_url needs an absolute http(s) url")
	}

	result := ai.ToolResult{ToolCallID: call.ID}

	if e.launcher != nil {
		if sessionID, err := e.launcher.Create(ctx); err != nil {
			log.Printf("[tools] browser session create failed, falling back to plain fetch: %v", err)
		} else if sessionID != "" {
			result.ResourceIDs = append(result.ResourceIDs, sessionID)
		}
	}

	// From here on the result carries the session id even when the fetch
	// fails, so the caller can still tear the session down.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return result, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("tools: fetch %s: %w", args.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("tools: fetch %s: status %d", args.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return result, err
	}
	result.Content = string(body)
	return result, nil
}
