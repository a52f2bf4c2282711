package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// maxToolRounds bounds the multi-step tool loop so a misbehaving model
// cannot spin forever.
const maxToolRounds = 8

type OpenAIProvider struct {
	client openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Stream runs the generation, executing tool calls through req.Executor and
// re-submitting results until the model finishes without tool calls.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 && req.Executor != nil {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				log.Printf("[openai] bad tool schema for %s: %v", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	events := make(chan StreamEvent, 100)
	go p.run(ctx, params, req.Executor, events)
	return events, nil
}

func (p *OpenAIProvider) run(ctx context.Context, params openai.ChatCompletionNewParams, executor ToolExecutor, events chan<- StreamEvent) {
	defer close(events)

	var total Usage

	for round := 0; round < maxToolRounds; round++ {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: chunk.Choices[0].Delta.Content}
			}
		}
		if err := stream.Err(); err != nil {
			events <- StreamEvent{Type: EventTypeError, Error: err}
			return
		}

		total.PromptTokens += int(acc.Usage.PromptTokens)
		total.CompletionTokens += int(acc.Usage.CompletionTokens)

		if len(acc.Choices) == 0 {
			events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("openai: empty completion")}
			return
		}
		choice := acc.Choices[0]

		if len(choice.Message.ToolCalls) == 0 || executor == nil {
			total.FinishReason = choice.FinishReason
			events <- StreamEvent{Type: EventTypeUsage, Usage: &total}
			events <- StreamEvent{Type: EventTypeDone}
			return
		}

		// Tool round: echo the assistant turn, run each call, feed the
		// results back in and go again.
		params.Messages = append(params.Messages, choice.Message.ToParam())
		for _, tc := range choice.Message.ToolCalls {
			call := &ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			}
			events <- StreamEvent{Type: EventTypeToolCall, ToolCall: call}

			result, err := executor.Execute(ctx, call)
			if err != nil {
				// Keep whatever resources the failed call already acquired;
				// their ids must still reach the run's cleanup pool.
				result.Content = "tool error: " + err.Error()
			}
			result.ToolCallID = tc.ID
			events <- StreamEvent{Type: EventTypeToolResult, ToolResult: &result}

			params.Messages = append(params.Messages, openai.ToolMessage(result.Content, tc.ID))
		}
	}

	events <- StreamEvent{Type: EventTypeError, Error: fmt.Errorf("openai: tool loop exceeded %d rounds", maxToolRounds)}
}

func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Text()))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Text()))
		default:
			out = append(out, openai.UserMessage(buildUserParts(msg)))
		}
	}
	return out
}

func buildUserParts(msg Message) []openai.ChatCompletionContentPartUnionParam {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, openai.TextContentPart(p.Text))
		case PartImage:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURI(p.MimeType, p.Data),
			}))
		case PartFile:
			parts = append(parts, openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
				FileData: openai.String(dataURI(p.MimeType, p.Data)),
			}))
		}
	}
	return parts
}

func dataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
