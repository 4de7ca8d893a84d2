package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/agent/toolconv"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// maxEmptyStreamEvents is the number of consecutive events without
	// output after which a stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicProvider implements agent.LLMProvider for the Claude Messages API.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use. Each Complete() call creates
// an independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	base         BaseProvider
	defaultModel string
}

// AnthropicConfig holds configuration for NewAnthropicProvider. Only APIKey
// is required.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides https://api.anthropic.com/.
	BaseURL string

	// MaxRetries sets retry attempts for transient failures. Default: 3
	MaxRetries int

	// RetryDelay is the first backoff delay; it doubles per attempt. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when the request names no model.
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}

	// Retries are handled by BaseProvider so they share one policy.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the Claude models known to work with tool use.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools returns true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams a completion. Request conversion errors are returned
// directly; API and stream errors arrive as an Error chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, IsRetryable, func() error {
			s := p.client.Messages.NewStreaming(ctx, params)
			// The request is sent synchronously; a failed response is
			// reported before the first event.
			if err := s.Err(); err != nil {
				return p.wrapError(err, model)
			}
			stream = s
			return nil
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
			return
		}
		defer stream.Close()

		p.processStream(ctx, stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream converts Messages API events into chunks. Tool calls are
// emitted whole, after their content block closes.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		var out *agent.CompletionChunk
		processed := false

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out = &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				out = &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}
			processed = true

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outputTokens = int(n)
			}
			processed = true

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return
		}

		if out != nil {
			if !send(ctx, chunks, out) {
				return
			}
			processed = true
		}

		if processed {
			emptyEventCount = 0
			continue
		}
		emptyEventCount++
		if emptyEventCount >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model),
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	// Stream ended without message_stop.
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertMessages maps the conversation onto Anthropic's alternating
// user/assistant turns. Tool results travel in user turns; consecutive user
// turns are merged into one.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if len(toolCall.Input) > 0 {
				if err := json.Unmarshal(toolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
			continue
		}
		if n := len(result); n > 0 && result[n-1].Role == anthropic.MessageParamRoleUser {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, anthropic.NewUserMessage(content...))
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			requestID = payload.RequestID
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr.WithRequestID(requestID)
	}
	return providerErr
}
