package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the orchestrator.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
//
// See Also:
//   - providers.AnthropicProvider for Anthropic Claude implementation
//   - providers.OpenAIProvider for OpenAI GPT implementation
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed after a Done or Error chunk. Implementations must stop
	// sending once ctx is canceled.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    System:    "You answer questions about the warehouse.",
//	    Messages:  []CompletionMessage{
//	        {Role: "user", Content: "How many projects shipped last month?"},
//	    },
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. It is handled separately from messages
	// in most LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines tools the LLM can request. If empty, no tool calling is
	// available.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the generated response. If 0 or negative, the
	// provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool execution requests from the assistant.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools, in call order.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk carries one of: partial text, a complete tool call, the Done
// signal with token counts, or an Error that terminates the stream.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    switch {
//	    case chunk.Error != nil:
//	        return chunk.Error
//	    case chunk.ToolCall != nil:
//	        calls = append(calls, *chunk.ToolCall)
//	    case chunk.Text != "":
//	        forward(chunk.Text)
//	    case chunk.Done:
//	        break
//	    }
//	}
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Token counts. Only populated in the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool defines the interface for executable agent tools.
//
// A tool reports problems the model can fix (bad arguments, rejected SQL)
// as a ToolResult with IsError set. A returned error means the run cannot
// continue and terminates it.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description tells the LLM when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the tool's output, sent back to the model.
	Content string `json:"content"`

	// IsError marks a recoverable failure the model should see.
	IsError bool `json:"is_error,omitempty"`

	// Kind classifies an error result.
	Kind ToolErrorType `json:"kind,omitempty"`

	// Meta carries execution details for events and logs. It is never sent
	// to the model.
	Meta *ToolMeta `json:"-"`
}

// ToolMeta describes what a query tool did.
type ToolMeta struct {
	NormalizedSQL string
	RowsReturned  int
	Truncated     bool
}
