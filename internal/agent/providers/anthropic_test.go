package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

type sqlTool struct{}

func (sqlTool) Name() string        { return "execute_sql" }
func (sqlTool) Description() string { return "Run a read-only SQL query" }
func (sqlTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"sql":{"type":"string"}},"required":["sql"]}`)
}
func (sqlTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

func drain(t *testing.T, ch <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("timed out draining chunks")
		}
	}
}

func writeSSE(w http.ResponseWriter, lines []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestAnthropicStreamsTextAndToolCalls(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		writeSSE(w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check."}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"execute_sql","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"sql\":"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"SELECT 1\"}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":1}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":21}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL, DefaultModel: "claude-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:   "You answer warehouse questions.",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "how many?"}},
		Tools:    []agent.Tool{sqlTool{}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	chunks := drain(t, ch)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Text != "Let me check." {
		t.Errorf("text = %q", chunks[0].Text)
	}
	call := chunks[1].ToolCall
	if call == nil || call.ID != "toolu_1" || call.Name != "execute_sql" || string(call.Input) != `{"sql":"SELECT 1"}` {
		t.Errorf("tool call = %+v", call)
	}
	done := chunks[2]
	if !done.Done || done.InputTokens != 12 || done.OutputTokens != 21 {
		t.Errorf("done = %+v", done)
	}

	if body["model"] != "claude-test" {
		t.Errorf("model = %v", body["model"])
	}
	if body["max_tokens"] != float64(4096) {
		t.Errorf("max_tokens = %v", body["max_tokens"])
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestAnthropicErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		attempts int32
		reason   ErrorReason
	}{
		{
			name:     "invalid request is not retried",
			status:   http.StatusBadRequest,
			body:     `{"type":"error","error":{"type":"invalid_request_error","message":"messages: field required"}}`,
			attempts: 1,
			reason:   ReasonInvalidRequest,
		},
		{
			name:     "server error is retried",
			status:   http.StatusInternalServerError,
			body:     `{"type":"error","error":{"type":"api_error","message":"boom"}}`,
			attempts: 2,
			reason:   ReasonServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			provider, err := NewAnthropicProvider(AnthropicConfig{
				APIKey:     "test-key",
				BaseURL:    server.URL,
				MaxRetries: 1,
				RetryDelay: time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewAnthropicProvider: %v", err)
			}
			ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
				Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
			})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			chunks := drain(t, ch)
			if len(chunks) != 1 || chunks[0].Error == nil {
				t.Fatalf("chunks = %+v", chunks)
			}
			perr, ok := GetProviderError(chunks[0].Error)
			if !ok {
				t.Fatalf("error %v is not a ProviderError", chunks[0].Error)
			}
			if perr.Reason != tt.reason || perr.Status != tt.status {
				t.Errorf("provider error = %+v", perr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestAnthropicConvertMessagesMergesUserTurns(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := provider.convertMessages([]agent.CompletionMessage{
		{Role: "system", Content: "dropped"},
		{Role: "user", Content: "how many?"},
		{Role: "assistant", Content: "checking", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "execute_sql", Input: json.RawMessage(`{"sql":"SELECT 1"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "LIMIT clause is required", IsError: true}}},
		{Role: "user", Content: "answer now"},
	})
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	roles := []anthropic.MessageParamRole{msgs[0].Role, msgs[1].Role, msgs[2].Role}
	want := []anthropic.MessageParamRole{anthropic.MessageParamRoleUser, anthropic.MessageParamRoleAssistant, anthropic.MessageParamRoleUser}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
	if len(msgs[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want text and tool_use", len(msgs[1].Content))
	}
	if len(msgs[2].Content) != 2 {
		t.Errorf("merged user blocks = %d, want tool_result and text", len(msgs[2].Content))
	}

	_, err = provider.convertMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "x", Input: json.RawMessage(`{bad`)}}},
	})
	if err == nil {
		t.Error("expected error for invalid tool input")
	}
}

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", MaxRetries: -1})
	if err != nil {
		t.Fatal(err)
	}
	if p.base.maxRetries != 3 || p.defaultModel != defaultAnthropicModel {
		t.Errorf("defaults not applied: %+v", p.base)
	}
	if p.Name() != "anthropic" || !p.SupportsTools() || len(p.Models()) == 0 {
		t.Error("unexpected provider metadata")
	}
}
