package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

func feed(events ...*models.AgentEvent) <-chan *models.AgentEvent {
	ch := make(chan *models.AgentEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func delta(text string) *models.AgentEvent {
	return &models.AgentEvent{Type: models.AgentEventModelDelta, RunID: "run-1", Stream: &models.StreamEventPayload{Delta: text}}
}

func finished(reason models.TerminationReason, errMsg string) *models.AgentEvent {
	return &models.AgentEvent{Type: models.AgentEventRunFinished, RunID: "run-1", Finish: &models.FinishEventPayload{Reason: reason, Error: errMsg}}
}

func decodeChunks(t *testing.T, body string) []Chunk {
	t.Helper()
	var chunks []Chunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		var c Chunk
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("invalid chunk %q: %v", scanner.Text(), err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func TestEmitAccumulatesContent(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec)

	err := e.Emit(context.Background(), feed(
		&models.AgentEvent{Type: models.AgentEventRunStarted, RunID: "run-1"},
		delta("There are "),
		delta("12 projects."),
		&models.AgentEvent{Type: models.AgentEventModelCompleted, RunID: "run-1", Stream: &models.StreamEventPayload{}},
		finished(models.TerminationCompleted, ""),
	))
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	chunks := decodeChunks(t, rec.Body.String())
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %s", len(chunks), rec.Body.String())
	}
	if chunks[0].AssistantMessage.Content != "There are " || chunks[0].Done {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[1].AssistantMessage.Content != "There are 12 projects." {
		t.Errorf("chunk 1 content = %q", chunks[1].AssistantMessage.Content)
	}
	last := chunks[2]
	if !last.Done || last.TerminationReason != models.TerminationCompleted || last.Error != "" {
		t.Errorf("final chunk = %+v", last)
	}
	if last.AssistantMessage.Content != "There are 12 projects." || last.RunID != "run-1" {
		t.Errorf("final chunk = %+v", last)
	}
	if !rec.Flushed {
		t.Error("response was not flushed")
	}
	if e.Reason() != models.TerminationCompleted || e.Chunks() != 3 {
		t.Errorf("Reason() = %s, Chunks() = %d", e.Reason(), e.Chunks())
	}
}

func TestEmitToolCallChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewEmitter(rec).Emit(context.Background(), feed(
		&models.AgentEvent{Type: models.AgentEventToolStarted, Tool: &models.ToolEventPayload{CallID: "c1", Name: "execute_sql"}},
		&models.AgentEvent{Type: models.AgentEventToolFinished, Tool: &models.ToolEventPayload{
			CallID:        "c1",
			Name:          "execute_sql",
			Success:       true,
			NormalizedSQL: "SELECT 1 FROM t WHERE org_id = 'o' LIMIT 1",
			RowsReturned:  1,
			Elapsed:       25 * time.Millisecond,
		}},
		delta("One row."),
		finished(models.TerminationMaxToolCalls, ""),
	))
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	chunks := decodeChunks(t, rec.Body.String())
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	started, done := chunks[0].ToolCall, chunks[1].ToolCall
	if started == nil || started.Status != ToolCallStarted || started.ID != "c1" {
		t.Errorf("started = %+v", started)
	}
	if done == nil || done.Status != ToolCallFinished || !done.Success || done.RowsReturned != 1 || done.DurationMS != 25 {
		t.Errorf("finished = %+v", done)
	}
	if chunks[2].ToolCall != nil {
		t.Errorf("text chunk carries tool call: %+v", chunks[2])
	}
	last := chunks[3]
	if !last.Done || last.TerminationReason != models.TerminationMaxToolCalls || last.Error != "" {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestEmitFatalReasonCarriesError(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec)
	if err := e.Emit(context.Background(), feed(delta("partial"), finished(models.TerminationTimeout, "the request timed out"))); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	chunks := decodeChunks(t, rec.Body.String())
	last := chunks[len(chunks)-1]
	if last.TerminationReason != models.TerminationTimeout || last.Error != "the request timed out" {
		t.Errorf("final chunk = %+v", last)
	}
	if last.AssistantMessage.Content != "partial" {
		t.Errorf("partial content lost: %q", last.AssistantMessage.Content)
	}
}

func TestEmitWithoutTerminalEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec)
	if err := e.Emit(context.Background(), feed(delta("half"))); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	chunks := decodeChunks(t, rec.Body.String())
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	last := chunks[1]
	if !last.Done || last.TerminationReason != models.TerminationAborted || last.Error == "" {
		t.Errorf("final chunk = %+v", last)
	}
	if e.Reason() != models.TerminationAborted {
		t.Errorf("Reason() = %s", e.Reason())
	}
}

func TestEmitIgnoresEventsAfterFinish(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewEmitter(rec).Emit(context.Background(), feed(
		finished(models.TerminationCompleted, ""),
		delta("late"),
		finished(models.TerminationTimeout, "x"),
	))
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	chunks := decodeChunks(t, rec.Body.String())
	if len(chunks) != 1 || chunks[0].TerminationReason != models.TerminationCompleted {
		t.Fatalf("chunks = %+v", chunks)
	}
}

type failingWriter struct {
	writes int
	failAt int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes >= w.failAt {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestEmitDrainsAfterWriteError(t *testing.T) {
	events := make(chan *models.AgentEvent)
	go func() {
		defer close(events)
		for i := 0; i < 10; i++ {
			events <- delta("x")
		}
		events <- finished(models.TerminationCompleted, "")
	}()

	w := &failingWriter{failAt: 2}
	e := NewEmitter(w)
	err := e.Emit(context.Background(), events)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("Emit() error = %v, want broken pipe", err)
	}
	if w.writes != 2 {
		t.Errorf("writes = %d, want no writes after the failure", w.writes)
	}
	if e.Reason() != models.TerminationCompleted {
		t.Errorf("Reason() = %s, want completed", e.Reason())
	}
}

func TestEmitStopsWritingWhenClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	err := NewEmitter(rec).Emit(ctx, feed(delta("a"), finished(models.TerminationAborted, "the request was canceled")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Emit() error = %v, want context.Canceled", err)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("wrote %q after the client left", rec.Body.String())
	}
}

func TestSetStreamHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetStreamHeaders(rec)

	want := map[string]string{
		"Content-Type":      "application/x-ndjson",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
