// Package stream turns orchestrator events into the newline-delimited JSON
// chunks sent to HTTP callers.
//
// Every chunk carries the assistant text accumulated so far, so a client can
// render the latest chunk without keeping state. The last chunk has done set
// and names the termination reason.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

// ContentType is the media type of the response stream.
const ContentType = "application/x-ndjson"

// Chunk is one line of the response stream.
type Chunk struct {
	AssistantMessage  AssistantMessage         `json:"assistantMessage"`
	Done              bool                     `json:"done"`
	TerminationReason models.TerminationReason `json:"terminationReason,omitempty"`
	Error             string                   `json:"error,omitempty"`
	ToolCall          *ToolCall                `json:"toolCall,omitempty"`
	RunID             string                   `json:"runId,omitempty"`
}

// AssistantMessage holds the accumulated assistant text.
type AssistantMessage struct {
	Content string `json:"content"`
}

// ToolCall describes a tool invocation in progress or just finished.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Success       bool   `json:"success,omitempty"`
	Error         string `json:"error,omitempty"`
	NormalizedSQL string `json:"normalizedSql,omitempty"`
	RowsReturned  int    `json:"rowsReturned,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
	DurationMS    int64  `json:"durationMs,omitempty"`
}

// Tool call statuses.
const (
	ToolCallStarted  = "started"
	ToolCallFinished = "finished"
)

// errIncompleteRun is reported when the event channel closes without a
// run.finished event.
const errIncompleteRun = "the response ended before the run finished"

// SetStreamHeaders prepares w for a chunked NDJSON response. It must be
// called before the first write.
func SetStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Emitter writes chunks to a response. An Emitter serves a single run.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher
	enc     *json.Encoder

	runID    string
	content  string
	reason   models.TerminationReason
	finished bool
	chunks   int
	writeErr error
}

// NewEmitter creates an emitter writing to w. Chunks are flushed after each
// write when w implements http.Flusher.
func NewEmitter(w io.Writer) *Emitter {
	e := &Emitter{w: w, enc: json.NewEncoder(w)}
	e.enc.SetEscapeHTML(false)
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Emit consumes events until the channel closes, writing one chunk per text
// delta and tool lifecycle event and a final chunk with the termination
// reason. The channel is always drained, even after a write fails or ctx is
// done, so the producer never blocks. The first write error is returned.
func (e *Emitter) Emit(ctx context.Context, events <-chan *models.AgentEvent) error {
	for ev := range events {
		if ev == nil || e.finished {
			continue
		}
		if ctx.Err() != nil && e.writeErr == nil {
			e.writeErr = fmt.Errorf("client gone: %w", ctx.Err())
		}
		if e.runID == "" {
			e.runID = ev.RunID
		}
		e.handle(ev)
	}

	if !e.finished {
		e.finished = true
		e.reason = models.TerminationAborted
		e.write(Chunk{
			Done:              true,
			TerminationReason: models.TerminationAborted,
			Error:             errIncompleteRun,
		})
	}
	return e.writeErr
}

// Reason returns the termination reason of the emitted run. It is empty
// until Emit returns.
func (e *Emitter) Reason() models.TerminationReason {
	return e.reason
}

// Chunks returns the number of chunks written successfully.
func (e *Emitter) Chunks() int {
	return e.chunks
}

func (e *Emitter) handle(ev *models.AgentEvent) {
	switch ev.Type {
	case models.AgentEventModelDelta:
		if ev.Stream == nil || ev.Stream.Delta == "" {
			return
		}
		e.content += ev.Stream.Delta
		e.write(Chunk{})

	case models.AgentEventToolStarted:
		if ev.Tool == nil {
			return
		}
		e.write(Chunk{ToolCall: &ToolCall{
			ID:     ev.Tool.CallID,
			Name:   ev.Tool.Name,
			Status: ToolCallStarted,
		}})

	case models.AgentEventToolFinished:
		if ev.Tool == nil {
			return
		}
		e.write(Chunk{ToolCall: &ToolCall{
			ID:            ev.Tool.CallID,
			Name:          ev.Tool.Name,
			Status:        ToolCallFinished,
			Success:       ev.Tool.Success,
			Error:         ev.Tool.Error,
			NormalizedSQL: ev.Tool.NormalizedSQL,
			RowsReturned:  ev.Tool.RowsReturned,
			Truncated:     ev.Tool.Truncated,
			DurationMS:    ev.Tool.Elapsed.Milliseconds(),
		}})

	case models.AgentEventRunFinished:
		e.finished = true
		final := Chunk{Done: true, TerminationReason: models.TerminationAborted}
		if ev.Finish != nil {
			final.TerminationReason = ev.Finish.Reason
			if e.content == "" {
				e.content = ev.Finish.AssistantText
			}
			if final.TerminationReason.Fatal() {
				final.Error = ev.Finish.Error
			}
		}
		if final.TerminationReason.Fatal() && final.Error == "" {
			final.Error = errIncompleteRun
		}
		e.reason = final.TerminationReason
		e.write(final)
	}
}

// write fills the shared fields, encodes, and flushes a chunk. After the
// first failure nothing more is written.
func (e *Emitter) write(c Chunk) {
	if e.writeErr != nil {
		return
	}
	c.AssistantMessage.Content = e.content
	c.RunID = e.runID
	if err := e.enc.Encode(c); err != nil {
		e.writeErr = fmt.Errorf("write chunk: %w", err)
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	e.chunks++
}
