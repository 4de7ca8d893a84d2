package agent

import (
	"time"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

// eventEmitter stamps and sends events for one run. Events are sent in the
// order they are produced; the consumer must drain the channel.
type eventEmitter struct {
	runID    string
	sequence uint64
	iter     int
	out      chan<- *models.AgentEvent
	now      func() time.Time
}

func newEventEmitter(runID string, out chan<- *models.AgentEvent, now func() time.Time) *eventEmitter {
	return &eventEmitter{runID: runID, out: out, now: now}
}

func (e *eventEmitter) setIter(iter int) {
	e.iter = iter
}

func (e *eventEmitter) base(eventType models.AgentEventType) *models.AgentEvent {
	e.sequence++
	return &models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      e.now(),
		Sequence:  e.sequence,
		RunID:     e.runID,
		IterIndex: e.iter,
	}
}

func (e *eventEmitter) send(event *models.AgentEvent) {
	e.out <- event
}

func (e *eventEmitter) runStarted() {
	e.send(e.base(models.AgentEventRunStarted))
}

func (e *eventEmitter) modelDelta(delta string) {
	event := e.base(models.AgentEventModelDelta)
	event.Stream = &models.StreamEventPayload{Delta: delta}
	e.send(event)
}

func (e *eventEmitter) modelCompleted(provider, model string, inputTokens, outputTokens int) {
	event := e.base(models.AgentEventModelCompleted)
	event.Stream = &models.StreamEventPayload{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	e.send(event)
}

func (e *eventEmitter) toolStarted(call models.ToolCall) {
	event := e.base(models.AgentEventToolStarted)
	event.Tool = &models.ToolEventPayload{
		CallID:   call.ID,
		Name:     call.Name,
		ArgsJSON: call.Input,
	}
	e.send(event)
}

func (e *eventEmitter) toolFinished(rec ToolCallRecord) {
	event := e.base(models.AgentEventToolFinished)
	event.Tool = &models.ToolEventPayload{
		CallID:        rec.ID,
		Name:          rec.Name,
		Success:       rec.Success,
		Error:         rec.Error,
		NormalizedSQL: rec.NormalizedSQL,
		RowsReturned:  rec.RowsReturned,
		Truncated:     rec.Truncated,
		Elapsed:       rec.Duration,
	}
	e.send(event)
}

func (e *eventEmitter) runFinished(payload *models.FinishEventPayload) {
	event := e.base(models.AgentEventRunFinished)
	event.Finish = payload
	e.send(event)
}
