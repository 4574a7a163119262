package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/runengine/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append appends an event with the given payload marshalled as JSON.
// The sequence is assigned by the store and is contiguous per run.
func (el *EventLog) Append(ctx context.Context, runID, step, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = data
	}
	e := &Event{RunID: runID, Step: step, Type: eventType, Payload: raw}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// Replay rebuilds step states from the run's events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.Step == "" {
			continue
		}
		ss, ok := states[e.Step]
		if !ok {
			ss = &StepState{Step: e.Step, Status: schema.StepStatusPending}
			states[e.Step] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts
			ss.CompletedAt = nil

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			ss.RetryCount++

		case schema.EventStepRewound:
			ss.Status = schema.StepStatusPending
			ss.RetryCount = 0
			ss.Error = nil
			ss.StartedAt = nil
			ss.CompletedAt = nil
		}
	}
	return states, nil
}
