// Package events provides the structured event sink for engine observability.
//
// Every delegation and every lifecycle transition emits one Event. Emitters
// never block engine progress: publish failures are logged and dropped.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/logging"
)

// Event types emitted by the engine.
const (
	TypeWorkflowCreated   = "workflow_created"
	TypeWorkflowPhase     = "workflow_phase"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowFailed    = "workflow_failed"
	TypeSpecMoved         = "spec_moved"
	TypeBatchStarted      = "batch_started"
	TypeBatchCompleted    = "batch_completed"
	TypeDelegation        = "delegation"
)

// Event is a structured observability event.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New constructs an Event with a fresh ID and timestamp.
func New(eventType, workflowID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
}

// Emitter delivers events to an external observability sink.
type Emitter interface {
	// Emit delivers one event. Implementations must not block engine
	// progress; delivery failures are logged and dropped.
	Emit(ctx context.Context, event Event)

	// Close releases sink resources.
	Close() error
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}
func (NopEmitter) Close() error                { return nil }

// LogEmitter writes events to the structured log. Used when no external
// sink is configured.
type LogEmitter struct {
	logger *logging.Logger
}

// NewLogEmitter creates an emitter backed by the structured log.
func NewLogEmitter(logger *logging.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.Named("events")}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) {
	e.logger.Info(ctx, "event", eventFields(event)...)
}

func (e *LogEmitter) Close() error { return nil }

// eventFields flattens an event into log fields.
func eventFields(event Event) []zap.Field {
	return []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("workflow_id", event.WorkflowID),
		zap.Time("event_ts", event.Timestamp),
		zap.Any("payload", event.Payload),
	}
}

// SimpleEmitter records events in memory. For tests.
type SimpleEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewSimpleEmitter creates an in-memory emitter.
func NewSimpleEmitter() *SimpleEmitter {
	return &SimpleEmitter{}
}

func (e *SimpleEmitter) Emit(_ context.Context, event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *SimpleEmitter) Close() error { return nil }

// Events returns a copy of all recorded events.
func (e *SimpleEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// ByType returns recorded events of the given type.
func (e *SimpleEmitter) ByType(eventType string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
