// Package events defines the notifications exchanged between the action runners and the
// workflow engine.
package events

import (
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every engine event.
const Topic = "orquestra.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ActionExecutionUpdatedEvent is published for every state change of an action execution.
	ActionExecutionUpdatedEvent EventType = "action.execution.updated"

	WorkflowExecutionStatusEvent EventType = "workflow.execution.status"
	TaskExecutionStatusEvent     EventType = "task.execution.status"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ActionExecutionUpdated carries the full execution, including the context it was
// requested with.
type ActionExecutionUpdated struct {
	BaseEvent

	Execution *action.Execution `json:"execution"`
}

func (a ActionExecutionUpdated) GetType() EventType {
	return ActionExecutionUpdatedEvent
}

// Key partitions the event by the workflow that owns the execution.
func (a ActionExecutionUpdated) Key() string {
	if wf := a.Execution.WorkflowContext(); wf != nil {
		return wf.WorkflowExecutionID
	}

	return a.Execution.ID
}

type WorkflowExecutionStatusChanged struct {
	BaseEvent

	WorkflowExecutionID string          `json:"workflow_execution_id"`
	ActionExecutionID   string          `json:"action_execution_id"`
	PreviousStatus      statuses.Status `json:"previous_status"`
	Status              statuses.Status `json:"status"`
}

func (w WorkflowExecutionStatusChanged) GetType() EventType {
	return WorkflowExecutionStatusEvent
}

type TaskExecutionStatusChanged struct {
	BaseEvent

	WorkflowExecutionID string          `json:"workflow_execution_id"`
	TaskExecutionID     string          `json:"task_execution_id"`
	TaskID              string          `json:"task_id"`
	Ordinal             int             `json:"ordinal"`
	Status              statuses.Status `json:"status"`
}

func (t TaskExecutionStatusChanged) GetType() EventType {
	return TaskExecutionStatusEvent
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

func NewActionExecutionUpdated(execution *action.Execution) *ActionExecutionUpdated {
	return &ActionExecutionUpdated{
		BaseEvent: NewBaseEvent(ActionExecutionUpdatedEvent),
		Execution: execution,
	}
}
