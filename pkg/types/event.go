package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeHello      EventType = "hello"
	EventTypeRunStatus  EventType = "run_status"
	EventTypeNodeStatus EventType = "node_status"
	EventTypeLog        EventType = "log"
	EventTypeCheckpoint EventType = "checkpoint"
	EventTypeProgress   EventType = "progress"
	EventTypeStreamData EventType = "stream_data"
	EventTypeError      EventType = "error"
	EventTypeStreamEnd  EventType = "stream_end"

	// Control flow events
	EventTypeConditionEvaluated EventType = "condition_evaluated"
	EventTypeBranchSelected     EventType = "branch_selected"
	EventTypeBranchSkipped      EventType = "branch_skipped"
	EventTypeLoopStarted        EventType = "loop_started"
	EventTypeLoopIteration      EventType = "loop_iteration"
	EventTypeLoopComplete       EventType = "loop_complete"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event is a single entry in a run's append-only event log.
// Seq is assigned by the store and strictly increases per run, starting at 1.
// ID is the decimal string form of Seq and doubles as the SSE event id.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	NodeID string      `json:"node_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// LogEvent represents the data payload for log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// CheckpointEvent represents the data payload for checkpoint events.
type CheckpointEvent struct {
	Label       string                 `json:"label"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ProgressEvent represents the data payload for progress events.
type ProgressEvent struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent represents the data payload for error events.
type ErrorEvent struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// ToSSE formats the event for the Server-Sent Events protocol.
// Format: id: <seq>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// ParseNDJSON attempts to parse a line of NDJSON from a task's stdout.
// Returns an event input with the type taken from the "type" field, defaulting
// to "log".
func ParseNDJSON(line []byte) (*EventInput, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	eventType := EventTypeLog
	if t, ok := raw["type"].(string); ok {
		eventType = EventType(t)
	}

	return &EventInput{
		Type: eventType,
		Data: raw,
	}, nil
}
