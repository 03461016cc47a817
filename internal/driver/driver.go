// Package driver provides abstractions for executing run nodes.
package driver

import (
	"context"
)

// Driver executes node attempts. Implementations may use subprocesses,
// Kubernetes Jobs, or other executors.
type Driver interface {
	// RunNode executes one attempt of a node and returns the exit code.
	// The driver is responsible for:
	// - Spawning the execution context (subprocess, container, etc.)
	// - Streaming stdout/stderr to the RunStore as events
	// - Parsing NDJSON from stdout for structured events and outputs
	// - Handling timeout (exit code 124) and cancellation (exit code 130)
	//
	// timeout is in seconds; 0 means no timeout. A non-zero exit code with a
	// nil error is a normal task failure; a non-nil error is an
	// infrastructure failure.
	RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error)

	// GetNodeStatus reports the driver-side runtime state of a node.
	GetNodeStatus(ctx context.Context, runID, nodeID string) (*NodeRuntime, error)

	// CancelNode stops a running node attempt. Cancelling a node that is not
	// running is a no-op.
	CancelNode(ctx context.Context, runID, nodeID string) error

	// CleanupRun releases all execution resources held for a run. Called once
	// when the run reaches a terminal status.
	CleanupRun(ctx context.Context, runID string) error
}

// NodeRuntime describes the driver-side state of a node execution.
type NodeRuntime struct {
	Running  bool `json:"running"`
	ExitCode *int `json:"exit_code,omitempty"`
}

// EventEmitter is called by drivers to publish what a node produced.
// It is passed to drivers at construction time.
type EventEmitter interface {
	// EmitEvent appends an event for a run.
	EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error

	// EmitOutputs records a node's declared outputs for downstream
	// expression evaluation.
	EmitOutputs(ctx context.Context, runID, nodeID string, outputs map[string]interface{}) error
}
