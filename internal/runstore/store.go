// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// RunStore is the authoritative state for runs: run metadata, per-node state,
// per-node outputs, and an append-only event log with per-run sequence numbers.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]string, error)

	// UpdateRunStatus enforces legal transitions
	// (queued -> running -> succeeded|failed|cancelled, queued -> cancelled)
	// and returns ErrInvalidTransition otherwise.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error

	// CancelRun transitions a queued or running run to cancelled. Cancelling a
	// run that is already terminal is a no-op.
	CancelRun(ctx context.Context, runID string) error

	// Node state tracking. UpdateNodeState enforces the per-node automaton
	// (pending -> running -> succeeded|failed, pending -> skipped, and the
	// retry edge running -> pending) and returns ErrInvalidTransition otherwise.
	UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)
	GetNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error)

	// Node outputs for expression evaluation in control flow
	SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs map[string]interface{}) error
	GetNodeOutputs(ctx context.Context, runID, nodeID string) (map[string]interface{}, error)

	// AppendEvent assigns the next sequence number atomically, timestamps the
	// event, persists it, and delivers it to live subscribers before returning.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events with seq > afterSeq in increasing order.
	// afterSeq 0 returns all retained events.
	GetEventsSince(ctx context.Context, runID string, afterSeq int64) ([]*types.Event, error)

	// GetLastNEvents returns the most recent n events in increasing seq order.
	GetLastNEvents(ctx context.Context, runID string, n int) ([]*types.Event, error)

	// LastSeq returns the sequence number of the newest event (0 if none).
	LastSeq(ctx context.Context, runID string) (int64, error)

	// Subscribe returns a channel receiving events appended after the call.
	// The cleanup function must be called to release resources. Slow
	// subscribers are dropped: their channel is closed once their buffer
	// overflows.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// IsCancelled checks if a run has been cancelled.
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events retained per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64

	// SubscriberBuffer is the per-subscriber channel capacity before the
	// subscriber is dropped.
	SubscriberBuffer int
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen:      5000,
		TTLSeconds:       7 * 24 * 60 * 60, // 7 days
		SubscriberBuffer: 256,
	}
}

// buildEvent materializes an event from an input with an assigned sequence
// number. The event id is the decimal form of seq so it can be used directly
// as the SSE id.
func buildEvent(runID string, seq int64, input *types.EventInput) (*types.Event, error) {
	data, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		Seq:       seq,
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// validRunTransition reports whether a run may move from one status to another.
// Equal statuses are treated as a no-op refresh.
func validRunTransition(from, to types.RunStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case types.RunStatusQueued:
		return to == types.RunStatusRunning || to == types.RunStatusCancelled || to == types.RunStatusFailed
	case types.RunStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// validNodeTransition reports whether a node may move from one status to
// another. running -> pending is the retry edge.
func validNodeTransition(from, to types.NodeStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case types.NodeStatusPending:
		return to == types.NodeStatusRunning || to == types.NodeStatusSkipped
	case types.NodeStatusRunning:
		return to == types.NodeStatusSucceeded || to == types.NodeStatusFailed || to == types.NodeStatusPending
	default:
		return false
	}
}
