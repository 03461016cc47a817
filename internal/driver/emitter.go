package driver

import (
	"context"

	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/pkg/types"
)

// RunStoreEmitter adapts a RunStore to the EventEmitter interface.
type RunStoreEmitter struct {
	store runstore.RunStore
}

// NewRunStoreEmitter creates a new emitter backed by a RunStore.
func NewRunStoreEmitter(store runstore.RunStore) *RunStoreEmitter {
	return &RunStoreEmitter{store: store}
}

// EmitEvent appends an event to the RunStore.
func (e *RunStoreEmitter) EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error {
	if level != "" {
		data["level"] = level
	}

	input := &types.EventInput{
		Type:   types.EventType(eventType),
		NodeID: nodeID,
		Data:   data,
	}

	_, err := e.store.AppendEvent(ctx, runID, input)
	return err
}

// EmitOutputs records node outputs in the RunStore.
func (e *RunStoreEmitter) EmitOutputs(ctx context.Context, runID, nodeID string, outputs map[string]interface{}) error {
	return e.store.SetNodeOutputs(ctx, runID, nodeID, outputs)
}

var _ EventEmitter = (*RunStoreEmitter)(nil)
