// Package engine ties plan validation, run storage, and scheduling together
// behind a single façade.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/internal/scheduler"
	"github.com/flexinfer/flowrun/internal/validator"
	"github.com/flexinfer/flowrun/pkg/types"
)

// ValidationFailedError carries the individual validation errors for a
// rejected plan.
type ValidationFailedError struct {
	Errors []validator.ValidationError
}

func (e *ValidationFailedError) Error() string {
	if len(e.Errors) == 0 {
		return "plan validation failed"
	}
	return fmt.Sprintf("plan validation failed: %s (%s)", e.Errors[0].Message, e.Errors[0].Path)
}

// Engine is the run lifecycle façade used by the API layer.
type Engine struct {
	store     runstore.RunStore
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	logger    *slog.Logger
}

// New creates an engine.
func New(store runstore.RunStore, sched *scheduler.Scheduler, v *validator.Validator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		scheduler: sched,
		validator: v,
		logger:    logger,
	}
}

// Submit validates the plan, creates the run, and enqueues it. The run stays
// queued until Start is called.
func (e *Engine) Submit(ctx context.Context, name string, plan *types.Plan) (string, error) {
	if result := e.validator.ValidatePlan(plan); !result.Valid {
		return "", &ValidationFailedError{Errors: result.Errors}
	}

	runID, err := e.store.CreateRun(ctx, name, plan)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := e.scheduler.EnqueueRun(ctx, runID, name, plan); err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}

	e.logger.Info("run submitted",
		slog.String("run_id", runID),
		slog.String("name", name),
		slog.Int("nodes", len(plan.Nodes)))

	return runID, nil
}

// Start begins executing a queued run.
func (e *Engine) Start(ctx context.Context, runID string) error {
	return e.scheduler.StartRun(ctx, runID)
}

// SubmitAndStart is Submit followed immediately by Start.
func (e *Engine) SubmitAndStart(ctx context.Context, name string, plan *types.Plan) (string, error) {
	runID, err := e.Submit(ctx, name, plan)
	if err != nil {
		return "", err
	}
	if err := e.Start(ctx, runID); err != nil {
		return runID, err
	}
	return runID, nil
}

// Cancel cancels a queued or running run. Idempotent.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	return e.scheduler.CancelRun(ctx, runID)
}

// Status returns the full run including node states.
func (e *Engine) Status(ctx context.Context, runID string) (*types.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Done exposes the scheduler's completion channel for a run (nil if the run
// is not currently tracked).
func (e *Engine) Done(runID string) <-chan struct{} {
	return e.scheduler.Done(runID)
}
