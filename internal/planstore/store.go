// Package planstore provides persistence for named execution plans.
package planstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

// Common errors returned by PlanStore implementations.
var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanExists   = errors.New("plan already exists")
)

// StoredPlan is a saved, reusable execution plan.
type StoredPlan struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Plan        *types.Plan    `json:"plan"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// CreatePlanRequest is the input for saving a new plan.
type CreatePlanRequest struct {
	ID          string         `json:"id,omitempty"` // Auto-generated if empty
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Plan        *types.Plan    `json:"plan"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

// UpdatePlanRequest is the input for updating an existing plan.
type UpdatePlanRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Version     *string        `json:"version,omitempty"`
	Plan        *types.Plan    `json:"plan,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string
}

// PlanStore defines the interface for plan persistence.
// Implementations must be safe for concurrent use.
type PlanStore interface {
	// Create saves a new plan. Returns ErrPlanExists if the ID is taken.
	Create(ctx context.Context, req *CreatePlanRequest) (*StoredPlan, error)

	// Get retrieves a plan by ID. Returns ErrPlanNotFound if not found.
	Get(ctx context.Context, id string) (*StoredPlan, error)

	// Update modifies an existing plan. Returns ErrPlanNotFound if not found.
	Update(ctx context.Context, id string, req *UpdatePlanRequest) (*StoredPlan, error)

	// Delete removes a plan. Returns ErrPlanNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns all plans matching the options.
	List(ctx context.Context, opts *ListOptions) ([]*StoredPlan, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreatePlanRequest is valid.
func (r *CreatePlanRequest) Validate() error {
	if r.Name == "" {
		return errors.New("plan name is required")
	}
	if r.Plan == nil || len(r.Plan.Nodes) == 0 {
		return errors.New("plan nodes are required")
	}
	return nil
}
