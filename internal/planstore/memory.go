package planstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements PlanStore using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*StoredPlan
}

// NewMemoryStore creates a new in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]*StoredPlan),
	}
}

// Create saves a new plan.
func (s *MemoryStore) Create(ctx context.Context, req *CreatePlanRequest) (*StoredPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	if _, exists := s.plans[id]; exists {
		return nil, ErrPlanExists
	}

	now := time.Now().UTC()
	plan := &StoredPlan{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		Plan:        req.Plan,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	s.plans[id] = plan
	return plan, nil
}

// Get retrieves a plan by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*StoredPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}

	// Return a copy to prevent external mutation
	copy := *plan
	return &copy, nil
}

// Update modifies an existing plan.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdatePlanRequest) (*StoredPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}

	if req.Name != nil {
		plan.Name = *req.Name
	}
	if req.Description != nil {
		plan.Description = *req.Description
	}
	if req.Version != nil {
		plan.Version = *req.Version
	}
	if req.Plan != nil {
		plan.Plan = req.Plan
	}
	if req.Metadata != nil {
		plan.Metadata = req.Metadata
	}
	plan.UpdatedAt = time.Now().UTC()

	copy := *plan
	return &copy, nil
}

// Delete removes a plan.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[id]; !ok {
		return ErrPlanNotFound
	}

	delete(s.plans, id)
	return nil
}

// List returns all plans matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*StoredPlan, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var plans []*StoredPlan
	for _, plan := range s.plans {
		if opts.CreatedBy != "" && plan.CreatedBy != opts.CreatedBy {
			continue
		}
		copy := *plan
		plans = append(plans, &copy)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(plans) {
			return []*StoredPlan{}, nil
		}
		plans = plans[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(plans) {
		plans = plans[:opts.Limit]
	}

	return plans, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
