package planstore

import (
	"context"
	"errors"
	"testing"

	"github.com/flexinfer/flowrun/pkg/types"
)

func samplePlan() *types.Plan {
	return &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "extract", Command: []string{"extract"}},
			{ID: "load", Command: []string{"load"}, Inputs: []string{"extract"}},
		},
	}
}

func TestCreate_AssignsID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	plan, err := store.Create(ctx, &CreatePlanRequest{
		Name: "etl",
		Plan: samplePlan(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if plan.ID == "" {
		t.Error("expected generated plan id")
	}
	if plan.Version != "1" {
		t.Errorf("version = %q, want 1", plan.Version)
	}
	if plan.CreatedAt.IsZero() || plan.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestCreate_ExplicitIDConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := &CreatePlanRequest{ID: "etl-v1", Name: "etl", Plan: samplePlan()}
	if _, err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, req); !errors.Is(err, ErrPlanExists) {
		t.Errorf("error = %v, want ErrPlanExists", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Create(ctx, &CreatePlanRequest{Plan: samplePlan()}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := store.Create(ctx, &CreatePlanRequest{Name: "empty"}); err == nil {
		t.Error("expected error for missing plan")
	}
	if _, err := store.Create(ctx, &CreatePlanRequest{Name: "empty", Plan: &types.Plan{}}); err == nil {
		t.Error("expected error for plan with no nodes")
	}
}

func TestGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CreatePlanRequest{Name: "etl", Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "etl" {
		t.Errorf("name = %q, want etl", got.Name)
	}

	// Mutating the returned copy must not affect the stored plan.
	got.Name = "mutated"
	again, _ := store.Get(ctx, created.ID)
	if again.Name != "etl" {
		t.Error("stored plan mutated through returned copy")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("error = %v, want ErrPlanNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CreatePlanRequest{Name: "etl", Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newName := "etl-nightly"
	newVersion := "2"
	updated, err := store.Update(ctx, created.ID, &UpdatePlanRequest{
		Name:    &newName,
		Version: &newVersion,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "etl-nightly" || updated.Version != "2" {
		t.Errorf("updated = %q v%s, want etl-nightly v2", updated.Name, updated.Version)
	}
	// Unset fields stay untouched.
	if updated.Plan == nil || len(updated.Plan.Nodes) != 2 {
		t.Error("plan body changed on partial update")
	}

	if _, err := store.Update(ctx, "missing", &UpdatePlanRequest{Name: &newName}); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("error = %v, want ErrPlanNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CreatePlanRequest{Name: "etl", Plan: samplePlan()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("error after delete = %v, want ErrPlanNotFound", err)
	}
	if err := store.Delete(ctx, created.ID); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("second delete error = %v, want ErrPlanNotFound", err)
	}
}

func TestList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, by := range []string{"ana", "ana", "bo"} {
		_, err := store.Create(ctx, &CreatePlanRequest{
			ID:        string(rune('a' + i)),
			Name:      "plan",
			Plan:      samplePlan(),
			CreatedBy: by,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := store.List(ctx, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d plans, want 3", len(all))
	}

	mine, err := store.List(ctx, &ListOptions{CreatedBy: "ana"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("got %d plans for ana, want 2", len(mine))
	}

	limited, _ := store.List(ctx, &ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("got %d plans with limit 1, want 1", len(limited))
	}

	past, _ := store.List(ctx, &ListOptions{Offset: 10})
	if len(past) != 0 {
		t.Errorf("got %d plans past the end, want 0", len(past))
	}
}
