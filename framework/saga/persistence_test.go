package saga

import (
	"context"
	"testing"
	"time"

	"github.com/akriventsev/ledgersaga/framework/core"
)

func newStoredSaga(t *testing.T, store SagaStore, id, emailID string, steps int) *Saga {
	t.Helper()
	s := &Saga{
		ID:         id,
		EmailID:    emailID,
		Client:     testClient(),
		Status:     SagaStatusPending,
		TotalSteps: steps,
		CreatedAt:  time.Now().UTC(),
	}
	for i := 0; i < steps; i++ {
		s.Steps = append(s.Steps, billStep(float64(100*(i+1))))
	}
	if err := store.CreateSaga(context.Background(), s); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}
	return s
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]SagaStatus{
		{SagaStatusPending, SagaStatusRunning},
		{SagaStatusRunning, SagaStatusCompleted},
		{SagaStatusRunning, SagaStatusFailed},
		{SagaStatusFailed, SagaStatusCompensating},
		{SagaStatusCompensating, SagaStatusCompensated},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("Expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]SagaStatus{
		{SagaStatusPending, SagaStatusCompleted},
		{SagaStatusCompleted, SagaStatusFailed},
		{SagaStatusFailed, SagaStatusRunning},
		{SagaStatusCompensated, SagaStatusCompensating},
		{SagaStatusRunning, SagaStatusCompensating},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("Expected %s -> %s to be denied", tr[0], tr[1])
		}
	}
}

func TestInMemoryStore_SetStatus(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	newStoredSaga(t, store, "s-1", "email-1", 1)

	if _, err := store.SetStatus(ctx, "s-1", SagaStatusPending, SagaStatusCompleted, ""); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "s-1", SagaStatusRunning, SagaStatusFailed, ""); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for stale from, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "missing", SagaStatusPending, SagaStatusRunning, ""); !core.HasCode(err, core.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}

	s, err := store.SetStatus(ctx, "s-1", SagaStatusPending, SagaStatusRunning, "")
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if s.StartedAt == nil {
		t.Errorf("Expected startedAt to be stamped")
	}
	s, err = store.SetStatus(ctx, "s-1", SagaStatusRunning, SagaStatusFailed, "boom")
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if s.FailedAt == nil || s.Error != "boom" || s.CompletedAt != nil {
		t.Errorf("Unexpected failed saga: %+v", s)
	}
}

func TestInMemoryStore_AdvanceStep(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	newStoredSaga(t, store, "s-1", "email-1", 2)

	if _, err := store.AdvanceStep(ctx, "s-1", 0); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Pending saga must not advance, got %v", err)
	}
	_, _ = store.SetStatus(ctx, "s-1", SagaStatusPending, SagaStatusRunning, "")

	s, err := store.AdvanceStep(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.CurrentStep != 1 || s.Status != SagaStatusRunning {
		t.Errorf("Expected running at 1, got %s at %d", s.Status, s.CurrentStep)
	}
	if _, err := store.AdvanceStep(ctx, "s-1", 0); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Stale cursor must be rejected, got %v", err)
	}

	s, err = store.AdvanceStep(ctx, "s-1", 1)
	if err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.CurrentStep != 2 || s.Status != SagaStatusCompleted || s.CompletedAt == nil {
		t.Errorf("Expected completed at 2, got %s at %d", s.Status, s.CurrentStep)
	}
	if _, err := store.AdvanceStep(ctx, "s-1", 2); !core.HasCode(err, core.ErrInvalidTransition) {
		t.Errorf("Cursor must not pass totalSteps, got %v", err)
	}
}

func TestInMemoryStore_ReplaceStepsAndIsolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	newStoredSaga(t, store, "s-1", "email-1", 1)

	s, _ := store.GetSaga(ctx, "s-1")
	s.Steps[0].Parameters["amount"] = 999.0
	s.Steps[0].ExternalID = "local-only"

	fresh, _ := store.GetSaga(ctx, "s-1")
	if fresh.Steps[0].ExternalID != "" || fresh.Steps[0].Parameters["amount"] == 999.0 {
		t.Errorf("Stored saga must not share state with loaded copies")
	}

	if err := store.ReplaceSteps(ctx, "s-1", s.Steps); err != nil {
		t.Fatalf("ReplaceSteps failed: %v", err)
	}
	fresh, _ = store.GetSaga(ctx, "s-1")
	if fresh.Steps[0].ExternalID != "local-only" {
		t.Errorf("Expected replaced steps to be stored")
	}
	if err := store.ReplaceSteps(ctx, "s-1", nil); !core.HasCode(err, core.ErrInvalidPlan) {
		t.Errorf("Expected INVALID_PLAN for changed step count, got %v", err)
	}
	if err := store.CreateSaga(ctx, fresh); !core.HasCode(err, core.ErrAlreadyExists) {
		t.Errorf("Expected ALREADY_EXISTS, got %v", err)
	}
}

func TestInMemoryStore_ListCompensatingOldestFirst(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"s-late", "s-early", "s-mid"} {
		newStoredSaga(t, store, id, "email-1", 1)
		offsets := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour}
		failedAt := base.Add(offsets[i])
		store.now = func() time.Time { return failedAt }
		_, _ = store.SetStatus(ctx, id, SagaStatusPending, SagaStatusRunning, "")
		_, _ = store.SetStatus(ctx, id, SagaStatusRunning, SagaStatusFailed, "x")
		_, _ = store.SetStatus(ctx, id, SagaStatusFailed, SagaStatusCompensating, "")
	}
	newStoredSaga(t, store, "s-pending", "email-1", 1)

	list, err := store.ListCompensating(ctx, 0)
	if err != nil {
		t.Fatalf("ListCompensating failed: %v", err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	want := []string{"s-early", "s-mid", "s-late"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, ids)
			break
		}
	}

	limited, _ := store.ListCompensating(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit 2, got %d", len(limited))
	}

	byDoc, _ := store.ListByDocument(ctx, "email-1")
	if len(byDoc) != 4 {
		t.Errorf("Expected 4 sagas for document, got %d", len(byDoc))
	}
	none, _ := store.ListByDocument(ctx, "other")
	if len(none) != 0 {
		t.Errorf("Expected no sagas for unknown document")
	}
}
