package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stepwise/stepwise"
)

func TestInsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.Insert(ctx, "w1", "h", json.RawMessage(`42`))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if !ok {
		t.Fatal("Insert() on new id = false, want true")
	}

	status, found, err := s.FindStatus(ctx, "w1")
	if err != nil || !found {
		t.Fatalf("FindStatus() after insert = %v, %v, %v", status, found, err)
	}
	if status != stepwise.StatusIdle {
		t.Errorf("status after insert = %s, want idle", status)
	}
}

func TestInsert_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Insert(ctx, "w1", "h", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Insert(ctx, "w1", "h2", json.RawMessage(`2`))
	if err != nil {
		t.Fatalf("Insert() duplicate returned error: %v", err)
	}
	if ok {
		t.Fatal("Insert() duplicate id = true, want false")
	}

	data, found, err := s.FindRunData(ctx, "w1")
	if err != nil || !found {
		t.Fatalf("FindRunData() = %v, %v, %v", data, found, err)
	}
	if data.Handler != "h" {
		t.Errorf("handler after duplicate insert = %s, want unchanged %q", data.Handler, "h")
	}
}

func TestClaim_SelectsIdleThenExpiredLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "w1", "h", nil); err != nil {
		t.Fatal(err)
	}

	id, ok, err := s.Claim(ctx, now, now.Add(time.Minute))
	if err != nil || !ok || id != "w1" {
		t.Fatalf("Claim() = %q, %v, %v", id, ok, err)
	}

	// Already running with an unexpired lease: not claimable.
	_, ok, err = s.Claim(ctx, now, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Claim() re-selected a workflow with an unexpired lease")
	}

	// After the lease has expired, it becomes claimable again.
	id, ok, err = s.Claim(ctx, now.Add(2*time.Minute), now.Add(3*time.Minute))
	if err != nil || !ok || id != "w1" {
		t.Fatalf("Claim() after expiry = %q, %v, %v", id, ok, err)
	}
}

func TestClaim_EmptyStoreReturnsNotOK(t *testing.T) {
	s := New()
	_, ok, err := s.Claim(context.Background(), time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Claim() on empty store = true, want false")
	}
}

func TestUpdateOutputThenFindOutput(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Insert(ctx, "w1", "h", nil); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateOutput(ctx, "w1", "step-a", json.RawMessage(`10`), now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateOutput() failed: %v", err)
	}

	out, found, err := s.FindOutput(ctx, "w1", "step-a")
	if err != nil || !found {
		t.Fatalf("FindOutput() = %s, %v, %v", out, found, err)
	}
	if string(out) != "10" {
		t.Errorf("FindOutput() = %s, want 10", out)
	}

	if _, found, _ := s.FindOutput(ctx, "w1", "step-b"); found {
		t.Fatal("FindOutput() for unrecorded step id found a record")
	}
}

func TestUpdateWakeUpAtThenFindWakeUpAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	wakeUpAt := now.Add(10 * time.Second)

	if _, err := s.Insert(ctx, "w1", "h", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateWakeUpAt(ctx, "w1", "nap-a", wakeUpAt, wakeUpAt.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateWakeUpAt() failed: %v", err)
	}

	got, found, err := s.FindWakeUpAt(ctx, "w1", "nap-a")
	if err != nil || !found {
		t.Fatalf("FindWakeUpAt() = %v, %v, %v", got, found, err)
	}
	if !got.Equal(wakeUpAt) {
		t.Errorf("FindWakeUpAt() = %v, want %v", got, wakeUpAt)
	}
}

func TestSetAsFinishedIsTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Insert(ctx, "w1", "h", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAsFinished(ctx, "w1"); err != nil {
		t.Fatalf("SetAsFinished() failed: %v", err)
	}

	status, _, _ := s.FindStatus(ctx, "w1")
	if status != stepwise.StatusFinished {
		t.Fatalf("status after SetAsFinished = %s, want finished", status)
	}

	_, ok, err := s.Claim(ctx, time.Now(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Claim() selected a finished workflow")
	}
}

func TestUpdateStatusUnknownWorkflow(t *testing.T) {
	s := New()
	err := s.UpdateStatus(context.Background(), "missing", stepwise.StatusFailed, time.Now(), 1, "boom")
	if !stepwise.IsWorkflowNotFound(err) {
		t.Fatalf("UpdateStatus() on unknown id = %v, want ErrWorkflowNotFound", err)
	}
}
