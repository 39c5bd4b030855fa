package runs

import (
	"errors"
	"testing"
	"time"
)

func TestStoreCreateQueued(t *testing.T) {
	store := NewStore(time.Minute, 10)
	run := store.Create(Payload{UserID: "u1", Theme: "T", Description: "D", Size: "512x512"})

	if run.Status != StatusQueued {
		t.Fatalf("expected queued status, got %s", run.Status)
	}
	if run.ID == "" {
		t.Fatalf("expected generated run id")
	}
	if run.UserID != "u1" || run.Payload.Size != "512x512" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.StartedAt != nil || run.FinishedAt != nil {
		t.Fatalf("expected no timestamps on create")
	}
}

func TestStoreTransitions(t *testing.T) {
	store := NewStore(time.Minute, 10)
	run := store.Create(Payload{UserID: "u1"})

	if err := store.Complete(run.ID, Output{Text: "x"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition completing a queued run, got %v", err)
	}
	if err := store.Start(run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := store.RecordAttempt(run.ID); n != 1 {
		t.Fatalf("expected attempt 1, got %d", n)
	}
	if n := store.RecordAttempt(run.ID); n != 2 {
		t.Fatalf("expected attempt 2, got %d", n)
	}
	if err := store.Complete(run.ID, Output{Text: "caption"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, ok := store.Get(run.ID)
	if !ok {
		t.Fatalf("expected run exists")
	}
	if got.Status != StatusCompleted || got.Output == nil || got.Output.Text != "caption" || got.Attempts != 2 {
		t.Fatalf("unexpected completed run: %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected started and finished timestamps")
	}

	if err := store.Fail(run.ID, Error{Code: CodeGenerationFailed}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := store.Cancel(run.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on cancel, got %v", err)
	}
	if err := store.Start("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCancelQueued(t *testing.T) {
	store := NewStore(time.Minute, 10)
	run := store.Create(Payload{UserID: "u1"})
	if err := store.Cancel(run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Start(run.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected canceled run not to start, got %v", err)
	}
}

func TestStoreSnapshotsAreCopies(t *testing.T) {
	store := NewStore(time.Minute, 10)
	run := store.Create(Payload{UserID: "u1"})
	_ = store.Start(run.ID)
	_ = store.Fail(run.ID, Error{Code: "X", Message: "boom"})

	got, _ := store.Get(run.ID)
	got.Error.Message = "mutated"
	again, _ := store.Get(run.ID)
	if again.Error.Message != "boom" {
		t.Fatalf("expected stored error untouched, got %s", again.Error.Message)
	}
}

func TestStoreWatchFiresOnTransition(t *testing.T) {
	store := NewStore(time.Minute, 10)
	run := store.Create(Payload{UserID: "u1"})

	snap, changed, ok := store.Watch(run.ID)
	if !ok || snap.Status != StatusQueued {
		t.Fatalf("unexpected watch snapshot: %+v ok=%v", snap, ok)
	}
	select {
	case <-changed:
		t.Fatalf("expected no notification before transition")
	default:
	}

	_ = store.Start(run.ID)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("expected notification after transition")
	}

	if _, _, ok := store.Watch("missing"); ok {
		t.Fatalf("expected watch on missing run to fail")
	}
}

func TestStoreCleanupExpired(t *testing.T) {
	store := NewStore(time.Minute, 10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	finished := store.Create(Payload{UserID: "u1"})
	_ = store.Cancel(finished.ID)
	pending := store.Create(Payload{UserID: "u1"})

	_, changed, _ := store.Watch(finished.ID)
	now = now.Add(2 * time.Minute)
	store.CleanupExpired()

	if _, ok := store.Get(finished.ID); ok {
		t.Fatalf("expected finished run expired")
	}
	if _, ok := store.Get(pending.ID); !ok {
		t.Fatalf("expected pending run kept")
	}
	select {
	case <-changed:
	default:
		t.Fatalf("expected watchers woken on eviction")
	}
}

func TestStoreEnforceMaxRunsKeepsActive(t *testing.T) {
	store := NewStore(time.Hour, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	first := store.Create(Payload{UserID: "u1"})
	second := store.Create(Payload{UserID: "u1"})
	_ = store.Cancel(first.ID)
	third := store.Create(Payload{UserID: "u1"})

	if _, ok := store.Get(first.ID); ok {
		t.Fatalf("expected oldest finished run evicted")
	}
	if _, ok := store.Get(second.ID); !ok {
		t.Fatalf("expected queued run kept")
	}
	if _, ok := store.Get(third.ID); !ok {
		t.Fatalf("expected newest run kept")
	}

	fourth := store.Create(Payload{UserID: "u1"})
	if store.Len() != 3 {
		t.Fatalf("expected active runs kept over the limit, got %d", store.Len())
	}
	if _, ok := store.Get(fourth.ID); !ok {
		t.Fatalf("expected fourth run kept")
	}
}
