package entitystore

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestProposeLeavesConfirmedStateAlone(t *testing.T) {
	s := seedStore(t)
	pid, err := s.Propose(CollectionThread, "t1", Patch{"status": "done"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	confirmed, _ := s.Thread("t1")
	if confirmed.Status != StatusTodo {
		t.Fatalf("confirmed state changed by proposal")
	}
	eff, ok := s.EffectiveThread("t1")
	if !ok || eff.Status != StatusDone {
		t.Fatalf("expected effective status done, got %+v", eff)
	}
	if got := threadIDs(s.Threads(ThreadQuery{Status: Single(StatusDone), IncludePending: true, Sort: SortCreatedAsc})); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
		t.Fatalf("expected pending view to include t1, got %v", got)
	}
	if got := threadIDs(s.ThreadsByStatus(StatusDone, SortCreatedAsc)); !reflect.DeepEqual(got, []string{"t3"}) {
		t.Fatalf("confirmed view leaked pending write: %v", got)
	}
	if s.PendingCount() != 1 || len(s.PendingWrites(CollectionThread, "t1")) != 1 || s.PendingWrites(CollectionThread, "t1")[0].ID != pid {
		t.Fatalf("unexpected pending bookkeeping")
	}
}

func TestPendingClearedWhenSyncDeltaCatchesUp(t *testing.T) {
	s := seedStore(t)
	if _, err := s.Propose(CollectionThread, "t1", Patch{"status": "done", "priority": "high"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"status": "done"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("partial catch-up must keep the pending write")
	}
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"priority": "high"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("expected pending write cleared once confirmed state matches")
	}
}

func TestPendingTimestampClearsAcrossZones(t *testing.T) {
	s := seedStore(t)
	if _, err := s.Propose(CollectionThread, "t1", Patch{"updated_at": "2024-05-01T12:00:00Z"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	confirmed, _ := s.Thread("t1")
	confirmed.UpdatedAt = time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	if err := s.Upsert(confirmed); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("same instant in another zone must clear the pending write")
	}
}

func TestAcknowledgedPendingYieldsToServer(t *testing.T) {
	s := seedStore(t)
	pid, _ := s.Propose(CollectionThread, "t1", Patch{"priority": "urgent"})

	// Unacknowledged writes survive a conflicting delta.
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"priority": "low"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("in-flight write dropped too early")
	}

	if !s.Acknowledge(pid) {
		t.Fatalf("acknowledge failed")
	}
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"priority": "high"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("acknowledged write should yield to the server delta")
	}
	eff, _ := s.EffectiveThread("t1")
	if eff.Priority != PriorityHigh {
		t.Fatalf("expected server value, got %s", eff.Priority)
	}
}

func TestDiscardDropsPending(t *testing.T) {
	s := seedStore(t)
	pid, _ := s.Propose(CollectionCustomer, "c1", Patch{"name": "Robert"})
	if !s.Discard(pid) {
		t.Fatalf("discard failed")
	}
	if s.Discard(pid) {
		t.Fatalf("second discard should report false")
	}
	eff, _ := s.Effective(CollectionCustomer, "c1")
	if eff.(Customer).Name != "Bob" {
		t.Fatalf("expected confirmed name, got %+v", eff)
	}
}

func TestDeleteDropsPendingForRow(t *testing.T) {
	s := seedStore(t)
	if _, err := s.Propose(CollectionThread, "t2", Patch{"status": "done"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !s.Delete(CollectionThread, "t2") {
		t.Fatalf("delete failed")
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending writes for deleted row must go")
	}
}

func TestProposeValidation(t *testing.T) {
	s := seedStore(t)
	if _, err := s.Propose(CollectionThread, "t1", nil); !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected invalid patch, got %v", err)
	}
	if _, err := s.Propose(Collection("nope"), "t1", Patch{"a": 1}); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
}
