package entitystore

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func seedStore(t *testing.T) *Store {
	t.Helper()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New()
	err := s.Load(Snapshot{
		Workspace: Workspace{WorkspaceID: "ws_1", Name: "Acme"},
		Member:    Member{MemberID: "m1", WorkspaceID: "ws_1", Name: "Ada", Role: "owner"},
		Threads: map[string]Thread{
			"t1": {ThreadID: "t1", CustomerID: "c1", Status: StatusTodo, Priority: PriorityNormal, CreatedAt: base, UpdatedAt: base, LabelIDs: []string{"l1"}},
			"t2": {ThreadID: "t2", CustomerID: "c2", AssigneeID: strPtr("m1"), Status: StatusTodo, Priority: PriorityUrgent, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)},
			"t3": {ThreadID: "t3", CustomerID: "c1", AssigneeID: strPtr(""), Status: StatusDone, Priority: PriorityLow, CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(2 * time.Hour), LabelIDs: []string{"l1", "l2"}},
		},
		Customers: map[string]Customer{
			"c1": {CustomerID: "c1", WorkspaceID: "ws_1", Name: "Bob"},
			"c2": {CustomerID: "c2", WorkspaceID: "ws_1", Name: "Cleo"},
		},
		Members: map[string]Member{"m1": {MemberID: "m1", WorkspaceID: "ws_1", Name: "Ada", Role: "owner"}},
		Labels:  map[string]Label{"l1": {LabelID: "l1", Name: "billing"}, "l2": {LabelID: "l2", Name: "bug"}},
		Pats:    map[string]Pat{"p1": {PatID: "p1", Name: "ci"}},
	})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return s
}

func threadIDs(threads []Thread) []string {
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ThreadID)
	}
	return ids
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := seedStore(t)
	if e, ok := s.Get(CollectionThread, "nope"); ok || e != nil {
		t.Fatalf("expected not found, got %v %v", e, ok)
	}
	if _, ok := s.Customer("nope"); ok {
		t.Fatalf("expected missing customer")
	}
	if e, ok := s.Get(Collection("bogus"), "t1"); ok || e != nil {
		t.Fatalf("expected unknown collection to read as not found")
	}
}

func TestLoadNormalizesEmptyAssignee(t *testing.T) {
	s := seedStore(t)
	th, ok := s.Thread("t3")
	if !ok {
		t.Fatalf("expected t3")
	}
	if th.AssigneeID != nil {
		t.Fatalf("expected empty assignee to normalize to nil, got %q", *th.AssigneeID)
	}
}

func TestUpsertReplacesWholeRow(t *testing.T) {
	s := seedStore(t)
	if err := s.Upsert(Thread{ThreadID: "t1", Status: StatusDone}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	th, _ := s.Thread("t1")
	if th.CustomerID != "" || len(th.LabelIDs) != 0 {
		t.Fatalf("expected full replace without merge, got %+v", th)
	}
	if th.Status != StatusDone {
		t.Fatalf("expected status done, got %s", th.Status)
	}

	if err := s.Upsert(Thread{}); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected invalid entity for empty id, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := seedStore(t)
	th, _ := s.Thread("t2")
	*th.AssigneeID = "mutated"
	th.LabelIDs = append(th.LabelIDs, "x")
	again, _ := s.Thread("t2")
	if *again.AssigneeID != "m1" || len(again.LabelIDs) != 0 {
		t.Fatalf("store row leaked through a read: %+v", again)
	}
}

func TestApplyPartialUpdateMergesFields(t *testing.T) {
	s := seedStore(t)
	found, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{
		"thread_id":   "t1",
		"status":      "done",
		"assignee_id": "m1",
		"replied":     "t",
		"updated_at":  "2024-05-02 09:30:00.5+00",
	})
	if err != nil || !found {
		t.Fatalf("apply: found=%v err=%v", found, err)
	}
	th, _ := s.Thread("t1")
	if th.Status != StatusDone || th.AssigneeID == nil || *th.AssigneeID != "m1" || !th.Replied {
		t.Fatalf("unexpected merged thread: %+v", th)
	}
	if th.CustomerID != "c1" || th.Priority != PriorityNormal {
		t.Fatalf("untouched fields changed: %+v", th)
	}
	want := time.Date(2024, 5, 2, 9, 30, 0, 500000000, time.UTC)
	if !th.UpdatedAt.Equal(want) {
		t.Fatalf("expected updated_at %s, got %s", want, th.UpdatedAt)
	}
}

func TestApplyPartialUpdateIsIdempotent(t *testing.T) {
	s := seedStore(t)
	patch := Patch{"status": "done", "assignee_id": nil}
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t2", patch); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	once, _ := s.Thread("t2")
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t2", patch); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	twice, _ := s.Thread("t2")
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("replay changed state:\n once=%+v\ntwice=%+v", once, twice)
	}
	if twice.AssigneeID != nil {
		t.Fatalf("expected null assignee to clear the field")
	}
}

func TestApplyPartialUpdateSequenceLastWriteWins(t *testing.T) {
	s := seedStore(t)
	for _, p := range []Patch{{"status": "done"}, {"priority": "high"}, {"status": "todo"}} {
		if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", p); err != nil {
			t.Fatalf("apply %v: %v", p, err)
		}
	}
	th, _ := s.Thread("t1")
	if th.Status != StatusTodo || th.Priority != PriorityHigh {
		t.Fatalf("expected todo/high, got %s/%s", th.Status, th.Priority)
	}
}

func TestApplyPartialUpdateMissingRowIsNoop(t *testing.T) {
	s := seedStore(t)
	found, err := s.ApplyPartialUpdate(CollectionMember, "ghost", Patch{"name": "x"})
	if err != nil || found {
		t.Fatalf("expected silent miss, got found=%v err=%v", found, err)
	}
	if s.Len(CollectionMember) != 1 {
		t.Fatalf("miss must not create rows")
	}
}

func TestApplyPartialUpdateRejectsMalformedAtomically(t *testing.T) {
	s := seedStore(t)
	_, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"status": "done", "replied": 42})
	if !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected invalid patch, got %v", err)
	}
	th, _ := s.Thread("t1")
	if th.Status != StatusTodo {
		t.Fatalf("malformed patch partially applied: %+v", th)
	}
}

func TestUpsertFromPatchCreatesRow(t *testing.T) {
	s := seedStore(t)
	created, err := s.UpsertFromPatch(CollectionCustomer, "c9", Patch{"name": "Dora", "email": "d@example.com"})
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	c, ok := s.Customer("c9")
	if !ok || c.Name != "Dora" || c.Email == nil || *c.Email != "d@example.com" {
		t.Fatalf("unexpected customer %+v", c)
	}
	created, err = s.UpsertFromPatch(CollectionCustomer, "c9", Patch{"name": "Dora B"})
	if err != nil || created {
		t.Fatalf("expected merge into existing row, got created=%v err=%v", created, err)
	}
}

func TestDisposeRejectsWrites(t *testing.T) {
	s := seedStore(t)
	s.Dispose()
	if _, ok := s.Thread("t1"); ok {
		t.Fatalf("expected reads to miss after dispose")
	}
	if err := s.Upsert(Label{LabelID: "l9"}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if _, err := s.ApplyPartialUpdate(CollectionThread, "t1", Patch{"status": "done"}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if got := s.Threads(ThreadQuery{}); got != nil {
		t.Fatalf("expected no threads after dispose, got %d", len(got))
	}
	s.Dispose()
}

func TestSessionContext(t *testing.T) {
	s := seedStore(t)
	ws, ok := s.Workspace()
	if !ok || ws.WorkspaceID != "ws_1" {
		t.Fatalf("unexpected workspace %+v", ws)
	}
	me, ok := s.CurrentMember()
	if !ok || me.MemberID != "m1" {
		t.Fatalf("unexpected member %+v", me)
	}
}
