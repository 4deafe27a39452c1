package entitystore

import (
	"reflect"
	"testing"
)

func TestThreadsByStatus(t *testing.T) {
	s := seedStore(t)
	got := threadIDs(s.ThreadsByStatus(StatusTodo, SortCreatedAsc))
	if !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Fatalf("unexpected todo threads %v", got)
	}
	got = threadIDs(s.ThreadsByStatus(StatusTodo, SortCreatedDesc))
	if !reflect.DeepEqual(got, []string{"t2", "t1"}) {
		t.Fatalf("unexpected desc order %v", got)
	}
}

func TestUnassignedAndAssigned(t *testing.T) {
	s := seedStore(t)
	if got := threadIDs(s.Unassigned(SortCreatedAsc)); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("unexpected unassigned %v", got)
	}
	if got := threadIDs(s.AssignedTo("m1", SortCreatedAsc)); !reflect.DeepEqual(got, []string{"t2"}) {
		t.Fatalf("unexpected assigned %v", got)
	}
}

func TestByLabel(t *testing.T) {
	s := seedStore(t)
	if got := threadIDs(s.ByLabel("l1", SortCreatedAsc)); !reflect.DeepEqual(got, []string{"t1", "t3"}) {
		t.Fatalf("unexpected l1 threads %v", got)
	}
	if got := s.ByLabel("missing", SortCreatedAsc); len(got) != 0 {
		t.Fatalf("expected empty view, got %v", threadIDs(got))
	}
}

func TestPrioritySortIsTotal(t *testing.T) {
	s := seedStore(t)
	if err := s.Upsert(Thread{ThreadID: "t0", Status: StatusTodo, Priority: PriorityUrgent}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got := threadIDs(s.Threads(ThreadQuery{Sort: SortPriorityAsc}))
	if !reflect.DeepEqual(got, []string{"t0", "t2", "t1", "t3"}) {
		t.Fatalf("unexpected priority order %v", got)
	}
}

func TestViewsAreDeterministicAndPure(t *testing.T) {
	s := seedStore(t)
	q := ThreadQuery{Status: Many(StatusTodo, StatusDone), Labels: Many("l1", "l2"), Sort: SortUpdatedDesc}
	first := s.Threads(q)
	for i := 0; i < 20; i++ {
		if again := s.Threads(q); !reflect.DeepEqual(first, again) {
			t.Fatalf("view not deterministic on run %d", i)
		}
	}
	first[0].Status = "tampered"
	th, _ := s.Thread(first[0].ThreadID)
	if th.Status == "tampered" {
		t.Fatalf("view result aliases store state")
	}
}

func TestCombinedQuery(t *testing.T) {
	s := seedStore(t)
	q := ThreadQuery{
		Status:   Single(StatusTodo),
		Priority: Many(PriorityUrgent, PriorityHigh),
		Assignee: Many("m1", NoAssignee),
	}
	if got := threadIDs(s.Threads(q)); !reflect.DeepEqual(got, []string{"t2"}) {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestSortThreadsDoesNotMutateInput(t *testing.T) {
	in := []Thread{{ThreadID: "b"}, {ThreadID: "a"}}
	out := SortThreads(in, SortCreatedAsc)
	if in[0].ThreadID != "b" {
		t.Fatalf("input reordered")
	}
	if out[0].ThreadID != "a" {
		t.Fatalf("expected id tie-break, got %v", threadIDs(out))
	}
}

func TestListsAreSorted(t *testing.T) {
	s := seedStore(t)
	labels := s.Labels()
	if len(labels) != 2 || labels[0].Name != "billing" || labels[1].Name != "bug" {
		t.Fatalf("unexpected labels %+v", labels)
	}
	customers := s.Customers()
	if len(customers) != 2 || customers[0].Name != "Bob" {
		t.Fatalf("unexpected customers %+v", customers)
	}
}

func TestParseSortKey(t *testing.T) {
	if k, err := ParseSortKey(""); err != nil || k != SortCreatedDesc {
		t.Fatalf("expected default sort, got %q %v", k, err)
	}
	if _, err := ParseSortKey("sideways"); err == nil {
		t.Fatalf("expected error for unknown sort key")
	}
}
