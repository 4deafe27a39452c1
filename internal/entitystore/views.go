package entitystore

import (
	"fmt"
	"sort"
	"strings"
)

type SortKey string

const (
	SortCreatedAsc   SortKey = "created-asc"
	SortCreatedDesc  SortKey = "created-dsc"
	SortUpdatedAsc   SortKey = "updated-asc"
	SortUpdatedDesc  SortKey = "updated-dsc"
	SortPriorityAsc  SortKey = "priority-asc"
	SortPriorityDesc SortKey = "priority-dsc"
)

func ParseSortKey(raw string) (SortKey, error) {
	switch k := SortKey(strings.TrimSpace(raw)); k {
	case "":
		return SortCreatedDesc, nil
	case SortCreatedAsc, SortCreatedDesc, SortUpdatedAsc, SortUpdatedDesc, SortPriorityAsc, SortPriorityDesc:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", raw)
	}
}

// NoAssignee in an assignee selection matches unassigned threads.
const NoAssignee = "none"

// ThreadQuery is a filter/sort projection over threads. Every zero-valued
// selection matches all threads.
type ThreadQuery struct {
	Status   Selection[ThreadStatus]
	Stage    Selection[ThreadStage]
	Priority Selection[ThreadPriority]
	Assignee Selection[string]
	Labels   Selection[string]
	Sort     SortKey
	// IncludePending layers pending local writes over confirmed rows.
	IncludePending bool
}

func (q ThreadQuery) matches(t Thread) bool {
	if !q.Status.Matches(t.Status) || !q.Stage.Matches(t.Stage) || !q.Priority.Matches(t.Priority) {
		return false
	}
	if !q.Assignee.IsNone() {
		if t.AssigneeID == nil {
			if !q.Assignee.Contains(NoAssignee) {
				return false
			}
		} else if !q.Assignee.Contains(*t.AssigneeID) {
			return false
		}
	}
	return q.Labels.MatchesAny(t.LabelIDs)
}

// Threads evaluates q against current state. It never mutates the store and
// returns the same ordering for the same state and query.
func (s *Store) Threads(q ThreadQuery) []Thread {
	if s.Disposed() {
		return nil
	}
	all := s.threads.values()
	if q.IncludePending {
		for _, id := range s.pendingThreadIDs() {
			eff, ok := s.EffectiveThread(id)
			if !ok {
				continue
			}
			for i := range all {
				if all[i].ThreadID == id {
					all[i] = eff
					break
				}
			}
		}
	}
	out := all[:0]
	for _, t := range all {
		if q.matches(t) {
			out = append(out, t)
		}
	}
	return SortThreads(out, q.Sort)
}

func (s *Store) ThreadsByStatus(status ThreadStatus, key SortKey) []Thread {
	return s.Threads(ThreadQuery{Status: Single(status), Sort: key})
}

// Unassigned lists open threads without an assignee.
func (s *Store) Unassigned(key SortKey) []Thread {
	return s.Threads(ThreadQuery{
		Status:   Single(StatusTodo),
		Assignee: Single(NoAssignee),
		Sort:     key,
	})
}

// AssignedTo lists open threads assigned to memberID.
func (s *Store) AssignedTo(memberID string, key SortKey) []Thread {
	return s.Threads(ThreadQuery{
		Status:   Single(StatusTodo),
		Assignee: Single(memberID),
		Sort:     key,
	})
}

func (s *Store) ByLabel(labelID string, key SortKey) []Thread {
	return s.Threads(ThreadQuery{Labels: Single(labelID), Sort: key})
}

// SortThreads returns a sorted copy of threads. Ties fall back to thread ID so
// the order is total.
func SortThreads(threads []Thread, key SortKey) []Thread {
	out := make([]Thread, len(threads))
	copy(out, threads)
	if key == "" {
		key = SortCreatedDesc
	}
	less := func(a, b Thread) int {
		switch key {
		case SortCreatedAsc:
			return a.CreatedAt.Compare(b.CreatedAt)
		case SortCreatedDesc:
			return b.CreatedAt.Compare(a.CreatedAt)
		case SortUpdatedAsc:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case SortUpdatedDesc:
			return b.UpdatedAt.Compare(a.UpdatedAt)
		case SortPriorityAsc:
			return a.Priority.Rank() - b.Priority.Rank()
		case SortPriorityDesc:
			return b.Priority.Rank() - a.Priority.Rank()
		}
		return 0
	}
	sort.Slice(out, func(i, j int) bool {
		if c := less(out[i], out[j]); c != 0 {
			return c < 0
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// Members lists members ordered by name, then ID.
func (s *Store) Members() []Member {
	if s.Disposed() {
		return nil
	}
	out := s.members.values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

func (s *Store) Customers() []Customer {
	if s.Disposed() {
		return nil
	}
	out := s.customers.values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out
}

func (s *Store) Labels() []Label {
	if s.Disposed() {
		return nil
	}
	out := s.labels.values()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].LabelID < out[j].LabelID
	})
	return out
}

// Pats lists tokens newest first.
func (s *Store) Pats() []Pat {
	if s.Disposed() {
		return nil
	}
	out := s.pats.values()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PatID < out[j].PatID
	})
	return out
}
