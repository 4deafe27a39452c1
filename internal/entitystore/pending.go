package entitystore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
)

type PendingID uint64

type PendingState int

const (
	// PendingInFlight: the write has been sent and no response has arrived.
	PendingInFlight PendingState = iota
	// PendingAcknowledged: the server accepted the write; the overlay stays
	// until the matching sync delta lands in confirmed state.
	PendingAcknowledged
)

func (s PendingState) String() string {
	switch s {
	case PendingInFlight:
		return "in_flight"
	case PendingAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// PendingWrite is a local optimistic patch layered over confirmed state.
type PendingWrite struct {
	ID         PendingID
	Collection Collection
	RowID      string
	Patch      Patch
	State      PendingState
	CreatedAt  time.Time
}

type rowKey struct {
	collection Collection
	id         string
}

type overlay struct {
	mu    sync.Mutex
	next  PendingID
	byID  map[PendingID]*PendingWrite
	byRow map[rowKey][]PendingID
}

func newOverlay() *overlay {
	return &overlay{
		byID:  map[PendingID]*PendingWrite{},
		byRow: map[rowKey][]PendingID{},
	}
}

func (o *overlay) clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byID = map[PendingID]*PendingWrite{}
	o.byRow = map[rowKey][]PendingID{}
}

func (o *overlay) add(c Collection, id string, p Patch) PendingID {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	w := &PendingWrite{
		ID:         o.next,
		Collection: c,
		RowID:      id,
		Patch:      p.Clone(),
		State:      PendingInFlight,
		CreatedAt:  time.Now().UTC(),
	}
	o.byID[w.ID] = w
	key := rowKey{c, id}
	o.byRow[key] = append(o.byRow[key], w.ID)
	return w.ID
}

func (o *overlay) forRow(c Collection, id string) []PendingWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.byRow[rowKey{c, id}]
	out := make([]PendingWrite, 0, len(ids))
	for _, pid := range ids {
		w := *o.byID[pid]
		w.Patch = w.Patch.Clone()
		out = append(out, w)
	}
	return out
}

func (o *overlay) removeLocked(pid PendingID) bool {
	w, ok := o.byID[pid]
	if !ok {
		return false
	}
	delete(o.byID, pid)
	key := rowKey{w.Collection, w.RowID}
	ids := o.byRow[key]
	for i, id := range ids {
		if id == pid {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(o.byRow, key)
	} else {
		o.byRow[key] = ids
	}
	return true
}

func (o *overlay) remove(pid PendingID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(pid)
}

func (o *overlay) dropRow(c Collection, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, pid := range append([]PendingID(nil), o.byRow[rowKey{c, id}]...) {
		o.removeLocked(pid)
	}
}

func (o *overlay) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byID)
}

// Propose records an optimistic local write without touching confirmed state.
func (s *Store) Propose(c Collection, id string, patch Patch) (PendingID, error) {
	if s.Disposed() {
		return 0, ErrDisposed
	}
	if _, err := ParseCollection(string(c)); err != nil {
		return 0, err
	}
	if strings.TrimSpace(id) == "" || len(patch) == 0 {
		return 0, fmt.Errorf("%w: pending write needs an id and at least one column", ErrInvalidPatch)
	}
	return s.pending.add(c, id, patch), nil
}

// Acknowledge marks a pending write as accepted by the server. It stays
// layered until a sync delta makes it redundant.
func (s *Store) Acknowledge(pid PendingID) bool {
	s.pending.mu.Lock()
	w, ok := s.pending.byID[pid]
	if ok {
		w.State = PendingAcknowledged
	}
	s.pending.mu.Unlock()
	if ok {
		s.reconcile(w.Collection, w.RowID, nil)
	}
	return ok
}

// Discard drops a pending write, e.g. after the RPC failed.
func (s *Store) Discard(pid PendingID) bool {
	return s.pending.remove(pid)
}

func (s *Store) PendingWrites(c Collection, id string) []PendingWrite {
	return s.pending.forRow(c, id)
}

func (s *Store) PendingCount() int {
	return s.pending.len()
}

// reconcile clears pending writes on one row that confirmed state has caught
// up with. A write is cleared when it no longer changes the confirmed row, or
// when it was acknowledged and the incoming change touched one of its columns.
// incoming is nil for whole-row replacements and acknowledgements.
func (s *Store) reconcile(c Collection, id string, incoming Patch) {
	writes := s.pending.forRow(c, id)
	if len(writes) == 0 {
		return
	}
	var drop []PendingID
	for _, w := range writes {
		if s.patchIsNoop(c, id, w.Patch) {
			drop = append(drop, w.ID)
			continue
		}
		if w.State == PendingAcknowledged && incoming != nil && touchesAny(incoming, w.Patch) {
			drop = append(drop, w.ID)
		}
	}
	if len(drop) == 0 {
		return
	}
	s.pending.mu.Lock()
	for _, pid := range drop {
		s.pending.removeLocked(pid)
	}
	s.pending.mu.Unlock()
}

func touchesAny(incoming, pending Patch) bool {
	for col := range pending {
		if _, ok := incoming[col]; ok {
			return true
		}
	}
	return false
}

func (s *Store) patchIsNoop(c Collection, id string, p Patch) bool {
	switch c {
	case CollectionThread:
		return noop(s.threads, id, func(v *Thread) error { return v.applyPatch(p) })
	case CollectionCustomer:
		return noop(s.customers, id, func(v *Customer) error { return v.applyPatch(p) })
	case CollectionMember:
		return noop(s.members, id, func(v *Member) error { return v.applyPatch(p) })
	case CollectionLabel:
		return noop(s.labels, id, func(v *Label) error { return v.applyPatch(p) })
	case CollectionPat:
		return noop(s.pats, id, func(v *Pat) error { return v.applyPatch(p) })
	}
	return false
}

func noop[T any](t *table[T], id string, apply func(*T) error) bool {
	cur, ok := t.get(id)
	if !ok {
		return false
	}
	next := t.clone(cur)
	if err := apply(&next); err != nil {
		return false
	}
	// cmp compares timestamps with time.Time.Equal, so a zone change alone
	// does not keep a write pending.
	return cmp.Equal(cur, next)
}

func layer[T any](t *table[T], writes []PendingWrite, id string, apply func(*T, Patch) error) (T, bool) {
	cur, ok := t.get(id)
	if !ok {
		return cur, false
	}
	for _, w := range writes {
		// A malformed pending patch is skipped rather than hiding the row.
		next := t.clone(cur)
		if err := apply(&next, w.Patch); err == nil {
			cur = next
		}
	}
	return cur, true
}

// EffectiveThread returns the confirmed thread with pending writes applied in
// proposal order.
func (s *Store) EffectiveThread(id string) (Thread, bool) {
	if s.Disposed() {
		return Thread{}, false
	}
	writes := s.pending.forRow(CollectionThread, id)
	return layer(s.threads, writes, id, func(t *Thread, p Patch) error { return t.applyPatch(p) })
}

// Effective is the collection-generic form of EffectiveThread.
func (s *Store) Effective(c Collection, id string) (Entity, bool) {
	if s.Disposed() {
		return nil, false
	}
	writes := s.pending.forRow(c, id)
	switch c {
	case CollectionThread:
		if v, ok := layer(s.threads, writes, id, func(v *Thread, p Patch) error { return v.applyPatch(p) }); ok {
			return v, true
		}
	case CollectionCustomer:
		if v, ok := layer(s.customers, writes, id, func(v *Customer, p Patch) error { return v.applyPatch(p) }); ok {
			return v, true
		}
	case CollectionMember:
		if v, ok := layer(s.members, writes, id, func(v *Member, p Patch) error { return v.applyPatch(p) }); ok {
			return v, true
		}
	case CollectionLabel:
		if v, ok := layer(s.labels, writes, id, func(v *Label, p Patch) error { return v.applyPatch(p) }); ok {
			return v, true
		}
	case CollectionPat:
		if v, ok := layer(s.pats, writes, id, func(v *Pat, p Patch) error { return v.applyPatch(p) }); ok {
			return v, true
		}
	}
	return nil, false
}

// pendingThreadIDs lists thread IDs that currently carry pending writes.
func (s *Store) pendingThreadIDs() []string {
	s.pending.mu.Lock()
	defer s.pending.mu.Unlock()
	var ids []string
	for key := range s.pending.byRow {
		if key.collection == CollectionThread {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)
	return ids
}
