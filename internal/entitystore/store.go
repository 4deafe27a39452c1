package entitystore

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Store is the normalized client-side cache for one workspace session. It is
// constructed per session and released with Dispose; it never talks to the
// network itself.
type Store struct {
	threads   *table[Thread]
	customers *table[Customer]
	members   *table[Member]
	labels    *table[Label]
	pats      *table[Pat]

	ctxMu     sync.RWMutex
	workspace *Workspace
	member    *Member
	metrics   *ThreadMetrics

	pending  *overlay
	disposed atomic.Bool
}

func New() *Store {
	return &Store{
		threads:   newTable(cloneThread),
		customers: newTable(cloneCustomer),
		members:   newTable(cloneMember),
		labels:    newTable(cloneLabel),
		pats:      newTable(clonePat),
		pending:   newOverlay(),
	}
}

// Dispose drops every row and rejects further writes. Reads after Dispose
// report not found.
func (s *Store) Dispose() {
	if s == nil || !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.threads.replaceAll(nil)
	s.customers.replaceAll(nil)
	s.members.replaceAll(nil)
	s.labels.replaceAll(nil)
	s.pats.replaceAll(nil)
	s.pending.clear()
	s.ctxMu.Lock()
	s.workspace, s.member, s.metrics = nil, nil, nil
	s.ctxMu.Unlock()
}

func (s *Store) Disposed() bool {
	return s == nil || s.disposed.Load()
}

// Load replaces the whole store with a bootstrap snapshot.
func (s *Store) Load(snap Snapshot) error {
	if s.Disposed() {
		return ErrDisposed
	}
	threads := make(map[string]Thread, len(snap.Threads))
	for id, t := range snap.Threads {
		t.AssigneeID = normalizeID(t.AssigneeID)
		threads[id] = t
	}
	s.threads.replaceAll(threads)
	s.customers.replaceAll(snap.Customers)
	s.members.replaceAll(snap.Members)
	s.labels.replaceAll(snap.Labels)
	s.pats.replaceAll(snap.Pats)
	s.pending.clear()

	ws, me, metrics := snap.Workspace, snap.Member, snap.Metrics
	metrics.Labels = append([]LabelMetric(nil), snap.Metrics.Labels...)
	s.ctxMu.Lock()
	s.workspace, s.member, s.metrics = &ws, &me, &metrics
	s.ctxMu.Unlock()
	return nil
}

// Get returns the row or (nil, false). Absent IDs are never an error.
func (s *Store) Get(c Collection, id string) (Entity, bool) {
	if s.Disposed() {
		return nil, false
	}
	switch c {
	case CollectionThread:
		if v, ok := s.threads.get(id); ok {
			return v, true
		}
	case CollectionCustomer:
		if v, ok := s.customers.get(id); ok {
			return v, true
		}
	case CollectionMember:
		if v, ok := s.members.get(id); ok {
			return v, true
		}
	case CollectionLabel:
		if v, ok := s.labels.get(id); ok {
			return v, true
		}
	case CollectionPat:
		if v, ok := s.pats.get(id); ok {
			return v, true
		}
	}
	return nil, false
}

func (s *Store) Thread(id string) (Thread, bool) {
	if s.Disposed() {
		return Thread{}, false
	}
	return s.threads.get(id)
}

func (s *Store) Customer(id string) (Customer, bool) {
	if s.Disposed() {
		return Customer{}, false
	}
	return s.customers.get(id)
}

func (s *Store) Member(id string) (Member, bool) {
	if s.Disposed() {
		return Member{}, false
	}
	return s.members.get(id)
}

func (s *Store) Label(id string) (Label, bool) {
	if s.Disposed() {
		return Label{}, false
	}
	return s.labels.get(id)
}

func (s *Store) Pat(id string) (Pat, bool) {
	if s.Disposed() {
		return Pat{}, false
	}
	return s.pats.get(id)
}

func (s *Store) Workspace() (Workspace, bool) {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.workspace == nil {
		return Workspace{}, false
	}
	return *s.workspace, true
}

// CurrentMember is the member record of the authenticated account.
func (s *Store) CurrentMember() (Member, bool) {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.member == nil {
		return Member{}, false
	}
	return *s.member, true
}

func (s *Store) Metrics() (ThreadMetrics, bool) {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.metrics == nil {
		return ThreadMetrics{}, false
	}
	m := *s.metrics
	m.Labels = append([]LabelMetric(nil), s.metrics.Labels...)
	return m, true
}

func (s *Store) Len(c Collection) int {
	if s.Disposed() {
		return 0
	}
	switch c {
	case CollectionThread:
		return s.threads.len()
	case CollectionCustomer:
		return s.customers.len()
	case CollectionMember:
		return s.members.len()
	case CollectionLabel:
		return s.labels.len()
	case CollectionPat:
		return s.pats.len()
	}
	return 0
}

// Upsert inserts or replaces a whole row by ID. Fields are not merged.
func (s *Store) Upsert(e Entity) error {
	if s.Disposed() {
		return ErrDisposed
	}
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	id := strings.TrimSpace(e.EntityID())
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidEntity, e.Collection())
	}
	switch v := e.(type) {
	case Thread:
		v.AssigneeID = normalizeID(v.AssigneeID)
		s.threads.put(id, v)
	case *Thread:
		t := *v
		t.AssigneeID = normalizeID(t.AssigneeID)
		s.threads.put(id, t)
	case Customer:
		s.customers.put(id, v)
	case *Customer:
		s.customers.put(id, *v)
	case Member:
		s.members.put(id, v)
	case *Member:
		s.members.put(id, *v)
	case Label:
		s.labels.put(id, v)
	case *Label:
		s.labels.put(id, *v)
	case Pat:
		s.pats.put(id, v)
	case *Pat:
		s.pats.put(id, *v)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidEntity, e)
	}
	s.reconcile(e.Collection(), id, nil)
	return nil
}

// ApplyPartialUpdate merges patch into the row with the given ID. It reports
// false without error when the row is absent. The patch is applied atomically:
// a malformed column leaves the row untouched.
func (s *Store) ApplyPartialUpdate(c Collection, id string, patch Patch) (bool, error) {
	if s.Disposed() {
		return false, ErrDisposed
	}
	var (
		found bool
		err   error
	)
	switch c {
	case CollectionThread:
		found, err = s.threads.update(id, func(t *Thread) error { return t.applyPatch(patch) })
	case CollectionCustomer:
		found, err = s.customers.update(id, func(v *Customer) error { return v.applyPatch(patch) })
	case CollectionMember:
		found, err = s.members.update(id, func(v *Member) error { return v.applyPatch(patch) })
	case CollectionLabel:
		found, err = s.labels.update(id, func(v *Label) error { return v.applyPatch(patch) })
	case CollectionPat:
		found, err = s.pats.update(id, func(v *Pat) error { return v.applyPatch(patch) })
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if err != nil || !found {
		return found, err
	}
	s.reconcile(c, id, patch)
	return true, nil
}

// UpsertFromPatch applies patch to an existing row, or materializes a new row
// with the given ID from the patch columns. It reports whether a row was created.
func (s *Store) UpsertFromPatch(c Collection, id string, patch Patch) (bool, error) {
	if s.Disposed() {
		return false, ErrDisposed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("%w: empty %s id", ErrInvalidEntity, c)
	}
	var (
		created bool
		err     error
	)
	switch c {
	case CollectionThread:
		created, err = s.threads.upsertWith(id, func() Thread { return Thread{ThreadID: id} },
			func(t *Thread) error { return t.applyPatch(patch) })
	case CollectionCustomer:
		created, err = s.customers.upsertWith(id, func() Customer { return Customer{CustomerID: id} },
			func(v *Customer) error { return v.applyPatch(patch) })
	case CollectionMember:
		created, err = s.members.upsertWith(id, func() Member { return Member{MemberID: id} },
			func(v *Member) error { return v.applyPatch(patch) })
	case CollectionLabel:
		created, err = s.labels.upsertWith(id, func() Label { return Label{LabelID: id} },
			func(v *Label) error { return v.applyPatch(patch) })
	case CollectionPat:
		created, err = s.pats.upsertWith(id, func() Pat { return Pat{PatID: id} },
			func(v *Pat) error { return v.applyPatch(patch) })
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if err != nil {
		return false, err
	}
	s.reconcile(c, id, patch)
	return created, nil
}

func (s *Store) Delete(c Collection, id string) bool {
	if s.Disposed() {
		return false
	}
	var removed bool
	switch c {
	case CollectionThread:
		removed = s.threads.remove(id)
	case CollectionCustomer:
		removed = s.customers.remove(id)
	case CollectionMember:
		removed = s.members.remove(id)
	case CollectionLabel:
		removed = s.labels.remove(id)
	case CollectionPat:
		removed = s.pats.remove(id)
	}
	if removed {
		s.pending.dropRow(c, id)
	}
	return removed
}
