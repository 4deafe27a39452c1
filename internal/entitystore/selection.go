package entitystore

import (
	"cmp"
	"slices"
	"strings"
)

type SelectionKind uint8

const (
	SelectNone SelectionKind = iota
	SelectSingle
	SelectMany
)

// Selection is a filter value that is either unset, a single value, or a set
// of values. The zero value is SelectNone, which matches everything.
type Selection[T comparable] struct {
	kind   SelectionKind
	single T
	many   map[T]struct{}
}

func None[T comparable]() Selection[T] {
	return Selection[T]{}
}

func Single[T comparable](v T) Selection[T] {
	return Selection[T]{kind: SelectSingle, single: v}
}

// Many builds a selection from values, collapsing to None or Single when fewer
// than two distinct values are given.
func Many[T comparable](values ...T) Selection[T] {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return fromSet(set)
}

func fromSet[T comparable](set map[T]struct{}) Selection[T] {
	switch len(set) {
	case 0:
		return None[T]()
	case 1:
		for v := range set {
			return Single(v)
		}
	}
	return Selection[T]{kind: SelectMany, many: set}
}

func (s Selection[T]) Kind() SelectionKind { return s.kind }
func (s Selection[T]) IsNone() bool        { return s.kind == SelectNone }

func (s Selection[T]) Len() int {
	switch s.kind {
	case SelectSingle:
		return 1
	case SelectMany:
		return len(s.many)
	default:
		return 0
	}
}

func (s Selection[T]) Contains(v T) bool {
	switch s.kind {
	case SelectSingle:
		return s.single == v
	case SelectMany:
		_, ok := s.many[v]
		return ok
	default:
		return false
	}
}

// Matches reports whether v passes the filter. None matches everything.
func (s Selection[T]) Matches(v T) bool {
	if s.kind == SelectNone {
		return true
	}
	return s.Contains(v)
}

// MatchesAny reports whether any of values passes the filter.
func (s Selection[T]) MatchesAny(values []T) bool {
	if s.kind == SelectNone {
		return true
	}
	for _, v := range values {
		if s.Contains(v) {
			return true
		}
	}
	return false
}

// Toggle adds v when absent and removes it when present, returning the new
// selection. The receiver is not modified.
func (s Selection[T]) Toggle(v T) Selection[T] {
	set := s.set()
	if _, ok := set[v]; ok {
		delete(set, v)
	} else {
		set[v] = struct{}{}
	}
	return fromSet(set)
}

// Values returns the selected values in unspecified order.
func (s Selection[T]) Values() []T {
	out := make([]T, 0, s.Len())
	for v := range s.set() {
		out = append(out, v)
	}
	return out
}

func (s Selection[T]) set() map[T]struct{} {
	set := make(map[T]struct{}, s.Len())
	switch s.kind {
	case SelectSingle:
		set[s.single] = struct{}{}
	case SelectMany:
		for v := range s.many {
			set[v] = struct{}{}
		}
	}
	return set
}

// SortedValues returns the selected values in ascending order.
func SortedValues[T cmp.Ordered](s Selection[T]) []T {
	out := s.Values()
	slices.Sort(out)
	return out
}

// ParseSelection turns repeated query parameters (?status=todo&status=done)
// into a selection. Blank values are ignored and comma lists are split.
func ParseSelection[T ~string](values []string) Selection[T] {
	set := map[T]struct{}{}
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				set[T(part)] = struct{}{}
			}
		}
	}
	return fromSet(set)
}

// EncodeSelection is the inverse of ParseSelection, in sorted order.
func EncodeSelection[T ~string](s Selection[T]) []string {
	vals := s.Values()
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, string(v))
	}
	slices.Sort(out)
	return out
}
