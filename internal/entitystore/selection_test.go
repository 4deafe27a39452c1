package entitystore

import (
	"reflect"
	"testing"
)

func TestSelectionToggle(t *testing.T) {
	s := None[string]()
	if s.Kind() != SelectNone || !s.Matches("anything") {
		t.Fatalf("zero selection must match everything")
	}
	s = s.Toggle("a")
	if s.Kind() != SelectSingle || !s.Contains("a") {
		t.Fatalf("expected single a, got %+v", s)
	}
	s = s.Toggle("b")
	if s.Kind() != SelectMany || s.Len() != 2 {
		t.Fatalf("expected many{a,b}, got %+v", s)
	}
	s = s.Toggle("a")
	if s.Kind() != SelectSingle || !s.Contains("b") || s.Contains("a") {
		t.Fatalf("expected collapse to single b, got %+v", s)
	}
	s = s.Toggle("b")
	if !s.IsNone() {
		t.Fatalf("expected none after removing last value")
	}
}

func TestSelectionToggleDoesNotMutateReceiver(t *testing.T) {
	base := Many("a", "b")
	_ = base.Toggle("c")
	if base.Len() != 2 || base.Contains("c") {
		t.Fatalf("receiver mutated: %v", SortedValues(base))
	}
}

func TestParseSelection(t *testing.T) {
	s := ParseSelection[ThreadStatus]([]string{"todo", " done ,todo", ""})
	if s.Kind() != SelectMany {
		t.Fatalf("expected many, got kind %d", s.Kind())
	}
	if got := EncodeSelection(s); !reflect.DeepEqual(got, []string{"done", "todo"}) {
		t.Fatalf("unexpected values %v", got)
	}
	if ParseSelection[ThreadStatus](nil).Kind() != SelectNone {
		t.Fatalf("expected none for no values")
	}
	if one := ParseSelection[ThreadStatus]([]string{"done"}); one.Kind() != SelectSingle {
		t.Fatalf("expected single for one value")
	}
}

func TestSelectionMatchesAny(t *testing.T) {
	s := Single("l2")
	if !s.MatchesAny([]string{"l1", "l2"}) {
		t.Fatalf("expected match")
	}
	if s.MatchesAny(nil) {
		t.Fatalf("expected no match on empty input")
	}
	if !None[string]().MatchesAny(nil) {
		t.Fatalf("none matches everything")
	}
}
