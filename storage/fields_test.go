package storage

import (
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// <SEP> field helpers
// ---------------------------------------------------------------------------

func TestJoinFieldDedupesAndKeepsOrder(t *testing.T) {
	got := JoinField("a", "b", "a", "c")
	if got != "a<SEP>b<SEP>c" {
		t.Errorf("JoinField = %q", got)
	}
}

func TestJoinFieldSpreadsSlices(t *testing.T) {
	parts := []string{"c1", "c2", "c1"}
	got := JoinField(parts...)
	if got != "c1<SEP>c2" {
		t.Errorf("JoinField(parts...) = %q", got)
	}
}

func TestJoinFieldFlattensJoinedParts(t *testing.T) {
	// A part that is itself a joined field is split before deduplication.
	got := JoinField("a<SEP>b", "b", "c")
	if got != "a<SEP>b<SEP>c" {
		t.Errorf("JoinField = %q", got)
	}
}

func TestSplitFieldRoundTrip(t *testing.T) {
	if got := SplitField("a<SEP>b<SEP>c"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("SplitField = %v", got)
	}
	if got := SplitField(""); got != nil {
		t.Errorf("SplitField(empty) = %v, want nil", got)
	}
	if got := SplitField("a<SEP><SEP>b"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("SplitField drops empties: %v", got)
	}
}
