package diffutil

import (
	"reflect"
	"testing"

	"github.com/itskum47/worldgate/internal/validate"
)

func TestDiff(t *testing.T) {
	old := map[string]any{"hp": 100, "name": "vex", "gone": "bye"}
	fresh := map[string]any{"hp": 80, "name": "vex", "new_attr": "hi"}

	got := Diff(old, fresh)
	want := map[string]any{
		"hp":       80,
		"new_attr": "hi",
		"gone":     validate.NullMarker,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diff() = %v, want %v", got, want)
	}
}

func TestDiffNoChanges(t *testing.T) {
	same := map[string]any{"hp": 100}
	got := Diff(same, same)
	if len(got) != 0 {
		t.Errorf("Diff(same, same) = %v, want empty map", got)
	}
}

func TestDiffRankScoresPartialChange(t *testing.T) {
	old := map[string]any{"kills": map[string]any{"global": 10.0, "weekly": 3.0}}
	fresh := map[string]any{"kills": map[string]any{"global": 12.0, "weekly": 3.0}}

	got := DiffRankScores(old, fresh)
	want := map[string]any{"kills": map[string]any{"global": 12.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiffRankScores() = %v, want %v", got, want)
	}
}

func TestDiffRankScoresWholeTypeRemoved(t *testing.T) {
	old := map[string]any{"kills": map[string]any{"global": 10.0}}
	fresh := map[string]any{}

	got := DiffRankScores(old, fresh)
	want := map[string]any{"kills": validate.NullMarker}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiffRankScores() = %v, want %v", got, want)
	}
}

func TestDiffRankScoresWholeTypeAdded(t *testing.T) {
	old := map[string]any{}
	fresh := map[string]any{"kills": map[string]any{"global": 5.0}}

	got := DiffRankScores(old, fresh)
	want := map[string]any{"kills": map[string]any{"global": 5.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DiffRankScores() = %v, want %v", got, want)
	}
}
