// Package diffutil computes the changed-fields diff between two entity
// snapshots, used to serve version-pinned loads (spec §4.3.2, invariant 4).
package diffutil

import (
	"reflect"

	"github.com/itskum47/worldgate/internal/validate"
)

// Diff yields only the keys whose values differ between old and new.
// A key present in old but absent from new is reported as validate.NullMarker
// (the deletion encoding required by spec §3 and invariant 2).
func Diff(oldMap, newMap map[string]any) map[string]any {
	out := make(map[string]any)
	for k, newVal := range newMap {
		oldVal, existed := oldMap[k]
		if !existed || !reflect.DeepEqual(oldVal, newVal) {
			out[k] = newVal
		}
	}
	for k := range oldMap {
		if _, stillPresent := newMap[k]; !stillPresent {
			out[k] = validate.NullMarker
		}
	}
	return out
}

// DiffRankScores diffs the two-level rankScores mapping (scoreType ->
// partitionKey -> value, stored generically as map[string]any so a
// validate.NullMarker sentinel can stand in for either a removed
// partition or an entirely removed scoreType), applying Diff at both
// levels so a whole removed scoreType collapses to a single NullMarker
// rather than a map of markers.
func DiffRankScores(oldScores, newScores map[string]any) map[string]any {
	out := make(map[string]any)
	for scoreType, newVal := range newScores {
		oldVal, existed := oldScores[scoreType]
		newPartitions, newIsMap := newVal.(map[string]any)
		if !newIsMap {
			// Whole-type NullMarker (or any other scalar) on the new side:
			// surface it verbatim only if it actually changed.
			if !existed || !reflect.DeepEqual(oldVal, newVal) {
				out[scoreType] = newVal
			}
			continue
		}
		oldPartitions, oldIsMap := oldVal.(map[string]any)
		if !existed || !oldIsMap {
			out[scoreType] = newPartitions
			continue
		}
		inner := Diff(oldPartitions, newPartitions)
		if len(inner) > 0 {
			out[scoreType] = inner
		}
	}
	for scoreType := range oldScores {
		if _, stillPresent := newScores[scoreType]; !stillPresent {
			out[scoreType] = validate.NullMarker
		}
	}
	return out
}
