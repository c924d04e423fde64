package ephemeral

import "testing"

func TestBuildOpsAttributeSetAndDelete(t *testing.T) {
	attrs := map[string]any{"hp": 80, "tag": validateNullMarker()}
	ops := buildOps(attrs, nil)

	var sawSet, sawDel bool
	for _, op := range ops {
		switch {
		case op.Kind == "attr_set" && op.Key == "hp":
			sawSet = true
			if op.Value != 80 {
				t.Errorf("attr_set value = %v, want 80", op.Value)
			}
		case op.Kind == "attr_del" && op.Key == "tag":
			sawDel = true
		}
	}
	if !sawSet || !sawDel {
		t.Errorf("buildOps() = %+v, want one attr_set(hp) and one attr_del(tag)", ops)
	}
}

func TestBuildOpsRankScorePartitionSet(t *testing.T) {
	ranks := map[string]any{"kills": map[string]any{"global": 12.0}}
	ops := buildOps(nil, ranks)
	if len(ops) != 1 || ops[0].Kind != "rank_set" || ops[0].ScoreType != "kills" || ops[0].Partition != "global" {
		t.Errorf("buildOps(ranks) = %+v, want single rank_set(kills, global, 12)", ops)
	}
}

func TestBuildOpsRankDeletePartition(t *testing.T) {
	ranks := map[string]any{"kills": map[string]any{"global": validateNullMarker()}}
	ops := buildOps(nil, ranks)
	if len(ops) != 1 || ops[0].Kind != "rank_del_partition" || ops[0].ScoreType != "kills" || ops[0].Partition != "global" {
		t.Errorf("buildOps(NULL_MARKER partition) = %+v, want single rank_del_partition(kills, global)", ops)
	}
}

func TestBuildOpsRankDeleteType(t *testing.T) {
	ranks := map[string]any{"kills": validateNullMarker()}
	ops := buildOps(nil, ranks)
	if len(ops) != 1 || ops[0].Kind != "rank_del_type" || ops[0].ScoreType != "kills" {
		t.Errorf("buildOps(NULL_MARKER scoreType) = %+v, want single rank_del_type(kills)", ops)
	}
}

func TestBoolInt(t *testing.T) {
	if boolInt(true) != 1 || boolInt(false) != 0 {
		t.Errorf("boolInt mapping incorrect")
	}
}

func TestIsNoscript(t *testing.T) {
	if !isNoscript(errNoscript{}) {
		t.Errorf("isNoscript(NOSCRIPT error) = false, want true")
	}
	if isNoscript(errOther{}) {
		t.Errorf("isNoscript(other error) = true, want false")
	}
}

// validateNullMarker avoids importing the validate package just for the
// sentinel string in this test file.
func validateNullMarker() string { return "$$__NULL__$$" }

type errNoscript struct{}

func (errNoscript) Error() string { return "NOSCRIPT No matching script" }

type errOther struct{}

func (errOther) Error() string { return "connection refused" }
