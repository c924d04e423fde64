package validate

import "testing"

func TestEntityType(t *testing.T) {
	if err := EntityType("Player_1"); err != nil {
		t.Errorf("EntityType(valid) returned error: %v", err)
	}
	if err := EntityType("bad type!"); err == nil {
		t.Errorf("EntityType(invalid) returned nil, want error")
	}
	if err := EntityType(""); err == nil {
		t.Errorf("EntityType(empty) returned nil, want error")
	}
}

func TestEntityID(t *testing.T) {
	if err := EntityID("player-123_abc"); err != nil {
		t.Errorf("EntityID(valid) returned error: %v", err)
	}
	if err := EntityID("has a space"); err == nil {
		t.Errorf("EntityID(invalid) returned nil, want error")
	}
}

func TestWorldID(t *testing.T) {
	if err := WorldID(0); err != nil {
		t.Errorf("WorldID(0) returned error: %v", err)
	}
	if err := WorldID(-1); err == nil {
		t.Errorf("WorldID(-1) returned nil, want error")
	}
}

func TestAttributes(t *testing.T) {
	good := map[string]any{"hp": 100, "tag_name": "x"}
	if err := Attributes(good); err != nil {
		t.Errorf("Attributes(valid) returned error: %v", err)
	}
	bad := map[string]any{"bad key!": 1}
	if err := Attributes(bad); err == nil {
		t.Errorf("Attributes(invalid) returned nil, want error")
	}
}

func TestRankKey(t *testing.T) {
	scoreType, partition, err := RankKey("kills:global")
	if err != nil {
		t.Fatalf("RankKey(valid) returned error: %v", err)
	}
	if scoreType != "kills" || partition != "global" {
		t.Errorf("RankKey() = (%q, %q), want (kills, global)", scoreType, partition)
	}
	if _, _, err := RankKey("noseparator"); err == nil {
		t.Errorf("RankKey(missing separator) returned nil, want error")
	}
	if _, _, err := RankKey(":global"); err == nil {
		t.Errorf("RankKey(empty scoreType) returned nil, want error")
	}
}

func TestLimit(t *testing.T) {
	cases := []struct {
		requested, def, max int
		want                int
		wantErr             bool
	}{
		{0, 50, 1000, 50, false},
		{200, 50, 1000, 200, false},
		{1001, 50, 1000, 0, true},
		{-1, 50, 1000, 0, true},
	}
	for _, c := range cases {
		got, err := Limit(c.requested, c.def, c.max)
		if c.wantErr {
			if err == nil {
				t.Errorf("Limit(%d, %d, %d) returned nil error, want error", c.requested, c.def, c.max)
			}
			continue
		}
		if err != nil {
			t.Errorf("Limit(%d, %d, %d) returned error: %v", c.requested, c.def, c.max, err)
		}
		if got != c.want {
			t.Errorf("Limit(%d, %d, %d) = %d, want %d", c.requested, c.def, c.max, got, c.want)
		}
	}
}

func TestSortOrder(t *testing.T) {
	if got, err := SortOrder(""); err != nil || got != "DESC" {
		t.Errorf("SortOrder(\"\") = (%q, %v), want (DESC, nil)", got, err)
	}
	if got, err := SortOrder("ASC"); err != nil || got != "ASC" {
		t.Errorf("SortOrder(ASC) = (%q, %v), want (ASC, nil)", got, err)
	}
	if _, err := SortOrder("sideways"); err == nil {
		t.Errorf("SortOrder(sideways) returned nil, want error")
	}
}

func TestIsNullMarker(t *testing.T) {
	if !IsNullMarker(NullMarker) {
		t.Errorf("IsNullMarker(NullMarker) = false, want true")
	}
	if IsNullMarker("regular value") {
		t.Errorf("IsNullMarker(regular value) = true, want false")
	}
	if IsNullMarker(42) {
		t.Errorf("IsNullMarker(42) = true, want false")
	}
}
