package protocol

import (
	"testing"

	"github.com/itskum47/worldgate/internal/dispatch"
	"github.com/itskum47/worldgate/internal/gwerrors"
)

func TestParseSaveCommandValid(t *testing.T) {
	wc := SaveCommand{EntityType: "player", EntityID: "p1", WorldID: 4, Attributes: map[string]any{"hp": 100}}
	cmd, err := ParseSaveCommand("prod", wc)
	if err != nil {
		t.Fatalf("ParseSaveCommand() error = %v", err)
	}
	if cmd.Type != dispatch.Save {
		t.Errorf("ParseSaveCommand().Type = %q, want save", cmd.Type)
	}
	if cmd.Entity.EntityID != "p1" || cmd.Entity.WorldID != 4 || cmd.Entity.Environment != "prod" {
		t.Errorf("ParseSaveCommand().Entity = %+v, want entityId=p1 worldId=4 env=prod", cmd.Entity)
	}
}

func TestParseSaveCommandRejectsBadEntityID(t *testing.T) {
	wc := SaveCommand{EntityType: "player", EntityID: "has a space", WorldID: 1}
	if _, err := ParseSaveCommand("prod", wc); err == nil {
		t.Errorf("ParseSaveCommand() with invalid entityId returned nil error")
	}
}

func TestParseRecvCommandCarriesWorldInstanceID(t *testing.T) {
	wc := RecvCommand{EntityType: "player", EntityID: "p1", WorldID: 1, Timestamp: "123-0", Count: 50}
	cmd, err := ParseRecvCommand("prod", "instance-1", wc)
	if err != nil {
		t.Fatalf("ParseRecvCommand() error = %v", err)
	}
	if cmd.WorldInstanceID != "instance-1" || cmd.Timestamp != "123-0" || cmd.Count != 50 {
		t.Errorf("ParseRecvCommand() = %+v, want instance-1/123-0/50", cmd)
	}
}

func TestParseRankCommandSplitsRankKey(t *testing.T) {
	wc := RankCommand{EntityType: "player", EntityID: "p1", WorldID: 1, RankKey: "kills:global"}
	cmd, err := ParseRankCommand("prod", wc)
	if err != nil {
		t.Fatalf("ParseRankCommand() error = %v", err)
	}
	if cmd.ScoreType != "kills" || cmd.Partition != "global" {
		t.Errorf("ParseRankCommand() = %+v, want scoreType=kills partition=global", cmd)
	}
}

func TestParseRankCommandRejectsMalformedRankKey(t *testing.T) {
	wc := RankCommand{EntityType: "player", EntityID: "p1", WorldID: 1, RankKey: "kills"}
	if _, err := ParseRankCommand("prod", wc); err == nil {
		t.Errorf("ParseRankCommand() with malformed rankKey returned nil error")
	}
}

func TestParseTopCommandDefaultsSortOrder(t *testing.T) {
	wc := TopCommand{EntityType: "player", WorldID: 1, RankKey: "kills:global"}
	cmd, err := ParseTopCommand("prod", wc)
	if err != nil {
		t.Fatalf("ParseTopCommand() error = %v", err)
	}
	if cmd.SortOrder != "DESC" {
		t.Errorf("ParseTopCommand().SortOrder = %q, want DESC", cmd.SortOrder)
	}
}

func TestResultForSurfacesErrorShape(t *testing.T) {
	r := dispatch.Result{Index: 2, OK: false, Err: gwerrors.New(gwerrors.ValidationFailed, "bad input")}
	out := ResultFor(r)
	m, ok := out.(map[string]any)
	if !ok || m["success"] != false || m["error"] == nil {
		t.Errorf("ResultFor() = %+v, want {success:false, error:...}", out)
	}
}

func TestResultForPassesThroughSuccessData(t *testing.T) {
	r := dispatch.Result{Index: 0, OK: true, Data: map[string]any{"success": true, "version": int64(3)}}
	out := ResultFor(r)
	if out.(map[string]any)["version"] != int64(3) {
		t.Errorf("ResultFor() = %+v, want version=3 passed through", out)
	}
}
