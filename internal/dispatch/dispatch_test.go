package dispatch

import (
	"context"
	"testing"

	"github.com/itskum47/worldgate/internal/config"
	"github.com/itskum47/worldgate/internal/durable"
	"github.com/itskum47/worldgate/internal/ephemeral"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/streams"
)

// fakeEphemeral is a minimal in-memory stand-in for *ephemeral.Manager,
// modeled on the reference control-plane's MockStore
// (control_plane/scheduler/scheduler_test.go).
type fakeEphemeral struct {
	saveResults []ephemeral.SaveResult
	loadResults []ephemeral.LoadResult
}

func (f *fakeEphemeral) BatchSave(ctx context.Context, reqs []ephemeral.SaveRequest) ([]ephemeral.SaveResult, error) {
	return f.saveResults, nil
}

func (f *fakeEphemeral) BatchLoad(ctx context.Context, reqs []ephemeral.LoadRequest) ([]ephemeral.LoadResult, error) {
	return f.loadResults, nil
}

type fakeDurable struct {
	loadResults []durable.LoadResult
}

func (f *fakeDurable) BatchLoad(ctx context.Context, reqs []durable.LoadRequest) ([]durable.LoadResult, error) {
	return f.loadResults, nil
}
func (f *fakeDurable) SearchByName(ctx context.Context, env, entityType string, worldID int64, namePattern string, limit int) ([]durable.Document, error) {
	return nil, nil
}
func (f *fakeDurable) GetRankedEntities(ctx context.Context, env, entityType string, worldID int64, scoreType, partition, sortOrder string, limit int) ([]durable.Document, error) {
	return nil, nil
}
func (f *fakeDurable) CalculateEntityRank(ctx context.Context, e keygen.Entity, scoreType, partition, sortOrder string) (durable.RankInfo, error) {
	score, rank := 1.0, int64(1)
	return durable.RankInfo{Score: &score, Rank: &rank, TotalEntities: 1}, nil
}

type fakeStreams struct{}

func (f *fakeStreams) BatchSend(ctx context.Context, reqs []streams.SendRequest) ([]streams.SendResult, error) {
	out := make([]streams.SendResult, len(reqs))
	for i := range reqs {
		out[i] = streams.SendResult{Index: i, MessageID: "msg-1"}
	}
	return out, nil
}
func (f *fakeStreams) BatchPull(ctx context.Context, reqs []streams.PullRequest) ([]streams.PullResult, error) {
	return make([]streams.PullResult, len(reqs)), nil
}

func TestDispatchSaveSuccess(t *testing.T) {
	eph := &fakeEphemeral{saveResults: []ephemeral.SaveResult{{Index: 0, Success: true, Version: 3}}}
	d := New(eph, &fakeDurable{}, &fakeStreams{}, config.Load())

	cmds := []Command{{Type: Save, Entity: keygen.Entity{EntityType: "player", EntityID: "p1"}, Attributes: map[string]any{"hp": 100}}}
	results, err := d.Dispatch(context.Background(), cmds)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("Dispatch() results = %+v, want one OK result", results)
	}
}

func TestDispatchLoadFallsBackToDurableWhenNotEphemeralOnly(t *testing.T) {
	eph := &fakeEphemeral{loadResults: []ephemeral.LoadResult{{Index: 0, Document: nil}}}
	durDoc := &durable.Document{Entity: keygen.Entity{EntityType: "player", EntityID: "p1"}, Version: 2}
	dur := &fakeDurable{loadResults: []durable.LoadResult{{Index: 0, Document: durDoc}}}
	d := New(eph, dur, &fakeStreams{}, config.Load())

	cmds := []Command{{Type: Load, Entity: keygen.Entity{EntityType: "player", EntityID: "p1"}}}
	results, err := d.Dispatch(context.Background(), cmds)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("Dispatch() results = %+v, want one OK result", results)
	}
	if results[0].Data != durDoc {
		t.Errorf("Dispatch() returned data %+v, want the durable fallback document", results[0].Data)
	}
}

func TestDispatchPreservesIndexAcrossMixedTypes(t *testing.T) {
	eph := &fakeEphemeral{saveResults: []ephemeral.SaveResult{{Index: 0, Success: true, Version: 1}}}
	d := New(eph, &fakeDurable{}, &fakeStreams{}, config.Load())

	cmds := []Command{
		{Type: Save, Entity: keygen.Entity{EntityType: "player", EntityID: "p1"}},
		{Type: Send, Entity: keygen.Entity{EntityType: "player", EntityID: "p1"}, Body: map[string]any{"hello": "world"}},
	}
	results, err := d.Dispatch(context.Background(), cmds)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Dispatch() returned %d results, want 2", len(results))
	}
	if results[0].Index != 0 || results[1].Index != 1 {
		t.Errorf("Dispatch() results not index-aligned: %+v", results)
	}
	if !results[0].OK || !results[1].OK {
		t.Errorf("Dispatch() results = %+v, want both OK", results)
	}
}

func TestExtractRankScoresPullsPatternMatchedKeys(t *testing.T) {
	attrs := map[string]any{"hp": 100, "rank_kills": 12.0, "xp_score": 500.0, "weekly_rank": 3.0}
	cleaned, ranks := extractRankScores(attrs)

	if len(cleaned) != 1 || cleaned["hp"] != 100 {
		t.Errorf("extractRankScores() cleaned = %+v, want only hp", cleaned)
	}
	want := map[string]any{
		"kills":  map[string]any{"global": 12.0},
		"xp":     map[string]any{"global": 500.0},
		"weekly": map[string]any{"global": 3.0},
	}
	if len(ranks) != len(want) {
		t.Fatalf("extractRankScores() ranks = %+v, want %+v", ranks, want)
	}
	for scoreType, wantPartitions := range want {
		got, ok := ranks[scoreType].(map[string]any)
		if !ok || got["global"] != wantPartitions.(map[string]any)["global"] {
			t.Errorf("extractRankScores() ranks[%q] = %+v, want %+v", scoreType, ranks[scoreType], wantPartitions)
		}
	}
}

func TestExtractRankScoresLeavesPlainAttributesUntouched(t *testing.T) {
	attrs := map[string]any{"hp": 100, "name": "zed"}
	cleaned, ranks := extractRankScores(attrs)
	if len(ranks) != 0 {
		t.Errorf("extractRankScores() ranks = %+v, want none", ranks)
	}
	if len(cleaned) != 2 {
		t.Errorf("extractRankScores() cleaned = %+v, want both keys retained", cleaned)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d := New(&fakeEphemeral{}, &fakeDurable{}, &fakeStreams{}, config.Load())
	cmds := []Command{{Type: Type("bogus")}}
	results, err := d.Dispatch(context.Background(), cmds)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if results[0].OK {
		t.Errorf("Dispatch() with unknown type succeeded, want failure")
	}
	if results[0].Err == nil || results[0].Err.Code != "VALIDATION_FAILED" {
		t.Errorf("Dispatch() err = %+v, want VALIDATION_FAILED", results[0].Err)
	}
}
