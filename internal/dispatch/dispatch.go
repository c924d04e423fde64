// Package dispatch implements the Dispatcher (spec §4.2): it partitions a
// heterogeneous command batch by type, routes each type bucket to the
// store that owns it, and reassembles per-command results at their
// original batch index.
//
// Sub-batches run concurrently via golang.org/x/sync/errgroup, promoted
// from an indirect to a direct dependency for this purpose: unlike the
// reference control-plane's reconciler (which uses a hard
// context.WithTimeout kill switch per single agent), a dispatch batch must
// not cancel its sibling buckets when one command type errors, so the
// group here runs as a plain (non-context) errgroup.Group and per-command
// failures are captured into Result instead of aborting the group.
package dispatch

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/worldgate/internal/config"
	"github.com/itskum47/worldgate/internal/durable"
	"github.com/itskum47/worldgate/internal/ephemeral"
	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/observability"
	"github.com/itskum47/worldgate/internal/streams"
	"github.com/itskum47/worldgate/internal/validate"
)

// Type identifies which store a command is routed to.
type Type string

const (
	Load   Type = "load"
	Save   Type = "save"
	Send   Type = "send"
	Recv   Type = "recv"
	Search Type = "search"
	Rank   Type = "rank"
	Top    Type = "top"
)

// Command is one entry of an inbound batch, a tagged union over Type.
type Command struct {
	Type   Type
	Entity keygen.Entity

	// save. RankScores is never wire-supplied: dispatchSave derives it from
	// Attributes by key pattern (spec §4.2) before reaching the Ephemeral
	// store.
	Attributes map[string]any
	RankScores map[string]any
	IsCreate   bool
	IsDelete   bool

	// load
	Version int64

	// send
	Body map[string]any

	// recv
	WorldInstanceID string
	Timestamp       string
	Count           int

	// search / top
	NamePattern string
	Limit       int

	// rank / top
	ScoreType string
	Partition string
	SortOrder string
}

// Result is one command's outcome, index-aligned with the submitted batch.
type Result struct {
	Index int
	OK    bool
	Data  any
	Err   *gwerrors.GatewayError
}

// EphemeralStore is the subset of *ephemeral.Manager the Dispatcher needs.
// Declaring it here (rather than depending on the concrete type) lets tests
// substitute a fake the way the reference control-plane's scheduler tests
// substitute a MockStore (control_plane/scheduler/scheduler_test.go).
type EphemeralStore interface {
	BatchSave(ctx context.Context, reqs []ephemeral.SaveRequest) ([]ephemeral.SaveResult, error)
	BatchLoad(ctx context.Context, reqs []ephemeral.LoadRequest) ([]ephemeral.LoadResult, error)
}

// DurableStore is the subset of *durable.Manager the Dispatcher needs.
type DurableStore interface {
	BatchLoad(ctx context.Context, reqs []durable.LoadRequest) ([]durable.LoadResult, error)
	SearchByName(ctx context.Context, env, entityType string, worldID int64, namePattern string, limit int) ([]durable.Document, error)
	GetRankedEntities(ctx context.Context, env, entityType string, worldID int64, scoreType, partition, sortOrder string, limit int) ([]durable.Document, error)
	CalculateEntityRank(ctx context.Context, e keygen.Entity, scoreType, partition, sortOrder string) (durable.RankInfo, error)
}

// StreamStore is the subset of *streams.Manager the Dispatcher needs.
type StreamStore interface {
	BatchSend(ctx context.Context, reqs []streams.SendRequest) ([]streams.SendResult, error)
	BatchPull(ctx context.Context, reqs []streams.PullRequest) ([]streams.PullResult, error)
}

// Dispatcher routes batched commands to the Ephemeral, Durable, and Stream
// managers and reassembles results in submission order.
type Dispatcher struct {
	ephemeral EphemeralStore
	durable   DurableStore
	streams   StreamStore
	cfg       *config.Config
}

func New(eph EphemeralStore, dur DurableStore, str StreamStore, cfg *config.Config) *Dispatcher {
	return &Dispatcher{ephemeral: eph, durable: dur, streams: str, cfg: cfg}
}

// Dispatch partitions cmds by Type and runs each non-empty bucket
// concurrently, then reassembles Result at each command's original index.
func (d *Dispatcher) Dispatch(ctx context.Context, cmds []Command) ([]Result, error) {
	results := make([]Result, len(cmds))

	buckets := make(map[Type][]int)
	for i, c := range cmds {
		buckets[c.Type] = append(buckets[c.Type], i)
	}

	var g errgroup.Group
	for t, indices := range buckets {
		t, indices := t, indices
		start := time.Now()
		g.Go(func() error {
			defer func() {
				observability.DispatchLatency.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
			}()
			if err := d.dispatchBucket(ctx, t, cmds, indices, results); err != nil {
				gwErr := gwerrors.Wrap(gwerrors.StoreUnavailable, string(t)+" batch failed", err)
				for _, idx := range indices {
					if !results[idx].OK && results[idx].Err == nil {
						results[idx] = Result{Index: idx, OK: false, Err: gwErr}
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Dispatcher) dispatchBucket(ctx context.Context, t Type, cmds []Command, indices []int, results []Result) error {
	switch t {
	case Save:
		return d.dispatchSave(ctx, cmds, indices, results)
	case Load:
		return d.dispatchLoad(ctx, cmds, indices, results)
	case Send:
		return d.dispatchSend(ctx, cmds, indices, results)
	case Recv:
		return d.dispatchRecv(ctx, cmds, indices, results)
	case Search:
		return d.dispatchSearch(ctx, cmds, indices, results)
	case Rank:
		return d.dispatchRank(ctx, cmds, indices, results)
	case Top:
		return d.dispatchTop(ctx, cmds, indices, results)
	default:
		for _, idx := range indices {
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.New(gwerrors.ValidationFailed, "unknown command type")}
		}
		return nil
	}
}

func (d *Dispatcher) dispatchSave(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	reqs := make([]ephemeral.SaveRequest, len(indices))
	for j, idx := range indices {
		c := cmds[idx]
		attrs, rankScores := extractRankScores(c.Attributes)
		reqs[j] = ephemeral.SaveRequest{Entity: c.Entity, Attributes: attrs, RankScores: rankScores, IsCreate: c.IsCreate, IsDelete: c.IsDelete}
	}
	out, err := d.ephemeral.BatchSave(ctx, reqs)
	if err != nil {
		return err
	}
	for j, idx := range indices {
		r := out[j]
		outcome := "success"
		if !r.Success {
			outcome = "error"
		}
		observability.CommandsDispatched.WithLabelValues("save", outcome).Inc()
		if r.Success {
			data := map[string]any{"success": true, "version": r.Version}
			if r.Warning != "" {
				data["warning"] = r.Warning
			}
			results[idx] = Result{Index: idx, OK: true, Data: data}
		} else {
			results[idx] = Result{Index: idx, OK: false, Err: r.Err}
		}
	}
	return nil
}

// rankPartitionKey is the partition a pattern-extracted rank score is
// written under when a save command's attributes don't distinguish one.
const rankPartitionKey = "global"

// extractRankScores splits a save command's attributes into the surviving
// attribute map and a rankScores sub-object, pulling out any key that
// starts with "rank_" or ends with "_score"/"_rank" (spec §4.2). A
// NULL_MARKER value on an extracted key carries through as the partition's
// delete sentinel, same as any other rank-score deletion.
func extractRankScores(attrs map[string]any) (map[string]any, map[string]any) {
	if len(attrs) == 0 {
		return attrs, nil
	}
	cleaned := make(map[string]any, len(attrs))
	var rankScores map[string]any
	for k, v := range attrs {
		scoreType, ok := rankScoreType(k)
		if !ok {
			cleaned[k] = v
			continue
		}
		if rankScores == nil {
			rankScores = make(map[string]any)
		}
		partitions, _ := rankScores[scoreType].(map[string]any)
		if partitions == nil {
			partitions = make(map[string]any)
		}
		partitions[rankPartitionKey] = v
		rankScores[scoreType] = partitions
	}
	return cleaned, rankScores
}

// rankScoreType reports whether key matches the rank-score attribute
// pattern and, if so, the scoreType it extracts to.
func rankScoreType(key string) (string, bool) {
	switch {
	case strings.HasPrefix(key, "rank_"):
		return strings.TrimPrefix(key, "rank_"), true
	case strings.HasSuffix(key, "_score"):
		return strings.TrimSuffix(key, "_score"), true
	case strings.HasSuffix(key, "_rank"):
		return strings.TrimSuffix(key, "_rank"), true
	default:
		return "", false
	}
}

func (d *Dispatcher) dispatchLoad(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	reqs := make([]ephemeral.LoadRequest, len(indices))
	for j, idx := range indices {
		c := cmds[idx]
		reqs[j] = ephemeral.LoadRequest{Entity: c.Entity, Version: c.Version}
	}
	out, err := d.ephemeral.BatchLoad(ctx, reqs)
	if err != nil {
		return err
	}
	var durableFallback []int
	for j, idx := range indices {
		r := out[j]
		if r.Document != nil {
			observability.CommandsDispatched.WithLabelValues("load", "success").Inc()
			results[idx] = Result{Index: idx, OK: true, Data: r.Document}
			continue
		}
		if d.cfg.IsEphemeralOnly(cmds[idx].Entity.EntityType) {
			observability.CommandsDispatched.WithLabelValues("load", "not_found").Inc()
			results[idx] = Result{Index: idx, OK: true, Data: nil}
			continue
		}
		durableFallback = append(durableFallback, idx)
	}
	if len(durableFallback) == 0 {
		return nil
	}
	durReqs := make([]durable.LoadRequest, len(durableFallback))
	for j, idx := range durableFallback {
		durReqs[j] = durable.LoadRequest{Entity: cmds[idx].Entity}
	}
	durOut, err := d.durable.BatchLoad(ctx, durReqs)
	if err != nil {
		return err
	}
	for j, idx := range durableFallback {
		r := durOut[j]
		observability.CommandsDispatched.WithLabelValues("load", "success").Inc()
		results[idx] = Result{Index: idx, OK: true, Data: r.Document}
	}
	return nil
}

func (d *Dispatcher) dispatchSend(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	reqs := make([]streams.SendRequest, len(indices))
	for j, idx := range indices {
		c := cmds[idx]
		reqs[j] = streams.SendRequest{Entity: c.Entity, Body: c.Body}
	}
	out, err := d.streams.BatchSend(ctx, reqs)
	if err != nil {
		return err
	}
	for j, idx := range indices {
		r := out[j]
		if r.Err != nil {
			observability.CommandsDispatched.WithLabelValues("send", "error").Inc()
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.StreamFailure, "send failed", r.Err)}
			continue
		}
		observability.CommandsDispatched.WithLabelValues("send", "success").Inc()
		results[idx] = Result{Index: idx, OK: true, Data: map[string]any{"success": true, "messageId": r.MessageID}}
	}
	return nil
}

func (d *Dispatcher) dispatchRecv(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	reqs := make([]streams.PullRequest, len(indices))
	for j, idx := range indices {
		c := cmds[idx]
		reqs[j] = streams.PullRequest{Entity: c.Entity, WorldInstanceID: c.WorldInstanceID, Timestamp: c.Timestamp, Count: c.Count}
	}
	out, err := d.streams.BatchPull(ctx, reqs)
	if err != nil {
		return err
	}
	for j, idx := range indices {
		r := out[j]
		if r.Err != nil {
			observability.CommandsDispatched.WithLabelValues("recv", "error").Inc()
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.StreamFailure, "recv failed", r.Err)}
			continue
		}
		observability.CommandsDispatched.WithLabelValues("recv", "success").Inc()
		data := make([]map[string]any, len(r.Messages))
		for k, msg := range r.Messages {
			data[k] = map[string]any{"data": msg.Body, "timestamp": msg.Timestamp}
		}
		results[idx] = Result{Index: idx, OK: true, Data: map[string]any{
			"success":         true,
			"worldInstanceId": r.WorldInstanceID,
			"data":            data,
		}}
	}
	return nil
}

func (d *Dispatcher) dispatchSearch(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	for _, idx := range indices {
		c := cmds[idx]
		limit, err := validate.Limit(c.Limit, 50, d.cfg.SearchLimitMax)
		if err != nil {
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.ValidationFailed, "invalid limit", err)}
			continue
		}
		docs, err := d.durable.SearchByName(ctx, c.Entity.Environment, c.Entity.EntityType, c.Entity.WorldID, c.NamePattern, limit)
		if err != nil {
			observability.CommandsDispatched.WithLabelValues("search", "error").Inc()
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.StoreUnavailable, "search failed", err)}
			continue
		}
		observability.CommandsDispatched.WithLabelValues("search", "success").Inc()
		results[idx] = Result{Index: idx, OK: true, Data: docs}
	}
	return nil
}

func (d *Dispatcher) dispatchRank(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	for _, idx := range indices {
		c := cmds[idx]
		info, err := d.durable.CalculateEntityRank(ctx, c.Entity, c.ScoreType, c.Partition, c.SortOrder)
		if err != nil {
			observability.CommandsDispatched.WithLabelValues("rank", "error").Inc()
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.StoreUnavailable, "rank lookup failed", err)}
			continue
		}
		observability.CommandsDispatched.WithLabelValues("rank", "success").Inc()
		results[idx] = Result{Index: idx, OK: true, Data: map[string]any{
			"score":         info.Score,
			"rank":          info.Rank,
			"totalEntities": info.TotalEntities,
		}}
	}
	return nil
}

func (d *Dispatcher) dispatchTop(ctx context.Context, cmds []Command, indices []int, results []Result) error {
	for _, idx := range indices {
		c := cmds[idx]
		limit, err := validate.Limit(c.Limit, 10, d.cfg.RankLimitMax)
		if err != nil {
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.ValidationFailed, "invalid limit", err)}
			continue
		}
		docs, err := d.durable.GetRankedEntities(ctx, c.Entity.Environment, c.Entity.EntityType, c.Entity.WorldID, c.ScoreType, c.Partition, c.SortOrder, limit)
		if err != nil {
			observability.CommandsDispatched.WithLabelValues("top", "error").Inc()
			results[idx] = Result{Index: idx, OK: false, Err: gwerrors.Wrap(gwerrors.StoreUnavailable, "top lookup failed", err)}
			continue
		}
		observability.CommandsDispatched.WithLabelValues("top", "success").Inc()
		results[idx] = Result{Index: idx, OK: true, Data: docs}
	}
	return nil
}
