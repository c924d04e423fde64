// Package ephemeral implements the versioned document store (spec §4.3):
// per-entity JSON documents with a sibling version counter, nested-path
// partial mutation, a dirty-set for pending durable persistence, and
// versioned snapshots used to serve diff-based reads.
//
// Grounded on the reference control-plane's RedisStore versioned value
// scripts (control_plane/store/redis_versioned.go): Lua script SHAs
// preloaded in New and executed via EvalSha, generalized from a flat HMSET
// value to a full JSON document body mutated server-side by nested-path
// operations. A NOSCRIPT reply is not answered by reloading or retrying the
// script: the affected saves fail individually and the affected flushes are
// skipped.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/worldgate/internal/diffutil"
	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/observability"
	"github.com/itskum47/worldgate/internal/validate"
)

// SnapshotTTL bounds how long a versioned snapshot survives (spec §3: ≈1 hour).
const SnapshotTTL = time.Hour

// Document is the stored shape of a live or snapshotted ephemeral entity.
type Document struct {
	Environment     string         `json:"environment"`
	EntityType      string         `json:"entityType"`
	EntityID        string         `json:"entityId"`
	WorldID         int64          `json:"worldId"`
	Attributes      map[string]any `json:"attributes"`
	RankScores      map[string]any `json:"rankScores"`
	Version         int64          `json:"version"`
	IsDeleted       bool           `json:"isDeleted"`
	LastWrite       int64          `json:"lastWrite"`
	WorldInstanceID string         `json:"worldInstanceId,omitempty"`
}

// SaveRequest is one element of a batch partial save.
type SaveRequest struct {
	Entity     keygen.Entity
	Attributes map[string]any
	RankScores map[string]any
	IsCreate   bool
	IsDelete   bool
}

// SaveResult is the per-command outcome, index-aligned with the request batch.
type SaveResult struct {
	Index   int
	Success bool
	Version int64
	Warning string
	Err     *gwerrors.GatewayError
}

// LoadRequest is one element of a batch load.
type LoadRequest struct {
	Entity  keygen.Entity
	Version int64
}

// LoadResult is the per-command outcome of a batch load.
type LoadResult struct {
	Index    int
	Document *Document // nil if absent or tombstoned
	IsDiff   bool
}

// PendingUpdate is one sample returned by GetPendingUpdates.
type PendingUpdate struct {
	DirtyKey string
	Entity   keygen.Entity
	Document *Document
}

// PersistedItem records the ephemeral version observed when an entity was
// sampled off the dirty set, for the version-fenced conditional flush.
type PersistedItem struct {
	Entity          keygen.Entity
	ObservedVersion int64
}

// IsEphemeralOnly reports whether entityType is configured to never reach
// the Durable store.
type IsEphemeralOnly func(entityType string) bool

// Manager is the Ephemeral Entity Manager (spec §4.3).
type Manager struct {
	client          *redis.Client
	isEphemeralOnly IsEphemeralOnly

	mutateSHA string
	flushSHA  string
}

func New(client *redis.Client, isEphemeralOnly IsEphemeralOnly) (*Manager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mutateSHA, err := client.ScriptLoad(ctx, mutateScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload ephemeral mutate script: %w", err)
	}
	flushSHA, err := client.ScriptLoad(ctx, flushScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload ephemeral flush script: %w", err)
	}
	return &Manager{client: client, isEphemeralOnly: isEphemeralOnly, mutateSHA: mutateSHA, flushSHA: flushSHA}, nil
}

// mutateScript applies create/update/delete semantics to one ephemeral
// document and its version counter atomically, marking the entity dirty in
// the same round-trip it mutates (spec §9: "dirty-before-mutate").
const mutateScript = `
-- KEYS[1] = doc key
-- KEYS[2] = version counter key
-- KEYS[3] = dirty set key
-- ARGV[1] = isCreate (0/1)
-- ARGV[2] = isDelete (0/1)
-- ARGV[3] = isEphemeralOnly (0/1)
-- ARGV[4] = dirtyKey ("" when suppressed)
-- ARGV[5] = opsJSON (attribute/rank-score set/delete operations)
-- ARGV[6] = nowMillis
pcall(function() cjson.encode_empty_table_as_object(true) end)

local isCreate = tonumber(ARGV[1]) == 1
local isDelete = tonumber(ARGV[2]) == 1
local isEphemeralOnly = tonumber(ARGV[3]) == 1
local dirtyKey = ARGV[4]
local nowMillis = ARGV[6]

if not isEphemeralOnly and dirtyKey ~= "" then
	redis.call("SADD", KEYS[3], dirtyKey)
end

if isDelete then
	if isEphemeralOnly then
		redis.call("DEL", KEYS[1])
		redis.call("DEL", KEYS[2])
		return 0
	end
	local raw = redis.call("GET", KEYS[1])
	if not raw then
		return -1
	end
	local doc = cjson.decode(raw)
	doc.isDeleted = true
	doc.lastWrite = tonumber(nowMillis)
	local newVersion = redis.call("INCR", KEYS[2])
	doc.version = newVersion
	redis.call("SET", KEYS[1], cjson.encode(doc))
	return newVersion
end

local doc
local raw = redis.call("GET", KEYS[1])
if raw then
	doc = cjson.decode(raw)
else
	doc = {}
	doc.attributes = {}
	doc.rankScores = {}
	doc.isDeleted = false
end
if doc.attributes == nil then doc.attributes = {} end
if doc.rankScores == nil then doc.rankScores = {} end

local ops = cjson.decode(ARGV[5])
for _, op in ipairs(ops) do
	if op.kind == "attr_set" then
		doc.attributes[op.key] = op.value
	elseif op.kind == "attr_del" then
		doc.attributes[op.key] = nil
	elseif op.kind == "rank_set" then
		if doc.rankScores[op.scoreType] == nil then doc.rankScores[op.scoreType] = {} end
		doc.rankScores[op.scoreType][op.partition] = op.value
	elseif op.kind == "rank_del_partition" then
		if doc.rankScores[op.scoreType] ~= nil then
			doc.rankScores[op.scoreType][op.partition] = nil
		end
	elseif op.kind == "rank_del_type" then
		doc.rankScores[op.scoreType] = nil
	end
end

doc.lastWrite = tonumber(nowMillis)
doc.isDeleted = false

local newVersion
if isCreate then
	redis.call("SET", KEYS[2], 1)
	newVersion = 1
else
	newVersion = redis.call("INCR", KEYS[2])
end
doc.version = newVersion
redis.call("SET", KEYS[1], cjson.encode(doc))
return newVersion
`

// flushScript conditionally deletes a persisted ephemeral document only if
// its current version did not advance past the version observed at
// dirty-marking time (spec §4.3.3, §4.7: the version-as-fence).
const flushScript = `
-- KEYS[1] = doc key
-- KEYS[2] = version counter key
-- ARGV[1] = persisted version (observed at sample time)
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 1
end
local doc = cjson.decode(raw)
if tonumber(doc.version) <= tonumber(ARGV[1]) then
	redis.call("DEL", KEYS[1])
	redis.call("DEL", KEYS[2])
	return 1
else
	return 0
end
`

type mutateOp struct {
	Kind      string `json:"kind"`
	Key       string `json:"key,omitempty"`
	ScoreType string `json:"scoreType,omitempty"`
	Partition string `json:"partition,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// buildOps translates one save command's attributes and rank scores into
// server-side mutation ops. Deletion uses the same validate.NullMarker
// sentinel at every level: a NullMarker attribute value deletes that
// attribute, a NullMarker rank-score partition value deletes that
// partition, and a NullMarker rank-score scoreType value (in place of a
// partition map) deletes the whole scoreType (spec §4.3.1, §6 Sentinel).
func buildOps(attrs map[string]any, ranks map[string]any) []mutateOp {
	var ops []mutateOp
	for k, v := range attrs {
		if validate.IsNullMarker(v) {
			ops = append(ops, mutateOp{Kind: "attr_del", Key: k})
		} else {
			ops = append(ops, mutateOp{Kind: "attr_set", Key: k, Value: v})
		}
	}
	for scoreType, v := range ranks {
		if validate.IsNullMarker(v) {
			ops = append(ops, mutateOp{Kind: "rank_del_type", ScoreType: scoreType})
			continue
		}
		partitions, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for pk, pv := range partitions {
			if validate.IsNullMarker(pv) {
				ops = append(ops, mutateOp{Kind: "rank_del_partition", ScoreType: scoreType, Partition: pk})
			} else {
				ops = append(ops, mutateOp{Kind: "rank_set", ScoreType: scoreType, Partition: pk, Value: pv})
			}
		}
	}
	return ops
}

// BatchSave performs the preflight existence probe and then the pipelined,
// per-request mutate scripts in submission order (spec §4.3.1).
func (m *Manager) BatchSave(ctx context.Context, reqs []SaveRequest) ([]SaveResult, error) {
	results := make([]SaveResult, len(reqs))

	docKeys := make([]string, len(reqs))
	for i, r := range reqs {
		docKeys[i] = keygen.Ephemeral(r.Entity, 0)
	}

	existPipe := m.client.Pipeline()
	existCmds := make([]*redis.IntCmd, len(reqs))
	for i, k := range docKeys {
		existCmds[i] = existPipe.Exists(ctx, k)
	}
	if _, err := existPipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ephemeral preflight exists failed: %w", err)
	}

	valid := make([]int, 0, len(reqs))
	for i, r := range reqs {
		exists := existCmds[i].Val() > 0
		switch {
		case r.IsCreate && exists:
			results[i] = SaveResult{Index: i, Success: false, Err: gwerrors.New(gwerrors.CreateConflict, "entity already exists")}
		case !r.IsCreate && !exists:
			code := gwerrors.NotFound
			msg := "entity not found"
			if r.IsDelete {
				code = gwerrors.DeleteNonexistent
				msg = "cannot delete: entity not found"
			}
			results[i] = SaveResult{Index: i, Success: false, Err: gwerrors.New(code, msg)}
		default:
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return results, nil
	}

	now := time.Now().UnixMilli()
	mutatePipe := m.client.Pipeline()
	mutateCmds := make(map[int]*redis.Cmd, len(valid))
	for _, i := range valid {
		r := reqs[i]
		ephOnly := m.isEphemeralOnly(r.Entity.EntityType)
		dirtyKey := ""
		if !ephOnly {
			dirtyKey = keygen.DirtyKey(r.Entity)
		}
		ops := buildOps(r.Attributes, r.RankScores)
		opsJSON, err := json.Marshal(ops)
		if err != nil {
			results[i] = SaveResult{Index: i, Success: false, Err: gwerrors.Wrap(gwerrors.ValidationFailed, "failed to encode ops", err)}
			continue
		}
		cmd := mutatePipe.EvalSha(ctx, m.mutateSHA,
			[]string{keygen.Ephemeral(r.Entity, 0), keygen.VersionCounter(r.Entity), keygen.DirtySet},
			boolInt(r.IsCreate), boolInt(r.IsDelete), boolInt(ephOnly), dirtyKey, string(opsJSON), now,
		)
		mutateCmds[i] = cmd
	}
	if _, err := mutatePipe.Exec(ctx); err != nil && !isNoscript(err) {
		return nil, fmt.Errorf("ephemeral mutate pipeline failed: %w", err)
	}

	var toSnapshot []int
	for _, i := range valid {
		cmd, ok := mutateCmds[i]
		if !ok {
			continue // encode failure already recorded
		}
		version, err := cmd.Int64()
		if err != nil {
			results[i] = SaveResult{Index: i, Success: false, Err: gwerrors.Wrap(gwerrors.StoreUnavailable, "mutate script failed", err)}
			continue
		}
		if version < 0 {
			results[i] = SaveResult{Index: i, Success: false, Err: gwerrors.New(gwerrors.DeleteNonexistent, "entity vanished before delete")}
			continue
		}
		results[i] = SaveResult{Index: i, Success: true, Version: version}
		toSnapshot = append(toSnapshot, i)
	}

	m.snapshotAsync(reqs, results, toSnapshot)
	return results, nil
}

// snapshotAsync copies each mutated document to its versioned snapshot key.
// A copy failure does not fail the mutation (spec §4.3.1): it only
// annotates the result with a warning.
func (m *Manager) snapshotAsync(reqs []SaveRequest, results []SaveResult, indices []int) {
	if len(indices) == 0 {
		return
	}
	getPipe := m.client.Pipeline()
	getCmds := make(map[int]*redis.StringCmd, len(indices))
	ctx := context.Background()
	for _, i := range indices {
		getCmds[i] = getPipe.Get(ctx, keygen.Ephemeral(reqs[i].Entity, 0))
	}
	if _, err := getPipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		for _, i := range indices {
			results[i].Warning = "snapshot copy failed: " + err.Error()
		}
		return
	}
	setPipe := m.client.Pipeline()
	for _, i := range indices {
		raw, err := getCmds[i].Result()
		if err != nil {
			results[i].Warning = "snapshot copy failed: " + err.Error()
			continue
		}
		snapKey := keygen.Ephemeral(reqs[i].Entity, results[i].Version)
		setPipe.Set(ctx, snapKey, raw, SnapshotTTL)
	}
	if _, err := setPipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		for _, i := range indices {
			if results[i].Warning == "" {
				results[i].Warning = "snapshot copy failed: " + err.Error()
			}
		}
	}
}

// BatchLoad resolves newest documents, optional versioned-snapshot diffs,
// and stream-affinity ownership in a single pipeline (spec §4.3.2).
func (m *Manager) BatchLoad(ctx context.Context, reqs []LoadRequest) ([]LoadResult, error) {
	results := make([]LoadResult, len(reqs))

	pipe := m.client.Pipeline()
	docCmds := make([]*redis.StringCmd, len(reqs))
	snapCmds := make([]*redis.StringCmd, len(reqs))
	affinityCmds := make([]*redis.StringCmd, len(reqs))
	for i, r := range reqs {
		docCmds[i] = pipe.Get(ctx, keygen.Ephemeral(r.Entity, 0))
		if r.Version > 0 {
			snapCmds[i] = pipe.Get(ctx, keygen.Ephemeral(r.Entity, r.Version))
		}
		affinityCmds[i] = pipe.Get(ctx, keygen.StreamAffinity(keygen.Stream(r.Entity)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ephemeral batch load pipeline failed: %w", err)
	}

	for i, r := range reqs {
		results[i].Index = i
		raw, err := docCmds[i].Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ephemeral load get failed: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("ephemeral document corrupt for %s: %w", keygen.Ephemeral(r.Entity, 0), err)
		}
		if doc.IsDeleted {
			continue
		}
		worldInstanceID, _ := affinityCmds[i].Result()
		doc.WorldInstanceID = worldInstanceID

		if r.Version > 0 {
			if snapRaw, serr := snapCmds[i].Result(); serr == nil {
				var snap Document
				if err := json.Unmarshal([]byte(snapRaw), &snap); err == nil {
					diffDoc := doc
					diffDoc.Attributes = diffutil.Diff(snap.Attributes, doc.Attributes)
					diffDoc.RankScores = diffutil.DiffRankScores(snap.RankScores, doc.RankScores)
					results[i] = LoadResult{Index: i, Document: &diffDoc, IsDiff: true}
					continue
				}
			}
		}
		d := doc
		results[i] = LoadResult{Index: i, Document: &d}
	}
	return results, nil
}

// GetPendingUpdates non-destructively samples up to n dirty-keys (spec §9:
// the correct, non-destructive design, paired with version-fenced flush).
func (m *Manager) GetPendingUpdates(ctx context.Context, n int64) ([]PendingUpdate, error) {
	keys, err := m.client.SRandMemberN(ctx, keygen.DirtySet, n).Result()
	if err != nil {
		return nil, fmt.Errorf("dirty set sample failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	entities := make([]keygen.Entity, 0, len(keys))
	dirtyKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		e, ok := keygen.ParseDirtyKey(k)
		if !ok {
			continue
		}
		entities = append(entities, e)
		dirtyKeys = append(dirtyKeys, k)
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(entities))
	for i, e := range entities {
		cmds[i] = pipe.Get(ctx, keygen.Ephemeral(e, 0))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("dirty resolve pipeline failed: %w", err)
	}

	out := make([]PendingUpdate, 0, len(entities))
	for i, e := range entities {
		raw, err := cmds[i].Result()
		if err == redis.Nil {
			continue // already flushed/gone; worker will just remove the dirty key
		}
		if err != nil {
			return nil, fmt.Errorf("dirty resolve get failed: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		out = append(out, PendingUpdate{DirtyKey: dirtyKeys[i], Entity: e, Document: &doc})
	}
	if depth, err := m.client.SCard(ctx, keygen.DirtySet).Result(); err == nil {
		observability.DirtySetDepth.Set(float64(depth))
	}
	return out, nil
}

// GetPendingCount returns the dirty-set cardinality.
func (m *Manager) GetPendingCount(ctx context.Context) (int64, error) {
	return m.client.SCard(ctx, keygen.DirtySet).Result()
}

// RemoveDirtyKeys removes dirty-keys after a successful durable persistence.
func (m *Manager) RemoveDirtyKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return m.client.SRem(ctx, keygen.DirtySet, members...).Err()
}

// FlushPersistedEntities conditionally deletes each ephemeral document and
// its counter, refusing when a concurrent write advanced the version past
// what was observed at sample time (spec §4.3.3, §9 "version-as-fence").
func (m *Manager) FlushPersistedEntities(ctx context.Context, items []PersistedItem) (flushed []keygen.Entity, err error) {
	if len(items) == 0 {
		return nil, nil
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.Cmd, len(items))
	for i, it := range items {
		cmds[i] = pipe.EvalSha(ctx, m.flushSHA,
			[]string{keygen.Ephemeral(it.Entity, 0), keygen.VersionCounter(it.Entity)},
			it.ObservedVersion,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil && !isNoscript(err) {
		return nil, fmt.Errorf("flush pipeline failed: %w", err)
	}
	for i, it := range items {
		v, cerr := cmds[i].Int64()
		if cerr != nil {
			continue
		}
		if v == 1 {
			flushed = append(flushed, it.Entity)
		} else {
			observability.EntityVersionConflicts.Inc()
		}
	}
	return flushed, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoscript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
