// Package durable implements the Durable Entity Manager (spec §4.4): the
// cross-session source of truth backed by Postgres, fed by the background
// persistence worker draining the ephemeral dirty set, and read through
// the hybrid cache for search/rank/top queries.
//
// Grounded on the reference control-plane's PostgresStore (control_plane/store/postgres.go):
// the same pgxpool.Pool construction knobs (MaxConns, MinConns, MaxConnLifetime,
// HealthCheckPeriod), the same ON CONFLICT DO UPDATE upsert idiom generalized
// from a fixed agent/state/job row to an environment/type/id/world entity
// row, and the reconciler's fire-and-forget-with-own-timeout pattern
// (control_plane/reconciler.go: go r.publishEventAsync(...)), here one
// goroutine per task tracked by a WaitGroup, with a synchronous test-drain
// hook.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/worldgate/internal/cache"
	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/observability"
	"github.com/itskum47/worldgate/internal/streams"
	"github.com/itskum47/worldgate/internal/validate"
)

const (
	searchCacheTTL = 5 * time.Minute
	rankCacheTTL   = 15 * time.Minute
	scoreCacheTTL  = 10 * time.Minute

	upsertChunkSize = 150
)

// NewPool constructs the pgxpool.Pool the Manager requires, tuned the same
// way the reference control-plane tunes its PostgresStore pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	return pool, nil
}

// Document is a durable entity row's value.
type Document struct {
	Entity     keygen.Entity
	Attributes map[string]any
	RankScores map[string]any
	Version    int64
	IsDeleted  bool
	UpdatedAt  time.Time
}

// UpsertItem is one entity handed to BatchUpsert by the background worker.
type UpsertItem struct {
	Entity     keygen.Entity
	Attributes map[string]any
	RankScores map[string]any
	Version    int64
	IsDeleted  bool
}

// UpsertResult is the per-item outcome of BatchUpsert.
type UpsertResult struct {
	Entity  keygen.Entity
	Success bool
	Err     error
}

// LoadRequest is one element of a batch load.
type LoadRequest struct {
	Entity keygen.Entity
}

// LoadResult is the per-command outcome of a batch load.
type LoadResult struct {
	Index    int
	Document *Document // nil if absent or tombstoned
}

// StreamEnqueuer is the subset of *streams.Manager the Durable Entity
// Manager needs to emit change events after a successful upsert (spec
// §4.4.2, §4.6 batchAddToStreams).
type StreamEnqueuer interface {
	BatchAddToStreams(ctx context.Context, updates []streams.StreamUpdate) error
}

// Manager is the Durable Entity Manager.
type Manager struct {
	pool    *pgxpool.Pool
	cache   *cache.Cache
	streams StreamEnqueuer

	wg          sync.WaitGroup
	synchronous bool // test hook: run fire-and-forget work inline
}

func New(pool *pgxpool.Pool, c *cache.Cache, streamEnqueuer StreamEnqueuer) *Manager {
	return &Manager{pool: pool, cache: c, streams: streamEnqueuer}
}

// SetSynchronous forces fire-and-forget side effects (cache invalidation
// and stream event emission) to run inline. Tests use this to
// assert on post-persistence state without racing a goroutine.
func (m *Manager) SetSynchronous(synchronous bool) {
	m.synchronous = synchronous
}

// Drain blocks until every in-flight fire-and-forget task completes. Tests
// call this after a batch operation instead of sleeping.
func (m *Manager) Drain() {
	m.wg.Wait()
}

func (m *Manager) fireAndForget(fn func()) {
	if m.synchronous {
		fn()
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// BatchUpsert persists full entity documents (the worker's view of each
// ephemeral document at dirty-sample time) in chunks of at most
// upsertChunkSize, each chunk in its own transaction. Cache invalidation
// and stream event emission for persisted entities both run fire-and-forget
// per spec §4.4.2.
func (m *Manager) BatchUpsert(ctx context.Context, items []UpsertItem) ([]UpsertResult, error) {
	results := make([]UpsertResult, len(items))
	merged := mergeByIdentity(items)

	for start := 0; start < len(merged); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(merged) {
			end = len(merged)
		}
		chunk := merged[start:end]

		start := time.Now()
		err := m.upsertChunk(ctx, chunk)
		observability.DurableUpsertLatency.Observe(time.Since(start).Seconds())

		var fingerprints []string
		var streamUpdates []streams.StreamUpdate
		for _, it := range chunk {
			idx := it.originalIndex
			if err != nil {
				results[idx] = UpsertResult{Entity: it.Entity, Success: false, Err: err}
				continue
			}
			results[idx] = UpsertResult{Entity: it.Entity, Success: true}
			fingerprints = append(fingerprints, keygen.EntityFingerprint(it.Entity.EntityType, it.Entity.EntityID))
			streamUpdates = append(streamUpdates, it.UpsertItem.streamUpdate())
		}
		if err == nil && len(fingerprints) > 0 {
			m.fireAndForget(func() {
				invCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				m.cache.InvalidateEntities(invCtx, fingerprints)
			})
		}
		if err == nil && m.streams != nil && len(streamUpdates) > 0 {
			m.fireAndForget(func() {
				streamCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if serr := m.streams.BatchAddToStreams(streamCtx, streamUpdates); serr != nil {
					observability.DurableStreamEnqueueFailures.Inc()
				}
			})
		}
	}

	// A position folded into a later write for the same identity shares
	// that write's outcome.
	byKey := make(map[string]UpsertResult, len(merged))
	for _, it := range merged {
		byKey[keygen.Ephemeral(it.Entity, 0)] = results[it.originalIndex]
	}
	for i, it := range items {
		results[i] = byKey[keygen.Ephemeral(it.Entity, 0)]
	}
	return results, nil
}

// streamUpdate builds the change-event payload a successful upsert emits,
// filtering out validate.NullMarker sentinels (spec §4.6: "NULL_MARKER
// values MUST be filtered out of emitted payloads") and collapsing a
// delete into the documented {deleted:true} shape.
func (it UpsertItem) streamUpdate() streams.StreamUpdate {
	if it.IsDeleted {
		return streams.StreamUpdate{Entity: it.Entity, Payload: map[string]any{"deleted": true}}
	}
	payload := map[string]any{}
	if attrs := filterNullMarkers(it.Attributes); len(attrs) > 0 {
		payload["attributes"] = attrs
	}
	if ranks := filterNullMarkers(it.RankScores); len(ranks) > 0 {
		payload["rankScores"] = ranks
	}
	return streams.StreamUpdate{Entity: it.Entity, Payload: payload}
}

func filterNullMarkers(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if validate.IsNullMarker(v) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			filtered := filterNullMarkers(nested)
			if len(filtered) > 0 {
				out[k] = filtered
			}
			continue
		}
		out[k] = v
	}
	return out
}

type mergedItem struct {
	UpsertItem
	originalIndex int
}

// mergeByIdentity collapses multiple requests for the same identity within
// one batch into the last write, per spec §4.4.2 ("merge concurrent writes
// to the same identity"); the merged item keeps the last write's original
// index, and BatchUpsert copies each identity's outcome to every position
// that named it.
func mergeByIdentity(items []UpsertItem) []mergedItem {
	order := make([]string, 0, len(items))
	byKey := make(map[string]mergedItem, len(items))
	for i, it := range items {
		key := keygen.Ephemeral(it.Entity, 0)
		if _, exists := byKey[key]; !exists {
			order = append(order, key)
		}
		byKey[key] = mergedItem{UpsertItem: it, originalIndex: i}
	}
	out := make([]mergedItem, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func (m *Manager) upsertChunk(ctx context.Context, chunk []mergedItem) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin durable upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, it := range chunk {
		attrsJSON, err := json.Marshal(it.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes for %s: %w", it.Entity.EntityID, err)
		}
		ranksJSON, err := json.Marshal(it.RankScores)
		if err != nil {
			return fmt.Errorf("encode rank scores for %s: %w", it.Entity.EntityID, err)
		}
		batch.Queue(`
			INSERT INTO entities (environment, entity_type, entity_id, world_id, attributes, rank_scores, version, is_deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, now())
			ON CONFLICT (environment, entity_type, entity_id, world_id)
			DO UPDATE SET
				attributes = EXCLUDED.attributes,
				rank_scores = EXCLUDED.rank_scores,
				version = GREATEST(entities.version, EXCLUDED.version),
				is_deleted = EXCLUDED.is_deleted,
				updated_at = now()
			WHERE entities.version <= EXCLUDED.version
		`, it.Entity.Environment, it.Entity.EntityType, it.Entity.EntityID, it.Entity.WorldID,
			string(attrsJSON), string(ranksJSON), it.Version, it.IsDeleted)
	}

	br := tx.SendBatch(ctx, batch)
	for range chunk {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("durable upsert batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("durable upsert batch close: %w", err)
	}
	return tx.Commit(ctx)
}

// BatchLoad resolves entities cache-first, falling back to a single
// bulk SELECT grouped by (entityType, worldId) for every cache miss
// (spec §4.4.1).
func (m *Manager) BatchLoad(ctx context.Context, reqs []LoadRequest) ([]LoadResult, error) {
	results := make([]LoadResult, len(reqs))

	cacheKeys := make([]string, len(reqs))
	for i, r := range reqs {
		cacheKeys[i] = keygen.Cache(r.Entity, 0)
	}
	cached := m.cache.MGet(ctx, cacheKeys)

	type missGroup struct {
		entityType string
		worldID    int64
	}
	misses := make(map[missGroup][]int)
	for i, r := range reqs {
		if raw, ok := cached[cacheKeys[i]]; ok {
			var doc Document
			if err := json.Unmarshal(raw, &doc); err == nil {
				if !doc.IsDeleted {
					d := doc
					results[i] = LoadResult{Index: i, Document: &d}
				}
				continue
			}
		}
		g := missGroup{r.Entity.EntityType, r.Entity.WorldID}
		misses[g] = append(misses[g], i)
	}

	for g, indices := range misses {
		ids := make([]string, len(indices))
		env := reqs[indices[0]].Entity.Environment
		for j, idx := range indices {
			ids[j] = reqs[idx].Entity.EntityID
		}
		rows, err := m.pool.Query(ctx, `
			SELECT entity_id, attributes, rank_scores, version, is_deleted, updated_at
			FROM entities
			WHERE environment = $1 AND entity_type = $2 AND world_id = $3 AND entity_id = ANY($4)
		`, env, g.entityType, g.worldID, ids)
		if err != nil {
			return nil, fmt.Errorf("durable batch load query: %w", err)
		}
		byID := make(map[string]Document, len(indices))
		for rows.Next() {
			var (
				entityID  string
				attrsJSON []byte
				ranksJSON []byte
				version   int64
				isDeleted bool
				updatedAt time.Time
			)
			if err := rows.Scan(&entityID, &attrsJSON, &ranksJSON, &version, &isDeleted, &updatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("durable batch load scan: %w", err)
			}
			doc := Document{
				Entity:    keygen.Entity{Environment: env, EntityType: g.entityType, EntityID: entityID, WorldID: g.worldID},
				Version:   version,
				IsDeleted: isDeleted,
				UpdatedAt: updatedAt,
			}
			_ = json.Unmarshal(attrsJSON, &doc.Attributes)
			_ = json.Unmarshal(ranksJSON, &doc.RankScores)
			byID[entityID] = doc
		}
		rows.Close()

		var cacheEntries []cache.Entry
		for _, idx := range indices {
			doc, found := byID[reqs[idx].Entity.EntityID]
			if !found {
				continue
			}
			if doc.IsDeleted {
				continue
			}
			d := doc
			results[idx] = LoadResult{Index: idx, Document: &d}
			if raw, err := json.Marshal(doc); err == nil {
				cacheEntries = append(cacheEntries, cache.Entry{
					Key:   keygen.Cache(doc.Entity, 0),
					Value: raw,
					Deps:  []string{keygen.EntityFingerprint(doc.Entity.EntityType, doc.Entity.EntityID)},
				})
			}
		}
		if len(cacheEntries) > 0 {
			m.cache.MSet(ctx, cacheEntries, 0)
		}
	}
	return results, nil
}

// SearchByName finds up to limit entities of entityType whose name
// attribute matches a case-insensitive substring (spec §4.4.3).
func (m *Manager) SearchByName(ctx context.Context, env, entityType string, worldID int64, namePattern string, limit int) ([]Document, error) {
	cacheKey := keygen.Search(env, entityType, worldID, namePattern, limit)
	if raw, ok := m.cache.Get(ctx, cacheKey); ok {
		var docs []Document
		if err := json.Unmarshal(raw, &docs); err == nil {
			return docs, nil
		}
	}

	rows, err := m.pool.Query(ctx, `
		SELECT entity_id, attributes, rank_scores, version, is_deleted, updated_at
		FROM entities
		WHERE environment = $1 AND entity_type = $2 AND world_id = $3
		  AND is_deleted = false
		  AND attributes ->> 'name' ILIKE '%' || $4 || '%'
		ORDER BY entity_id
		LIMIT $5
	`, env, entityType, worldID, namePattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search by name query: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			entityID  string
			attrsJSON []byte
			ranksJSON []byte
			version   int64
			isDeleted bool
			updatedAt time.Time
		)
		if err := rows.Scan(&entityID, &attrsJSON, &ranksJSON, &version, &isDeleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("search by name scan: %w", err)
		}
		doc := Document{
			Entity:    keygen.Entity{Environment: env, EntityType: entityType, EntityID: entityID, WorldID: worldID},
			Version:   version,
			IsDeleted: isDeleted,
			UpdatedAt: updatedAt,
		}
		_ = json.Unmarshal(attrsJSON, &doc.Attributes)
		_ = json.Unmarshal(ranksJSON, &doc.RankScores)
		docs = append(docs, doc)
	}

	if raw, err := json.Marshal(docs); err == nil {
		m.cache.Set(ctx, cacheKey, raw, searchCacheTTL, nil)
	}
	return docs, nil
}

// GetRankedEntities returns up to limit entities ordered by scoreType's
// partition value (spec §4.4.3).
func (m *Manager) GetRankedEntities(ctx context.Context, env, entityType string, worldID int64, scoreType, partition string, sortOrder string, limit int) ([]Document, error) {
	order, err := validate.SortOrder(sortOrder)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid sort order", err)
	}
	rankKey := scoreType + ":" + partition
	cacheKey := keygen.Rankings(keygen.Entity{Environment: env, EntityType: entityType, WorldID: worldID}, rankKey, order, limit)
	if raw, ok := m.cache.Get(ctx, cacheKey); ok {
		var docs []Document
		if err := json.Unmarshal(raw, &docs); err == nil {
			return docs, nil
		}
	}

	query := fmt.Sprintf(`
		SELECT entity_id, attributes, rank_scores, version, is_deleted, updated_at
		FROM entities
		WHERE environment = $1 AND entity_type = $2 AND world_id = $3
		  AND is_deleted = false
		  AND rank_scores -> $4 ? $5
		ORDER BY (rank_scores -> $4 ->> $5)::float8 %s
		LIMIT $6
	`, order)
	rows, err := m.pool.Query(ctx, query, env, entityType, worldID, scoreType, partition, limit)
	if err != nil {
		return nil, fmt.Errorf("ranked entities query: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			entityID  string
			attrsJSON []byte
			ranksJSON []byte
			version   int64
			isDeleted bool
			updatedAt time.Time
		)
		if err := rows.Scan(&entityID, &attrsJSON, &ranksJSON, &version, &isDeleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("ranked entities scan: %w", err)
		}
		doc := Document{
			Entity:    keygen.Entity{Environment: env, EntityType: entityType, EntityID: entityID, WorldID: worldID},
			Version:   version,
			IsDeleted: isDeleted,
			UpdatedAt: updatedAt,
		}
		_ = json.Unmarshal(attrsJSON, &doc.Attributes)
		_ = json.Unmarshal(ranksJSON, &doc.RankScores)
		docs = append(docs, doc)
	}

	if raw, err := json.Marshal(docs); err == nil {
		m.cache.Set(ctx, cacheKey, raw, rankCacheTTL, nil)
	}
	return docs, nil
}

// RankInfo is the result of CalculateEntityRank (spec §4.4.3, scenario S5):
// Score and Rank are both nil when the entity holds no score for the given
// scoreType/partition, rather than misreporting a top rank via a SQL NULL
// comparison.
type RankInfo struct {
	Score         *float64 `json:"score"`
	Rank          *int64   `json:"rank"`
	TotalEntities int64    `json:"totalEntities"`
}

// CalculateEntityRank returns entity's 1-based dense-from-top rank within
// scoreType's partition, counting strictly-better scores ahead of it, and
// the partition's total entity count (spec §4.4.3).
func (m *Manager) CalculateEntityRank(ctx context.Context, e keygen.Entity, scoreType, partition, sortOrder string) (RankInfo, error) {
	order, err := validate.SortOrder(sortOrder)
	if err != nil {
		return RankInfo{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid sort order", err)
	}
	rankKey := scoreType + ":" + partition + ":" + order
	cacheKey := keygen.Rank(e, rankKey)
	if raw, ok := m.cache.Get(ctx, cacheKey); ok {
		var info RankInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			return info, nil
		}
	}

	var total int64
	if err := m.pool.QueryRow(ctx, `
		SELECT count(*) FROM entities
		WHERE environment = $1 AND entity_type = $2 AND world_id = $3
		  AND is_deleted = false AND rank_scores -> $4 ? $5
	`, e.Environment, e.EntityType, e.WorldID, scoreType, partition).Scan(&total); err != nil {
		return RankInfo{}, fmt.Errorf("calculate entity rank total: %w", err)
	}

	var score *float64
	err = m.pool.QueryRow(ctx, `
		SELECT (rank_scores -> $4 ->> $5)::float8 FROM entities
		WHERE environment = $1 AND entity_type = $2 AND world_id = $3 AND entity_id = $6
		  AND is_deleted = false AND rank_scores -> $4 ? $5
	`, e.Environment, e.EntityType, e.WorldID, scoreType, partition, e.EntityID).Scan(&score)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return RankInfo{}, fmt.Errorf("calculate entity rank score: %w", err)
	}

	info := RankInfo{TotalEntities: total}
	if score != nil {
		cmp := ">"
		if order == "ASC" {
			cmp = "<"
		}
		query := fmt.Sprintf(`
			SELECT count(*) + 1 FROM entities
			WHERE environment = $1 AND entity_type = $2 AND world_id = $3
			  AND is_deleted = false AND rank_scores -> $4 ? $5
			  AND (rank_scores -> $4 ->> $5)::float8 %s $6
		`, cmp)
		var rank int64
		if err := m.pool.QueryRow(ctx, query, e.Environment, e.EntityType, e.WorldID, scoreType, partition, *score).Scan(&rank); err != nil {
			return RankInfo{}, fmt.Errorf("calculate entity rank: %w", err)
		}
		info.Score = score
		info.Rank = &rank
	}

	if raw, err := json.Marshal(info); err == nil {
		m.cache.Set(ctx, cacheKey, raw, scoreCacheTTL, nil)
	}
	return info, nil
}
