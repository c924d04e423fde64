// Package streams implements the Stream Manager (spec §4.6): an
// append-only per-entity message log backed by native Redis Streams, plus
// a short-lived world-instance affinity marker used to keep a puller
// sticky to one consumer across repeated pulls.
//
// Grounded on the reference control-plane's RedisStore pipelining idiom
// (control_plane/store/redis.go) generalized from single-key GET/SET to
// XADD/XRANGE, with github.com/google/uuid minting the correlation id
// carried on each entry.
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/observability"
)

// Message is one entry appended to or pulled from an entity's stream.
type Message struct {
	ID        string         `json:"id"`
	Body      map[string]any `json:"body"`
	Timestamp int64          `json:"timestamp"`
}

// SendRequest is one element of a batch append.
type SendRequest struct {
	Entity keygen.Entity
	Body   map[string]any
}

// SendResult is the per-command outcome of a batch append.
type SendResult struct {
	Index     int
	MessageID string
	Err       error
}

// PullRequest is one element of a batch pull.
type PullRequest struct {
	Entity          keygen.Entity
	WorldInstanceID string
	Timestamp       string // caller-supplied XRANGE start; "" means "-" (the beginning)
	Count           int    // max entries returned; <=0 means the default of 1000
}

// PullResult is the per-command outcome of a batch pull.
type PullResult struct {
	Index           int
	WorldInstanceID string // current affinity owner after this pull
	Messages        []Message
	Err             error
}

// StreamUpdate is one change event emitted internally by an entity
// mutation (spec §4.6 batchAddToStreams), distinct from a client-submitted
// SendRequest.
type StreamUpdate struct {
	Entity  keygen.Entity
	Payload map[string]any
}

// defaultPullCount is the "count" default when a recv command omits it.
const defaultPullCount = 1000

// Manager is the Stream Manager.
type Manager struct {
	client      *redis.Client
	affinityTTL time.Duration
	maxLen      int64
}

// MaxStreamLen bounds each entity's stream with Redis' approximate
// MAXLEN trimming so an abandoned entity cannot grow a log unboundedly.
const MaxStreamLen = 10000

func New(client *redis.Client, affinityTTL time.Duration) *Manager {
	return &Manager{client: client, affinityTTL: affinityTTL, maxLen: MaxStreamLen}
}

// BatchSend appends one entry per request to each entity's stream in a
// single pipeline, preserving submission order in the result slice.
func (m *Manager) BatchSend(ctx context.Context, reqs []SendRequest) ([]SendResult, error) {
	results := make([]SendResult, len(reqs))
	pipe := m.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(reqs))

	for i, r := range reqs {
		bodyJSON, err := json.Marshal(r.Body)
		if err != nil {
			results[i] = SendResult{Index: i, Err: fmt.Errorf("encode message body: %w", err)}
			continue
		}
		entryID := uuid.NewString()
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: keygen.Stream(r.Entity),
			MaxLen: m.maxLen,
			Approx: true,
			Values: map[string]any{
				"entryId": entryID,
				"body":    string(bodyJSON),
				"ts":      time.Now().UnixMilli(),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stream send pipeline failed: %w", err)
	}
	for i := range reqs {
		if cmds[i] == nil {
			continue
		}
		id, err := cmds[i].Result()
		if err != nil {
			results[i] = SendResult{Index: i, Err: err}
			continue
		}
		results[i] = SendResult{Index: i, MessageID: id}
		observability.StreamAppends.Inc()
	}
	return results, nil
}

// BatchPull reads each entity's stream from the caller's timestamp (default
// the beginning) up to count entries (default 1000) and records
// world-instance affinity, without advancing a consumer-group cursor: the
// gateway's streams are replayable logs, not queues (spec §4.6).
func (m *Manager) BatchPull(ctx context.Context, reqs []PullRequest) ([]PullResult, error) {
	results := make([]PullResult, len(reqs))

	affinityPipe := m.client.Pipeline()
	affinityCmds := make([]*redis.StringCmd, len(reqs))
	for i, r := range reqs {
		affinityCmds[i] = affinityPipe.Get(ctx, keygen.StreamAffinity(keygen.Stream(r.Entity)))
	}
	if _, err := affinityPipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stream affinity probe failed: %w", err)
	}

	readPipe := m.client.Pipeline()
	readCmds := make([]*redis.XMessageSliceCmd, len(reqs))
	for i, r := range reqs {
		start := r.Timestamp
		if start == "" {
			start = "-"
		}
		count := r.Count
		if count <= 0 {
			count = defaultPullCount
		}
		readCmds[i] = readPipe.XRangeN(ctx, keygen.Stream(r.Entity), start, "+", int64(count))
	}
	if _, err := readPipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stream pull pipeline failed: %w", err)
	}

	affinityWrites := m.client.Pipeline()
	for i, r := range reqs {
		raw, err := readCmds[i].Result()
		if err != nil && err != redis.Nil {
			results[i] = PullResult{Index: i, Err: err}
			continue
		}
		msgs := make([]Message, 0, len(raw))
		for _, xm := range raw {
			msgs = append(msgs, decodeXMessage(xm))
		}

		owner, _ := affinityCmds[i].Result()
		effectiveOwner := r.WorldInstanceID
		if owner == "" || owner == r.WorldInstanceID {
			affinityWrites.Set(ctx, keygen.StreamAffinity(keygen.Stream(r.Entity)), r.WorldInstanceID, m.affinityTTL)
		} else {
			effectiveOwner = owner
			observability.StreamAffinityRetained.Inc()
		}
		results[i] = PullResult{Index: i, WorldInstanceID: effectiveOwner, Messages: msgs}
		observability.StreamPulls.Inc()
	}
	if _, err := affinityWrites.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stream affinity update failed: %w", err)
	}
	return results, nil
}

// BatchAddToStreams emits change events from entity mutations, appended in
// update order in a single pipeline; it waits for the pipeline and returns
// its error, and the Durable manager calls it fire-and-forget (spec §4.6
// batchAddToStreams).
func (m *Manager) BatchAddToStreams(ctx context.Context, updates []StreamUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, u := range updates {
		payloadJSON, err := json.Marshal(u.Payload)
		if err != nil {
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: keygen.Stream(u.Entity),
			MaxLen: m.maxLen,
			Approx: true,
			Values: map[string]any{
				"entryId": uuid.NewString(),
				"body":    string(payloadJSON),
				"ts":      time.Now().UnixMilli(),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("stream change-event pipeline failed: %w", err)
	}
	return nil
}

func decodeXMessage(xm redis.XMessage) Message {
	m := Message{ID: xm.ID}
	if bodyRaw, ok := xm.Values["body"].(string); ok {
		_ = json.Unmarshal([]byte(bodyRaw), &m.Body)
	}
	if entryID, ok := xm.Values["entryId"].(string); ok && entryID != "" {
		m.ID = entryID
	}
	switch ts := xm.Values["ts"].(type) {
	case string:
		var n int64
		fmt.Sscanf(ts, "%d", &n)
		m.Timestamp = n
	}
	return m
}
