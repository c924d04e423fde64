// Package leader implements the supplemented single-runner coordination
// mode (spec §4.9): an epoch-fenced leader election that, when enabled,
// restricts the background persistence worker to one elected gateway
// instance instead of letting every instance compete for the short-lived
// per-tick lock.
//
// Adapted from the reference control-plane's LeaderElector
// (control_plane/coordination/leader.go): the same ticker-driven
// acquire/renew loop with exponential backoff on error and reset to the
// base interval on success, the same compare-and-extend renewal idiom,
// and an epoch counter bumped on every new election so a stale leader's
// in-flight work can be recognized as superseded. The reference elects
// leadership over agent reconciliation; here it gates Worker.Tick instead.
package leader

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Elector runs the acquire/renew/step-down state machine for one node.
type Elector struct {
	client   *redis.Client
	nodeID   string
	leaseKey string
	epochKey string
	ttl      time.Duration
	interval time.Duration

	mu       sync.RWMutex
	isLeader bool
	epoch    int64

	onElected func()
	onLost    func()
}

func New(client *redis.Client, nodeID string, ttl, interval time.Duration) *Elector {
	return &Elector{
		client:   client,
		nodeID:   nodeID,
		leaseKey: "leader:gateway:lease",
		epochKey: "leader:gateway:epoch",
		ttl:      ttl,
		interval: interval,
	}
}

// SetCallbacks registers hooks fired on election and loss of leadership.
func (e *Elector) SetCallbacks(onElected, onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

// IsLeader reports current leadership status. Worker.SetLeaderGate wires
// this directly as the tick gate.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Epoch returns the election epoch observed when this node last became
// leader, for callers that want to fence stale in-flight work.
func (e *Elector) Epoch() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

// Run drives the election loop until ctx is cancelled, stepping down and
// releasing the lease on exit if currently leading.
func (e *Elector) Run(ctx context.Context) {
	interval := e.interval
	maxInterval := e.interval * 10

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer e.release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				log.Printf("[LEADER] election tick failed: %v", err)
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = e.interval
			}
			ticker.Reset(interval)
		}
	}
}

func (e *Elector) tick(ctx context.Context) error {
	if e.IsLeader() {
		return e.renew(ctx)
	}
	return e.acquire(ctx)
}

func (e *Elector) acquire(ctx context.Context) error {
	ok, err := e.client.SetNX(ctx, e.leaseKey, e.nodeID, e.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	epoch, err := e.client.Incr(ctx, e.epochKey).Result()
	if err != nil {
		return err
	}
	e.becomeLeader(epoch)
	return nil
}

func (e *Elector) renew(ctx context.Context) error {
	res, err := e.client.Eval(ctx, renewScript, []string{e.leaseKey}, e.nodeID, int(e.ttl.Seconds())).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		e.stepDown()
	}
	return nil
}

func (e *Elector) release() {
	if !e.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.client.Eval(ctx, releaseIfOwnedScript, []string{e.leaseKey}, e.nodeID).Err()
	e.stepDown()
}

const releaseIfOwnedScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (e *Elector) becomeLeader(epoch int64) {
	e.mu.Lock()
	e.isLeader = true
	e.epoch = epoch
	e.mu.Unlock()
	log.Printf("[LEADER] %s elected at epoch %d", e.nodeID, epoch)
	if e.onElected != nil {
		e.onElected()
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()
	if wasLeader {
		log.Printf("[LEADER] %s stepped down", e.nodeID)
		if e.onLost != nil {
			e.onLost()
		}
	}
}
