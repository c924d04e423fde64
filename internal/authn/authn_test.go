package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/redis/go-redis/v9"
)

// fakeSeqStore is an in-memory stand-in for SequenceStore.
type fakeSeqStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeSeqStore() *fakeSeqStore {
	return &fakeSeqStore{values: make(map[string]int64)}
}

func (f *fakeSeqStore) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(formatInt(v))
	return cmd
}

func (f *fakeSeqStore) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value.(int64)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func formatInt(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sealFor encrypts plaintext from sender to recipient under a nonce whose
// leading 8 bytes are the LE-encoded sequence number, mirroring the wire
// layout a gateway client produces (spec §4.1 step 2).
func sealFor(t *testing.T, senderPriv, recipientPub *[32]byte, plaintext []byte, sequence int64) (nonceB64, ciphertextB64 string) {
	t.Helper()
	var nonce [24]byte
	if _, err := rand.Read(nonce[8:]); err != nil {
		t.Fatalf("rand.Read(nonce tail) error = %v", err)
	}
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(sequence))
	ciphertext := box.Seal(nil, plaintext, &nonce, recipientPub, senderPriv)
	return base64.StdEncoding.EncodeToString(nonce[:]), base64.StdEncoding.EncodeToString(ciphertext)
}

func newTestAdmitter(t *testing.T) (admitter *Admitter, senderPubB64 string, senderPriv, recipientPub *[32]byte) {
	t.Helper()
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("box.GenerateKey(sender) error = %v", err)
	}
	recipientPubKey, recipientPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("box.GenerateKey(recipient) error = %v", err)
	}
	senderPubB64 = base64.StdEncoding.EncodeToString(senderPub[:])
	admitter, err = New(senderPubB64, base64.StdEncoding.EncodeToString(recipientPriv[:]), newFakeSeqStore(), 5*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return admitter, senderPubB64, senderPriv, recipientPubKey
}

func TestAdmitAcceptsValidPayload(t *testing.T) {
	admitter, senderPubB64, senderPriv, recipientPub := newTestAdmitter(t)

	nonceB64, ciphertextB64 := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 1)
	plaintext, gwErr := admitter.Admit(context.Background(), Payload{
		WorldInstanceID: "world-instance-1",
		AuthB64:         senderPubB64,
		NonceB64:        nonceB64,
		CiphertextB64:   ciphertextB64,
	})
	if gwErr != nil {
		t.Fatalf("Admit() error = %v", gwErr)
	}
	if string(plaintext) != "world-instance-1" {
		t.Errorf("Admit() plaintext = %q, want world-instance-1", plaintext)
	}
}

func TestAdmitRejectsTamperedCiphertext(t *testing.T) {
	admitter, senderPubB64, senderPriv, recipientPub := newTestAdmitter(t)

	nonceB64, ciphertextB64 := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 1)
	tampered := []byte(ciphertextB64)
	tampered[0] ^= 0x01
	_, gwErr := admitter.Admit(context.Background(), Payload{
		WorldInstanceID: "world-instance-1",
		AuthB64:         senderPubB64,
		NonceB64:        nonceB64,
		CiphertextB64:   string(tampered),
	})
	if gwErr == nil {
		t.Fatalf("Admit() with tampered ciphertext succeeded, want error")
	}
}

func TestAdmitRejectsNonMonotonicSequence(t *testing.T) {
	admitter, senderPubB64, senderPriv, recipientPub := newTestAdmitter(t)

	nonceB64a, ciphertextB64a := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 5)
	if _, gwErr := admitter.Admit(context.Background(), Payload{WorldInstanceID: "world-instance-1", AuthB64: senderPubB64, NonceB64: nonceB64a, CiphertextB64: ciphertextB64a}); gwErr != nil {
		t.Fatalf("Admit() first call error = %v", gwErr)
	}

	nonceB64b, ciphertextB64b := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 5)
	_, gwErr := admitter.Admit(context.Background(), Payload{WorldInstanceID: "world-instance-1", AuthB64: senderPubB64, NonceB64: nonceB64b, CiphertextB64: ciphertextB64b})
	if gwErr == nil {
		t.Fatalf("Admit() with repeated sequence succeeded, want AUTH_BAD_SEQUENCE")
	}
	if gwErr.Code != "AUTH_BAD_SEQUENCE" {
		t.Errorf("Admit() err.Code = %s, want AUTH_BAD_SEQUENCE", gwErr.Code)
	}
}

func TestAdmitRejectsMismatchedWorldInstance(t *testing.T) {
	admitter, senderPubB64, senderPriv, recipientPub := newTestAdmitter(t)

	nonceB64, ciphertextB64 := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 1)
	_, gwErr := admitter.Admit(context.Background(), Payload{
		WorldInstanceID: "a-different-instance",
		AuthB64:         senderPubB64,
		NonceB64:        nonceB64,
		CiphertextB64:   ciphertextB64,
	})
	if gwErr == nil || gwErr.Code != "AUTH_BAD_TOKEN" {
		t.Fatalf("Admit() with mismatched world instance = %v, want AUTH_BAD_TOKEN", gwErr)
	}
}

func TestAdmitRejectsMismatchedAuth(t *testing.T) {
	admitter, _, senderPriv, recipientPub := newTestAdmitter(t)
	wrongPub, _, _ := box.GenerateKey(rand.Reader)

	nonceB64, ciphertextB64 := sealFor(t, senderPriv, recipientPub, []byte("world-instance-1"), 1)
	_, gwErr := admitter.Admit(context.Background(), Payload{
		WorldInstanceID: "world-instance-1",
		AuthB64:         base64.StdEncoding.EncodeToString(wrongPub[:]),
		NonceB64:        nonceB64,
		CiphertextB64:   ciphertextB64,
	})
	if gwErr == nil || gwErr.Code != "AUTH_BAD_TOKEN" {
		t.Fatalf("Admit() with mismatched auth = %v, want AUTH_BAD_TOKEN", gwErr)
	}
}
