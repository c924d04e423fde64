package streams

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestDecodeXMessagePrefersEntryID(t *testing.T) {
	xm := redis.XMessage{
		ID: "1234-0",
		Values: map[string]any{
			"entryId": "correlation-abc",
			"body":    `{"kind":"whisper","text":"hi"}`,
			"ts":      "1700000000000",
		},
	}
	msg := decodeXMessage(xm)
	if msg.ID != "correlation-abc" {
		t.Errorf("decodeXMessage().ID = %q, want correlation-abc", msg.ID)
	}
	if msg.Body["kind"] != "whisper" {
		t.Errorf("decodeXMessage().Body = %v, want kind=whisper", msg.Body)
	}
	if msg.Timestamp != 1700000000000 {
		t.Errorf("decodeXMessage().Timestamp = %d, want 1700000000000", msg.Timestamp)
	}
}

func TestDecodeXMessageFallsBackToStreamID(t *testing.T) {
	xm := redis.XMessage{
		ID:     "1234-0",
		Values: map[string]any{"body": `{"kind":"ping"}`},
	}
	msg := decodeXMessage(xm)
	if msg.ID != "1234-0" {
		t.Errorf("decodeXMessage().ID = %q, want 1234-0", msg.ID)
	}
}
