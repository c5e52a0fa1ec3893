package revocation

import (
	"sync"
	"testing"
	"time"
)

func newTestCache(broadcast func(Message)) *Cache {
	return New(Config{
		Retention:     time.Hour,
		SweepInterval: time.Hour,
		Broadcast:     broadcast,
	})
}

func TestRevokeAndLookup(t *testing.T) {
	c := newTestCache(nil)

	if c.IsRevoked("jti-1") {
		t.Error("IsRevoked() true before revocation")
	}

	c.Revoke("jti-1", time.Now().Add(time.Hour))
	if !c.IsRevoked("jti-1") {
		t.Error("IsRevoked() false after revocation")
	}
	if c.IsRevoked("jti-2") {
		t.Error("unrelated jti reported revoked")
	}
}

func TestRevokeBroadcasts(t *testing.T) {
	var mu sync.Mutex
	var messages []Message
	c := newTestCache(func(m Message) {
		mu.Lock()
		messages = append(messages, m)
		mu.Unlock()
	})

	exp := time.Now().Add(time.Hour).UTC()
	c.Revoke("jti-1", exp)

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 1 {
		t.Fatalf("broadcast %d messages, want 1", len(messages))
	}
	if messages[0].JTI != "jti-1" || !messages[0].ExpiresAt.Equal(exp) {
		t.Errorf("broadcast = %+v, want jti-1 / %v", messages[0], exp)
	}
}

func TestApplyDoesNotBroadcast(t *testing.T) {
	calls := 0
	c := newTestCache(func(Message) { calls++ })

	c.Apply("jti-peer", time.Now().Add(time.Hour))
	c.Apply("jti-peer", time.Now().Add(time.Hour)) // idempotent replay

	if calls != 0 {
		t.Errorf("Apply broadcast %d times, want 0", calls)
	}
	if !c.IsRevoked("jti-peer") {
		t.Error("peer revocation not applied")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after replay, want 1", c.Len())
	}
}

func TestExpiredRevocationIgnored(t *testing.T) {
	c := newTestCache(nil)

	c.Apply("jti-old", time.Now().Add(-time.Minute))
	if c.IsRevoked("jti-old") {
		t.Error("revocation for an already-expired token was retained")
	}
}

func TestRevokeBatch(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	c := newTestCache(func(m Message) {
		mu.Lock()
		seen[m.JTI] = true
		mu.Unlock()
	})

	exp := time.Now().Add(time.Hour)
	c.RevokeBatch(map[string]time.Time{
		"jti-a": exp,
		"jti-b": exp,
		"jti-c": exp,
	})

	for _, jti := range []string{"jti-a", "jti-b", "jti-c"} {
		if !c.IsRevoked(jti) {
			t.Errorf("IsRevoked(%q) = false after batch", jti)
		}
		mu.Lock()
		broadcast := seen[jti]
		mu.Unlock()
		if !broadcast {
			t.Errorf("batch revocation %q not broadcast", jti)
		}
	}
}

func TestEntryExpiresWithToken(t *testing.T) {
	c := newTestCache(nil)

	c.Apply("jti-short", time.Now().Add(30*time.Millisecond))
	if !c.IsRevoked("jti-short") {
		t.Fatal("entry missing right after Apply")
	}

	time.Sleep(60 * time.Millisecond)
	if c.IsRevoked("jti-short") {
		t.Error("entry outlived the token expiry")
	}
}
