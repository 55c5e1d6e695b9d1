package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

// ── identity ──

func TestUserFromRequest(t *testing.T) {
	a := &Identity{Header: "X-User-Email"}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-Email", "alice@example.com")
	user, err := a.UserFromRequest(r)
	if err != nil || user != "alice@example.com" {
		t.Fatalf("user = %q, %v", user, err)
	}

	// Query parameters never carry identity.
	r = httptest.NewRequest("GET", "/?user=evil@example.com", nil)
	if _, err := a.UserFromRequest(r); err == nil {
		t.Fatal("identity accepted without header")
	}
}

func TestUserFromRequest_DebugFallback(t *testing.T) {
	a := &Identity{Header: "X-User-Email", Debug: true, DebugUser: "dev@localhost"}
	r := httptest.NewRequest("GET", "/", nil)
	user, err := a.UserFromRequest(r)
	if err != nil || user != "dev@localhost" {
		t.Fatalf("user = %q, %v", user, err)
	}

	a.Debug = false
	if _, err := a.UserFromRequest(r); err == nil {
		t.Fatal("fallback applied outside debug mode")
	}
}

func TestGroups(t *testing.T) {
	a := &Identity{
		AdminGroup: "admin",
		GroupChecker: StaticGroups(map[string][]string{
			"alice@example.com": {"eng", "admin"},
			"bob@example.com":   {"sales"},
		}),
	}

	if !a.IsAdmin("alice@example.com") || a.IsAdmin("bob@example.com") {
		t.Error("admin gate wrong")
	}
	got := a.Groups("alice@example.com", []string{"eng", "sales", "admin"})
	if len(got) != 2 || got[0] != "eng" || got[1] != "admin" {
		t.Errorf("Groups = %v", got)
	}
	if (&Identity{}).InGroup("anyone", "eng") {
		t.Error("membership granted with no checker")
	}
}

func TestOriginAllowed(t *testing.T) {
	allow := []string{"https://app.example.com"}
	if !OriginAllowed("https://app.example.com", allow) {
		t.Error("listed origin rejected")
	}
	if !OriginAllowed("HTTPS://APP.EXAMPLE.COM", allow) {
		t.Error("origin match should be case-insensitive")
	}
	if OriginAllowed("https://evil.example.com", allow) {
		t.Error("unlisted origin accepted")
	}
	if !OriginAllowed("https://anything", nil) {
		t.Error("empty allowlist should disable the check")
	}
}

// ── rate limiting ──

func TestLimiter_WindowCounting(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}
	ok, retry := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request allowed")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retryAfter = %v", retry)
	}

	// Independent keys do not share buckets.
	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Error("fresh key denied")
	}

	// Window expiry resets the counter atomically.
	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Error("request denied after window reset")
	}
}

func TestLimiter_DisabledWhenZero(t *testing.T) {
	l := NewLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(5, time.Second)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(time.Hour)
	l.Allow("fresh")
	l.Prune()

	l.mu.Lock()
	_, oldKept := l.buckets["old"]
	_, freshKept := l.buckets["fresh"]
	l.mu.Unlock()
	if oldKept || !freshKept {
		t.Errorf("prune: old=%v fresh=%v", oldKept, freshKept)
	}
}
