package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatgate/chatgate/internal/auth"
	"github.com/chatgate/chatgate/internal/captoken"
	"github.com/chatgate/chatgate/internal/config"
	"github.com/chatgate/chatgate/internal/mcp"
	"github.com/chatgate/chatgate/internal/session"
	"github.com/chatgate/chatgate/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.LocalStore, *captoken.Minter) {
	t.Helper()
	settings := &config.Settings{
		Port:       "0",
		UserHeader: "X-User-Email",
		AdminGroup: "admin",
	}
	identity := &auth.Identity{
		Header:     "X-User-Email",
		AdminGroup: "admin",
		GroupChecker: auth.StaticGroups(map[string][]string{
			"root@example.com": {"admin"},
		}),
	}
	objects := store.NewLocalStore()
	minter := captoken.New("web-secret", time.Hour)
	sessions := session.NewManager(time.Minute)
	t.Cleanup(sessions.Close)
	manager := mcp.NewManager("", "", time.Second)

	srv := NewServer(settings, identity, auth.NewLimiter(1000, time.Minute), nil, objects, minter, manager, config.NewCatalog("", ""), sessions)
	return srv, objects, minter
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-Email", user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ── upload / download round trip ──

func TestFiles_UploadDownloadRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	payload := []byte("the report body")
	w := doJSON(t, h, "POST", "/api/files", "alice@example.com", uploadRequest{
		Filename:      "report.pdf",
		ContentBase64: base64.StdEncoding.EncodeToString(payload),
		ContentType:   "application/pdf",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body)
	}
	var info store.ObjectInfo
	json.Unmarshal(w.Body.Bytes(), &info)
	if !strings.HasPrefix(info.Key, "users/alice@example.com/uploads/") {
		t.Fatalf("key = %q", info.Key)
	}

	w = doJSON(t, h, "GET", "/api/files/download/"+info.Key, "alice@example.com", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatalf("download status = %d, body = %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
}

func TestFiles_UploadValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	if w := doJSON(t, h, "POST", "/api/files", "", uploadRequest{Filename: "x", ContentBase64: "QQ=="}); w.Code != http.StatusUnauthorized {
		t.Errorf("no identity: %d", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/files", "u@x.com", uploadRequest{Filename: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing content: %d", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/files", "u@x.com", uploadRequest{Filename: "x", ContentBase64: "!!"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad base64: %d", w.Code)
	}
}

// ── capability-token access ──

func TestDownload_TokenChecks(t *testing.T) {
	srv, objects, minter := newTestServer(t)
	h := srv.Handler()

	info, _ := objects.Upload(context.Background(), "alice@example.com", "secret.txt", []byte("top"), "text/plain", nil, store.SourceUser)
	path := "/api/files/download/" + info.Key

	// Valid token for the right user and key.
	token := minter.Mint("alice@example.com", info.Key)
	w := doJSON(t, h, "GET", path+"?token="+token, "alice@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: %d", w.Code)
	}

	// Token presented by a different identity.
	w = doJSON(t, h, "GET", path+"?token="+token, "bob@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong presenter: %d", w.Code)
	}

	// Flipped signature byte.
	forged := token[:len(token)-1] + flip(token[len(token)-1])
	w = doJSON(t, h, "GET", path+"?token="+forged, "alice@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("forged token: %d", w.Code)
	}

	// Expired token.
	expired := minter.MintUntil("alice@example.com", info.Key, time.Now().Add(-time.Minute))
	w = doJSON(t, h, "GET", path+"?token="+expired, "alice@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expired token: %d", w.Code)
	}

	// Token covering a different key.
	other := minter.Mint("alice@example.com", "users/alice@example.com/uploads/9_zz_other")
	w = doJSON(t, h, "GET", path+"?token="+other, "alice@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("token for other key: %d", w.Code)
	}

	// No token, not the owner.
	w = doJSON(t, h, "GET", path, "bob@example.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-owner without token: %d", w.Code)
	}
}

// ── list / stats / delete ──

func TestFiles_ListStatsDelete(t *testing.T) {
	srv, objects, _ := newTestServer(t)
	h := srv.Handler()

	info, _ := objects.Upload(context.Background(), "u@x.com", "a.txt", []byte("aaa"), "text/plain", nil, store.SourceUser)
	objects.Upload(context.Background(), "u@x.com", "b.png", []byte("bbbb"), "image/png", nil, store.SourceTool)

	w := doJSON(t, h, "GET", "/api/files", "u@x.com", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "a.txt") {
		t.Errorf("list: %d %s", w.Code, w.Body)
	}

	w = doJSON(t, h, "GET", "/api/files/stats", "u@x.com", nil)
	var stats store.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Count != 2 || stats.Uploads != 1 || stats.Generated != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = doJSON(t, h, "DELETE", "/api/files/"+info.Key, "u@x.com", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":true`) {
		t.Errorf("delete: %d %s", w.Code, w.Body)
	}
	w = doJSON(t, h, "DELETE", "/api/files/"+info.Key, "other@x.com", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-user delete: %d", w.Code)
	}
}

// ── rate limiting ──

func TestRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.limiter = auth.NewLimiter(2, time.Minute)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		if w := doJSON(t, h, "GET", "/api/files", "u@x.com", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, w.Code)
		}
	}
	w := doJSON(t, h, "GET", "/api/files", "u@x.com", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

// ── admin surface ──

func TestAdminGate(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	if w := doJSON(t, h, "GET", "/api/admin/health", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: %d", w.Code)
	}
	if w := doJSON(t, h, "GET", "/api/admin/health", "pleb@example.com", nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: %d", w.Code)
	}
	w := doJSON(t, h, "GET", "/api/admin/health", "root@example.com", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sessions") {
		t.Errorf("admin: %d %s", w.Code, w.Body)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
}

func flip(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}
