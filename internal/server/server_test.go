package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/terminalsync/internal/config"
	"github.com/user/terminalsync/internal/hub"
	"github.com/user/terminalsync/internal/pty"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server, *hub.Hub) {
	t.Helper()

	cfg := &config.Config{
		Token:      "test-token-123",
		Host:       "127.0.0.1",
		Port:       0,
		MaxClients: 10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := hub.New(hub.Config{
		Store:     pty.NewStore(nil),
		ShellArgv: []string{"cat"},
	})
	t.Cleanup(h.Shutdown)

	s := New(cfg, h, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, h
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestWebSocketAuth(t *testing.T) {
	_, ts, h := newTestServer(t, nil)
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	tests := []struct {
		name   string
		url    string
		header http.Header
		wantOK bool
	}{
		{"valid query token", wsBase + "?token=test-token-123", nil, true},
		{"wrong token", wsBase + "?token=wrong", nil, false},
		{"wrong token same length", wsBase + "?token=test-token-124", nil, false},
		{"missing token", wsBase, nil, false},
		{"bearer header", wsBase, http.Header{"Authorization": {"Bearer test-token-123"}}, true},
		{"wrong bearer", wsBase, http.Header{"Authorization": {"Bearer nope"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, resp, err := websocket.Dial(ctx, tt.url, &websocket.DialOptions{
				HTTPHeader: tt.header,
			})
			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected upgrade, got %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				conn.Close(websocket.StatusNormalClosure, "")
				t.Fatal("expected rejection before upgrade")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
		})
	}

	// No rejected socket ever became a client session.
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after auth failures, got %d", h.ClientCount())
	}
}

func TestTokenEqualConstantTime(t *testing.T) {
	if !tokenEqual([]byte("secret"), []byte("secret")) {
		t.Fatal("equal tokens must match")
	}
	if tokenEqual([]byte("secres"), []byte("secret")) {
		t.Fatal("same-length different tokens must not match")
	}
	if tokenEqual([]byte("short"), []byte("longer-token")) {
		t.Fatal("different-length tokens must not match")
	}
	if tokenEqual(nil, []byte("x")) {
		t.Fatal("empty supplied token must not match")
	}
}

func TestStaticServing(t *testing.T) {
	webRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(webRoot, "index.html"), []byte("<html>ui</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(webRoot, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir assets: %v", err)
	}
	if err := os.WriteFile(filepath.Join(webRoot, "assets", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	// A secret outside the web root that traversal must not reach.
	if err := os.WriteFile(filepath.Join(filepath.Dir(webRoot), "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	srv, ts, _ := newTestServer(t, func(cfg *config.Config) { cfg.WebRoot = webRoot })

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/"); resp.StatusCode != http.StatusOK {
		t.Errorf("GET / expected 200, got %d", resp.StatusCode)
	}
	if resp := get("/assets/app.js"); resp.StatusCode != http.StatusOK {
		t.Errorf("GET asset expected 200, got %d", resp.StatusCode)
	}
	if resp := get("/missing.css"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing expected 404, got %d", resp.StatusCode)
	}

	// The mux normalizes dot segments for real clients; the handler
	// still refuses raw traversal attempts on its own.
	for _, path := range []string{"/../secret.txt", "/assets/../../secret.txt"} {
		rec := httptest.NewRecorder()
		srv.handleStatic(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("traversal %s expected 403, got %d", path, rec.Code)
		}
	}
}

func TestStaticDisabledWithoutWebRoot(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with no web root, got %d", resp.StatusCode)
	}
}
