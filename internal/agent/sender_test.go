package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/snapshot"
)

// fakeServer mimics the data plane. ingestCodes are returned in order; the
// last one repeats.
type fakeServer struct {
	healthCode  int
	ingestCodes []int
	posts       atomic.Int32
	lastAuth    atomic.Value
	lastBody    atomic.Value
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.WriteHeader(f.healthCode)
	case "/api/inventory":
		n := int(f.posts.Add(1))
		f.lastAuth.Store(r.Header.Get("Authorization"))
		var doc map[string]any
		json.NewDecoder(r.Body).Decode(&doc)
		f.lastBody.Store(doc)

		code := f.ingestCodes[len(f.ingestCodes)-1]
		if n <= len(f.ingestCodes) {
			code = f.ingestCodes[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "machine_id": 42})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "nope"})
	default:
		http.NotFound(w, r)
	}
}

func testConfig(url string) *config.Config {
	return &config.Config{
		AgentServerURL:     url,
		AgentIngestPath:    "/api/inventory",
		AgentHealthPath:    "/health",
		AgentTimeout:       5 * time.Second,
		AgentRetryAttempts: 3,
		AgentRetryStep:     time.Millisecond,
		AgentOutboundToken: "agent-key",
	}
}

var sampleDoc = snapshot.Document{"identification": map[string]any{"name": "PC-01"}}

func TestSendSuccess(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusOK, ingestCodes: []int{http.StatusOK}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	id, err := NewSender(testConfig(srv.URL)).Send(context.Background(), sampleDoc)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 42 {
		t.Errorf("machine id = %d", id)
	}
	if got := fs.lastAuth.Load(); got != "Bearer agent-key" {
		t.Errorf("Authorization = %v", got)
	}
	body := fs.lastBody.Load().(map[string]any)
	if body["identification"].(map[string]any)["name"] != "PC-01" {
		t.Errorf("posted body = %v", body)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusOK, ingestCodes: []int{500, 503, 200}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	if _, err := NewSender(testConfig(srv.URL)).Send(context.Background(), sampleDoc); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := fs.posts.Load(); n != 3 {
		t.Errorf("posts = %d, want 3", n)
	}
}

func TestSendGivesUp(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusOK, ingestCodes: []int{500}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	_, err := NewSender(testConfig(srv.URL)).Send(context.Background(), sampleDoc)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		t.Error("a reachable server that fails ingest is not a network outage")
	}
	if n := fs.posts.Load(); n != 3 {
		t.Errorf("posts = %d, want 3", n)
	}
}

func TestSendUnauthorizedIsNotRetried(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusOK, ingestCodes: []int{http.StatusUnauthorized}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	if _, err := NewSender(testConfig(srv.URL)).Send(context.Background(), sampleDoc); err == nil {
		t.Fatal("expected error")
	}
	if n := fs.posts.Load(); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
}

func TestSendHealthFailure(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusServiceUnavailable, ingestCodes: []int{http.StatusOK}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	_, err := NewSender(testConfig(srv.URL)).Send(context.Background(), sampleDoc)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
	if n := fs.posts.Load(); n != 0 {
		t.Errorf("posted %d times despite failed health check", n)
	}
}

func TestSendServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewSender(testConfig(url)).Send(context.Background(), sampleDoc)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func newTestAgent(cfg *config.Config, at time.Time) *Agent {
	c := NewCollectorWith(Section{Name: "identification", Collect: func(context.Context) (any, error) {
		return Identification{Name: "PC-01", Hostname: "pc-01"}, nil
	}})
	c.now = func() time.Time { return at }
	return &Agent{cfg: cfg, collector: c, sender: NewSender(cfg), now: func() time.Time { return at }}
}

func TestRunOnceBacksUpWhenServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.AgentBackupEnabled = false
	cfg.AgentBackupDir = filepath.Join(t.TempDir(), "backups")
	at := time.Date(2026, time.October, 19, 8, 30, 0, 0, time.Local)

	err := newTestAgent(cfg, at).RunOnce(context.Background())
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("err = %v", err)
	}
	want := filepath.Join(cfg.AgentBackupDir, "inventory_backup_PC-01_20261019_083000.json")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("backup not written: %v", err)
	}
}

func TestRunOnceNoBackupOnSuccess(t *testing.T) {
	fs := &fakeServer{healthCode: http.StatusOK, ingestCodes: []int{http.StatusOK}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AgentBackupEnabled = true
	cfg.AgentBackupDir = filepath.Join(t.TempDir(), "backups")

	if err := newTestAgent(cfg, time.Now()).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := os.Stat(cfg.AgentBackupDir); !os.IsNotExist(err) {
		t.Errorf("backup dir created on success: %v", err)
	}
	body := fs.lastBody.Load().(map[string]any)
	if _, ok := body["collection_timestamp"]; !ok {
		t.Error("collection_timestamp missing from posted snapshot")
	}
}
