package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/events"
	"github.com/vesaa/inventra/internal/models"
	"github.com/vesaa/inventra/internal/store"
)

const (
	testAgentToken = "agent-key"
	testJWTSecret  = "test-secret"
)

var fixedNow = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type testEnv struct {
	srv   *Server
	store *store.Store
	pub   *recordingPublisher
	ctrl  *gin.Engine
	data  *gin.Engine
	jwt   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		DBDriver:        "sqlite",
		DBPath:          filepath.Join(t.TempDir(), "inventra.db"),
		HeartbeatWindow: 5 * time.Minute,
		JWTSecret:       testJWTSecret,
		AgentToken:      testAgentToken,
		AdminUser:       "admin",
		AdminPass:       "s3cret",
	}
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pub := &recordingPublisher{}
	srv := New(cfg, st, pub)
	srv.now = func() time.Time { return fixedNow }

	tok, err := srv.auth.GenerateJWT("admin")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return &testEnv{srv: srv, store: st, pub: pub, ctrl: srv.ControlEngine(), data: srv.DataEngine(), jwt: tok}
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func (e *testEnv) ingest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return do(e.data, http.MethodPost, "/api/inventory", body, map[string]string{"Authorization": "Bearer " + testAgentToken})
}

func (e *testEnv) control(method, path string) *httptest.ResponseRecorder {
	return do(e.ctrl, method, path, "", map[string]string{"Authorization": "Bearer " + e.jwt})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return out
}

func TestIngestScenario(t *testing.T) {
	e := newTestEnv(t)

	w := e.ingest(t, `{"identification":{"name":"PC-01"},"memory":{"total_gb":16},"disks":[{"size_gb":500},{"size_gb":0}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body)
	}
	first := decode[map[string]any](t, w)
	if first["success"] != true {
		t.Fatalf("success = %v", first["success"])
	}

	w = e.ingest(t, `{"identification":{"name":"PC-01"},"memory":{"total_gb":32}}`)
	second := decode[map[string]any](t, w)
	if second["machine_id"] != first["machine_id"] {
		t.Errorf("machine_id changed: %v -> %v", first["machine_id"], second["machine_id"])
	}
	e.ingest(t, `{"identification":{"name":"PC-02"}}`)

	w = e.control(http.MethodGet, "/api/machines")
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", w.Code, w.Body)
	}
	views := decode[[]models.MachineView](t, w)
	if len(views) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(views))
	}

	if got := len(e.pub.events); got != 3 {
		t.Errorf("published %d events, want 3", got)
	}
	if e.pub.events[0].Type != events.MachineUpserted || e.pub.events[0].RequestID == "" {
		t.Errorf("unexpected event: %+v", e.pub.events[0])
	}
}

func TestIngestNormalizedFields(t *testing.T) {
	e := newTestEnv(t)
	w := e.ingest(t, `{"identification":{"name":"PC-01"},"memory":{"total_gb":16},"disks":[{"size_gb":500},{"size_gb":0}]}`)
	id := decode[map[string]any](t, w)["machine_id"].(float64)

	w = e.control(http.MethodGet, "/api/machines/"+jsonNumber(id))
	if w.Code != http.StatusOK {
		t.Fatalf("detail status %d: %s", w.Code, w.Body)
	}
	v := decode[models.MachineView](t, w)
	if v.RAM != "16 GB" || v.Storage != "500 GB" || len(v.Software) != 0 {
		t.Errorf("unexpected view: ram=%q storage=%q software=%v", v.RAM, v.Storage, v.Software)
	}
	if v.Software == nil {
		t.Error("software should be an empty list, not null")
	}
	if v.User != models.NotAvailable || v.IP != models.NotAvailable {
		t.Errorf("sentinels missing: user=%q ip=%q", v.User, v.IP)
	}
	if v.ReferenceMonth != "2026-10" {
		t.Errorf("reference_month = %q", v.ReferenceMonth)
	}
}

func TestStatusFlags(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"identification":{"name":"fresh"},"collection_timestamp":"2026-10-19T11:58:00Z"}`)
	e.ingest(t, `{"identification":{"name":"idle"},"collection_timestamp":"2026-10-19T11:54:00Z"}`)
	e.ingest(t, `{"identification":{"name":"lastyear"},"collection_timestamp":"2025-10-19T11:59:00Z"}`)

	views := decode[[]models.MachineView](t, e.control(http.MethodGet, "/api/machines"))
	byName := map[string]models.MachineView{}
	for _, v := range views {
		byName[v.MachineName] = v
	}

	cases := []struct {
		name      string
		online    bool
		compliant bool
	}{
		{"fresh", true, true},
		{"idle", false, true},
		{"lastyear", false, false},
	}
	for _, tc := range cases {
		v, ok := byName[tc.name]
		if !ok {
			t.Fatalf("%s missing from listing", tc.name)
		}
		if v.Online != tc.online || v.InCompliance != tc.compliant {
			t.Errorf("%s: online=%v compliant=%v, want %v %v", tc.name, v.Online, v.InCompliance, tc.online, tc.compliant)
		}
	}
	if views[0].MachineName != "fresh" {
		t.Errorf("listing not ordered by last_seen: first = %s", views[0].MachineName)
	}
}

func TestIngestMalformed(t *testing.T) {
	e := newTestEnv(t)
	for _, body := range []string{"", "not json", "{}", "[1,2,3]"} {
		w := e.ingest(t, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status %d, got %d", body, http.StatusBadRequest, w.Code)
			continue
		}
		resp := decode[map[string]any](t, w)
		if resp["success"] != false || resp["error"] == "" {
			t.Errorf("body %q: unexpected response %v", body, resp)
		}
	}
	machines, _ := e.store.List(context.Background())
	if len(machines) != 0 {
		t.Errorf("malformed ingests created %d rows", len(machines))
	}
}

func TestIngestAuth(t *testing.T) {
	e := newTestEnv(t)
	body := `{"identification":{"name":"PC-01"}}`

	if w := do(e.data, http.MethodPost, "/api/inventory", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", w.Code)
	}
	if w := do(e.data, http.MethodPost, "/api/inventory", body, map[string]string{"Authorization": "Bearer nope"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d", w.Code)
	}
	if w := do(e.data, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health should not need a token: status %d", w.Code)
	}
}

func TestAuthDisabledWhenTokenEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.srv.auth = NewAuth("", "", "admin", "s3cret")
	data := e.srv.DataEngine()
	ctrl := e.srv.ControlEngine()

	if w := do(data, http.MethodPost, "/api/inventory", `{"identification":{"name":"PC-01"}}`, nil); w.Code != http.StatusOK {
		t.Errorf("ingest without auth: status %d", w.Code)
	}
	if w := do(ctrl, http.MethodGet, "/api/machines", "", nil); w.Code != http.StatusOK {
		t.Errorf("list without auth: status %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	w := do(e.ctrl, http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", w.Code)
	}

	w = do(e.ctrl, http.MethodPost, "/api/login", `{"username":"admin","password":"s3cret"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", w.Code, w.Body)
	}
	tok, _ := decode[map[string]any](t, w)["token"].(string)
	if tok == "" {
		t.Fatal("no token returned")
	}

	if w := do(e.ctrl, http.MethodGet, "/api/machines", "", map[string]string{"Authorization": "Bearer " + tok}); w.Code != http.StatusOK {
		t.Errorf("issued token rejected: status %d", w.Code)
	}
	if w := do(e.ctrl, http.MethodGet, "/api/machines", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status %d", w.Code)
	}
	if w := do(e.ctrl, http.MethodGet, "/api/machines", "", map[string]string{"Authorization": "Token " + tok}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme: status %d", w.Code)
	}
	forged, _ := NewAuth("other-secret", "", "", "").GenerateJWT("admin")
	if w := do(e.ctrl, http.MethodGet, "/api/machines", "", map[string]string{"Authorization": "Bearer " + forged}); w.Code != http.StatusUnauthorized {
		t.Errorf("foreign signature: status %d", w.Code)
	}
}

func TestDetailErrors(t *testing.T) {
	e := newTestEnv(t)

	w := e.control(http.MethodGet, "/api/machines/999")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing machine: status %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["success"] != false {
		t.Errorf("unexpected body %v", resp)
	}

	if w := e.control(http.MethodGet, "/api/machines/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", w.Code)
	}
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"identification":{"name":"keep"}}`)
	w := e.ingest(t, `{"identification":{"name":"retired"},"collection_timestamp":"2026-10-09T12:00:00Z"}`)
	id := jsonNumber(decode[map[string]any](t, w)["machine_id"].(float64))

	w = e.control(http.MethodDelete, "/api/machines/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Success        bool                  `json:"success"`
		DeletedMachine models.DeletedMachine `json:"deleted_machine"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.DeletedMachine.MachineName != "retired" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.DeletedMachine.DaysInactive != 10 {
		t.Errorf("days_inactive = %d, want 10", resp.DeletedMachine.DaysInactive)
	}

	if w := e.control(http.MethodDelete, "/api/machines/"+id); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d", w.Code)
	}
	if w := e.control(http.MethodDelete, "/api/machines/4242"); w.Code != http.StatusNotFound {
		t.Errorf("nonexistent delete: status %d", w.Code)
	}

	views := decode[[]models.MachineView](t, e.control(http.MethodGet, "/api/machines"))
	if len(views) != 1 || views[0].MachineName != "keep" {
		t.Errorf("listing after delete = %+v", views)
	}

	last := e.pub.events[len(e.pub.events)-1]
	if last.Type != events.MachineDeleted || last.MachineName != "retired" {
		t.Errorf("last event = %+v", last)
	}
}

func TestStorageUnavailable(t *testing.T) {
	e := newTestEnv(t)
	e.store.Close()

	if w := e.control(http.MethodGet, "/api/machines"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("list: status %d", w.Code)
	}
	if w := e.ingest(t, `{"identification":{"name":"PC-01"}}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ingest: status %d", w.Code)
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	w := e.ingest(t, `{"identification":{"name":"PC-01"}}`)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
	w = do(e.data, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "abc-123"})
	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("caller request id not kept: %q", got)
	}

	w = do(e.data, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `inventra_ingest_total{result="ok"} 1`) {
		t.Errorf("ingest counter missing from metrics output")
	}
}

func TestDashboardServed(t *testing.T) {
	e := newTestEnv(t)
	w := do(e.ctrl, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<title>Inventra</title>") {
		t.Errorf("dashboard: status %d", w.Code)
	}
	if w := do(e.ctrl, http.MethodGet, "/api/unknown", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown api path: status %d", w.Code)
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(uint(f))
	return string(b)
}
