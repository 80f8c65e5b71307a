package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/bridge"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/config"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/logging"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// ─── Mocks ─────────────────────────────────────────────────────────

type mockVendor struct {
	devices []map[string]any
	err     error
}

func (m *mockVendor) ListDevices(context.Context) ([]map[string]any, error) {
	return m.devices, m.err
}

type mockReader struct {
	mu       sync.Mutex
	statuses map[string]device.Status
	err      error
	reads    int
}

func (m *mockReader) Read(_ context.Context, id string) (*device.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.statuses[id]
	if !ok {
		return nil, errors.New("device " + id + " not found")
	}
	return &st, nil
}

func (m *mockReader) setState(id string, state device.PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statuses[id]
	st.State = state
	m.statuses[id] = st
}

type controlCall struct {
	id     string
	action device.PowerState
	source string
}

type mockBridge struct {
	mu        sync.Mutex
	reader    *mockReader
	calls     []controlCall
	err       error
	reloadErr error
	reloads   int
}

func (m *mockBridge) Control(_ context.Context, id string, action device.PowerState, source string) (*bridge.TelemetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, controlCall{id: id, action: action, source: source})
	if m.err != nil {
		return nil, m.err
	}
	if m.reader != nil {
		m.reader.setState(id, action)
	}
	return &bridge.TelemetryRecord{State: action, Online: true, At: 1700000000000}, nil
}

func (m *mockBridge) Reload(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return m.reloadErr
}

func (m *mockBridge) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockDevices struct {
	mode      device.Mode
	ids       []string
	refreshed time.Time
}

func (m *mockDevices) Mode() device.Mode      { return m.mode }
func (m *mockDevices) Snapshot() []string     { return append([]string{}, m.ids...) }
func (m *mockDevices) LastRefresh() time.Time { return m.refreshed }

type mockAudit struct {
	mu     sync.Mutex
	filter audit.Filter
	result *audit.ListResult
	err    error
}

func (m *mockAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	return m.result, m.err
}

type mockChecker struct{ err error }

func (m mockChecker) HealthCheck(context.Context) error { return m.err }

type mockFeed struct {
	mu  sync.Mutex
	fns []func(bridge.TelemetryEvent)
}

func (m *mockFeed) OnTelemetry(fn func(bridge.TelemetryEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, fn)
}

func (m *mockFeed) emit(ev bridge.TelemetryEvent) {
	m.mu.Lock()
	fns := append([]func(bridge.TelemetryEvent){}, m.fns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ─── Fixture ───────────────────────────────────────────────────────

type fixture struct {
	srv     *Server
	router  http.Handler
	vendor  *mockVendor
	reader  *mockReader
	bridge  *mockBridge
	devices *mockDevices
	store   *store.MemoryStore
	audit   *mockAudit
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

func testDeps() Deps {
	return Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:  testLogger(),
		Paths:   store.NewPaths("meg"),
		Version: "test",
	}
}

// newFixture builds a server around mocks. mutate may adjust the deps
// before New is called.
func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()

	temp := 21.5
	f := &fixture{
		vendor: &mockVendor{devices: []map[string]any{
			{"deviceid": "X1", "name": "Pump", "online": true},
			{"deviceid": "X2", "name": "Lamp", "online": false},
		}},
		reader: &mockReader{statuses: map[string]device.Status{
			"X1": {DeviceID: "X1", Name: "Pump", State: device.PowerOff, Temperature: &temp, Online: true},
		}},
		devices: &mockDevices{mode: device.ModeDiscovery, ids: []string{"X1", "X2"}},
		store:   store.NewMemory(),
		audit:   &mockAudit{result: &audit.ListResult{Logs: []audit.AuditLog{}, Limit: 50}},
	}
	f.bridge = &mockBridge{reader: f.reader}
	t.Cleanup(func() { f.store.Close() }) //nolint:errcheck // test cleanup

	deps := testDeps()
	deps.Vendor = f.vendor
	deps.Reader = f.reader
	deps.Bridge = f.bridge
	deps.Devices = f.devices
	deps.Store = f.store
	deps.Audit = f.audit
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.srv = srv
	f.router = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[Error](t, w).Error
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	full := func() Deps {
		d := testDeps()
		d.Vendor = &mockVendor{}
		d.Reader = &mockReader{}
		d.Bridge = &mockBridge{}
		d.Devices = &mockDevices{}
		d.Store = store.NewMemory()
		return d
	}

	tests := []struct {
		name  string
		clear func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"vendor", func(d *Deps) { d.Vendor = nil }},
		{"reader", func(d *Deps) { d.Reader = nil }},
		{"bridge", func(d *Deps) { d.Bridge = nil }},
		{"devices", func(d *Deps) { d.Devices = nil }},
		{"store", func(d *Deps) { d.Store = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := full()
			tt.clear(&d)
			if _, err := New(d); err == nil {
				t.Errorf("New() without %s succeeded", tt.name)
			}
		})
	}

	if _, err := New(full()); err != nil {
		t.Errorf("New() with all deps error = %v", err)
	}
}

func TestNew_DefaultPaths(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Paths = store.Paths{} })
	if f.srv.paths.TelemetryFor("X1") != "/meg/telemetry/X1" {
		t.Errorf("TelemetryFor = %q", f.srv.paths.TelemetryFor("X1"))
	}
}

// ─── Root, Health, System ──────────────────────────────────────────

func TestRoot(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["service"] != "eWeLink bridge is running" {
		t.Errorf("response = %v", resp)
	}
	if resp["mode"] != "discovery" || resp["monitored"] != float64(2) {
		t.Errorf("mode/monitored = %v/%v", resp["mode"], resp["monitored"])
	}
	if _, ok := resp["last_refresh"]; ok {
		t.Errorf("last_refresh = %v before any refresh, want absent", resp["last_refresh"])
	}
}

func TestRoot_LastRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.devices.refreshed = time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("BRT", -3*3600))

	resp := decode[map[string]any](t, f.do(t, http.MethodGet, "/", "", nil))
	if resp["last_refresh"] != "2026-03-01T12:30:00Z" {
		t.Errorf("last_refresh = %v, want 2026-03-01T12:30:00Z", resp["last_refresh"])
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus string
	}{
		{"no checks", nil, http.StatusOK, "ok"},
		{
			"all healthy",
			map[string]HealthChecker{"mqtt": mockChecker{}, "database": mockChecker{}},
			http.StatusOK, "ok",
		},
		{
			"one failing",
			map[string]HealthChecker{"mqtt": mockChecker{err: errors.New("not connected")}, "database": mockChecker{}},
			http.StatusServiceUnavailable, "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(d *Deps) { d.Checks = tt.checks })

			w := f.do(t, http.MethodGet, "/health", "", nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			resp := decode[HealthResponse](t, w)
			if resp.Status != tt.wantStatus || resp.Version != "test" {
				t.Errorf("response = %+v", resp)
			}
			if len(resp.Components) != len(tt.checks) {
				t.Errorf("components = %v", resp.Components)
			}
			if tt.wantStatus == "degraded" && resp.Components["mqtt"].Error != "not connected" {
				t.Errorf("mqtt component = %+v", resp.Components["mqtt"])
			}
		})
	}
}

func TestSystem(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/system", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[SystemMetrics](t, w)
	if resp.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
	if resp.Devices.Mode != device.ModeDiscovery || resp.Devices.Monitored != 2 {
		t.Errorf("devices = %+v", resp.Devices)
	}
}

func TestMetrics(t *testing.T) {
	t.Run("served from gatherer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "megbridge_test_total", Help: "test"})
		reg.MustRegister(counter)
		counter.Inc()

		f := newFixture(t, func(d *Deps) { d.Gatherer = reg })
		w := f.do(t, http.MethodGet, "/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "megbridge_test_total 1") {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("absent without gatherer", func(t *testing.T) {
		f := newFixture(t, nil)
		if w := f.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

// ─── Middleware ────────────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/", "", nil)
	id := w.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID: %v", id, err)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/", "", http.Header{"X-Request-Id": {"client-123"}})
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantHeader string
	}{
		{"any origin by default", nil, "http://panel.local", "http://panel.local"},
		{"listed origin", []string{"http://panel.local"}, "http://panel.local", "http://panel.local"},
		{"unlisted origin", []string{"http://panel.local"}, "http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = tt.allowed })

			w := f.do(t, http.MethodOptions, "/api/device/X1/on", "", http.Header{"Origin": {tt.origin}})
			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantHeader)
			}
			if f.bridge.callCount() != 0 {
				t.Error("preflight reached the handler")
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if msg := errorMessage(t, w); msg != "internal server error" {
		t.Errorf("error = %q", msg)
	}
}

func TestBodySizeLimit(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"state":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := f.do(t, http.MethodPost, "/api/device/X1/toggle", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if f.bridge.callCount() != 0 {
		t.Error("oversized body reached the bridge")
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if msg := errorMessage(t, w); msg == "" {
		t.Error("error message is empty")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/device/X1/on", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/devices", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	devices := decode[[]map[string]any](t, w)
	if len(devices) != 2 || devices[1]["deviceid"] != "X2" {
		t.Errorf("devices = %v", devices)
	}
}

func TestListDevices_VendorError(t *testing.T) {
	f := newFixture(t, nil)
	f.vendor.err = errors.New("ewelink: device fetch failed: timeout")

	w := f.do(t, http.MethodGet, "/api/devices", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if msg := errorMessage(t, w); msg != "ewelink: device fetch failed: timeout" {
		t.Errorf("error = %q", msg)
	}
}

func TestDeviceStatus(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/device/X1/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st := decode[device.Status](t, w)
	if st.DeviceID != "X1" || st.State != device.PowerOff || st.Temperature == nil || *st.Temperature != 21.5 {
		t.Errorf("status = %+v", st)
	}

	w = f.do(t, http.MethodGet, "/api/device/NOPE/status", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("unknown device status = %d, want 500", w.Code)
	}
}

func TestPowerRoutes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantAction device.PowerState
	}{
		{"on", "/api/device/X1/on", "", device.PowerOn},
		{"off", "/api/device/X1/off", "", device.PowerOff},
		{"toggle on", "/api/device/X1/toggle", `{"state":"on"}`, device.PowerOn},
		{"toggle off upper", "/api/device/X1/toggle", `{"state":"OFF"}`, device.PowerOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			w := f.do(t, http.MethodPost, tt.path, tt.body, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
			}

			f.bridge.mu.Lock()
			calls := append([]controlCall{}, f.bridge.calls...)
			f.bridge.mu.Unlock()
			want := controlCall{id: "X1", action: tt.wantAction, source: audit.SourceHTTP}
			if len(calls) != 1 || calls[0] != want {
				t.Errorf("calls = %+v, want [%+v]", calls, want)
			}

			resp := decode[controlResponse](t, w)
			if !resp.OK || resp.DeviceID != "X1" {
				t.Errorf("response = %+v", resp)
			}
			if resp.Status == nil || resp.Status.State != tt.wantAction {
				t.Errorf("re-read status = %+v, want state %s", resp.Status, tt.wantAction)
			}
		})
	}
}

func TestToggle_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "on"},
		{"empty body", ""},
		{"unknown state", `{"state":"blink"}`},
		{"padded state", `{"state":" on "}`},
		{"missing state", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			w := f.do(t, http.MethodPost, "/api/device/X1/toggle", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if errorMessage(t, w) == "" {
				t.Error("error message is empty")
			}
			if f.bridge.callCount() != 0 {
				t.Error("bad input reached the bridge")
			}
		})
	}
}

func TestControl_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"vendor failure", errors.New("bridge: command failed: ewelink: timeout"), http.StatusInternalServerError},
		{"invalid command", device.ErrInvalidCommand, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.bridge.err = tt.err

			w := f.do(t, http.MethodPost, "/api/device/X1/on", "", nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if msg := errorMessage(t, w); msg != tt.err.Error() {
				t.Errorf("error = %q, want %q", msg, tt.err.Error())
			}
			if f.reader.reads != 0 {
				t.Errorf("reads = %d after failed command, want 0", f.reader.reads)
			}
		})
	}
}

func TestControl_ReReadFails(t *testing.T) {
	f := newFixture(t, nil)
	f.bridge.reader = nil
	f.reader.err = errors.New("status unavailable")

	w := f.do(t, http.MethodPost, "/api/device/X1/off", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if f.bridge.callCount() != 1 {
		t.Errorf("bridge calls = %d, want 1", f.bridge.callCount())
	}
}

func TestDeviceTelemetry(t *testing.T) {
	f := newFixture(t, nil)
	rec := bridge.TelemetryRecord{State: device.PowerOn, Online: true, At: 1700000000000}
	if err := f.store.Set(context.Background(), "/meg/telemetry/X1", rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/device/X1/telemetry", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[bridge.TelemetryRecord](t, w)
	if got.State != device.PowerOn || !got.Online || got.At != rec.At {
		t.Errorf("telemetry = %+v", got)
	}

	w = f.do(t, http.MethodGet, "/api/device/X9/telemetry", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing telemetry status = %d, want 404", w.Code)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/reload", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["ok"] != true || resp["mode"] != "discovery" {
		t.Errorf("response = %v", resp)
	}
	if ids, _ := resp["devices"].([]any); len(ids) != 2 {
		t.Errorf("devices = %v", resp["devices"])
	}
	if f.bridge.reloads != 1 {
		t.Errorf("reloads = %d, want 1", f.bridge.reloads)
	}

	f.bridge.reloadErr = errors.New("list failed")
	w = f.do(t, http.MethodPost, "/api/reload", "", nil)
	if w.Code != http.StatusInternalServerError || errorMessage(t, w) != "list failed" {
		t.Errorf("failed reload = %d %s", w.Code, w.Body.String())
	}
}

// ─── Auth ──────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	valid, err := SignToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	otherKey, _ := SignToken("another-secret-entirely-and-long-enough", "ops", time.Minute)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "ops",
	}).SignedString([]byte(testSecret))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name     string
		authz    string
		wantCode int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.token", http.StatusUnauthorized},
		{"wrong key", "Bearer " + otherKey, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"other algorithm", "Bearer " + hs512, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

			header := http.Header{}
			if tt.authz != "" {
				header.Set("Authorization", tt.authz)
			}
			for _, path := range []string{"/api/device/X1/on", "/api/reload"} {
				w := f.do(t, http.MethodPost, path, "", header)
				if w.Code != tt.wantCode {
					t.Errorf("%s status = %d, want %d", path, w.Code, tt.wantCode)
				}
				if tt.wantCode == http.StatusUnauthorized && errorMessage(t, w) == "" {
					t.Errorf("%s: empty error message", path)
				}
			}
		})
	}
}

func TestAuth_ReadRoutesOpen(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

	for _, path := range []string{"/", "/health", "/api/devices", "/api/device/X1/status"} {
		if w := f.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestAuth_NoSecretIsOpen(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do(t, http.MethodPost, "/api/device/X1/on", "", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a secret", w.Code)
	}
}

func TestSignToken(t *testing.T) {
	if _, err := SignToken("", "ops", time.Minute); err == nil {
		t.Error("SignToken with empty secret succeeded")
	}

	raw, err := SignToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	subject, err := validateToken(raw, testSecret)
	if err != nil || subject != "ops" {
		t.Errorf("validateToken = %q, %v", subject, err)
	}
}

// ─── Audit ─────────────────────────────────────────────────────────

func TestListAuditLogs(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.result = &audit.ListResult{
		Logs: []audit.AuditLog{{
			ID: "aud-1", DeviceID: "X1", Action: "on",
			Source: audit.SourceInbox, Outcome: audit.OutcomeSuccess, Attempts: 1,
		}},
		Total: 1, Limit: 10,
	}

	w := f.do(t, http.MethodGet, "/api/audit?device_id=X1&source=inbox&outcome=success&limit=10&offset=5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := audit.Filter{DeviceID: "X1", Source: "inbox", Outcome: "success", Limit: 10, Offset: 5}
	if f.audit.filter != want {
		t.Errorf("filter = %+v, want %+v", f.audit.filter, want)
	}
	resp := decode[audit.ListResult](t, w)
	if resp.Total != 1 || len(resp.Logs) != 1 || resp.Logs[0].ID != "aud-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestListAuditLogs_Errors(t *testing.T) {
	t.Run("bad limit", func(t *testing.T) {
		f := newFixture(t, nil)
		if w := f.do(t, http.MethodGet, "/api/audit?limit=ten", "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("repository error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.audit.err = errors.New("disk I/O error")
		if w := f.do(t, http.MethodGet, "/api/audit", "", nil); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) { d.Audit = nil })
		if w := f.do(t, http.MethodGet, "/api/audit", "", nil); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_StartRelaysTelemetry(t *testing.T) {
	feed := &mockFeed{}
	f := newFixture(t, func(d *Deps) { d.Telemetry = feed })

	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start succeeded")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.srv.Close() //nolint:errcheck // test cleanup

	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start = %v", err)
	}

	client := newFeedClient(f.srv.Hub(), nil, nil)
	f.srv.Hub().add(client)

	feed.emit(bridge.TelemetryEvent{DeviceID: "X1", Record: bridge.TelemetryRecord{State: device.PowerOn}})

	select {
	case msg := <-client.send:
		var frame feedFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type != frameTelemetry || frame.Event == nil || frame.Event.DeviceID != "X1" {
			t.Errorf("frame = %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for telemetry frame")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestHub_PublishFiltersByDevice(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())

	all := newFeedClient(hub, nil, nil)
	onlyX2 := newFeedClient(hub, nil, []string{"X2"})
	hub.add(all)
	hub.add(onlyX2)

	received := func(c *feedClient) string {
		t.Helper()
		select {
		case msg := <-c.send:
			var frame feedFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			return frame.Event.DeviceID
		case <-time.After(50 * time.Millisecond):
			return ""
		}
	}

	hub.Publish(bridge.TelemetryEvent{DeviceID: "X1"})
	if got := received(all); got != "X1" {
		t.Errorf("unfiltered client got %q, want X1", got)
	}
	if got := received(onlyX2); got != "" {
		t.Errorf("X2 client got %q, want nothing", got)
	}

	hub.Publish(bridge.TelemetryEvent{DeviceID: "X2"})
	if got := received(all); got != "X2" {
		t.Errorf("unfiltered client got %q, want X2", got)
	}
	if got := received(onlyX2); got != "X2" {
		t.Errorf("X2 client got %q, want X2", got)
	}
}

func TestHub_SlowClientDropsFrames(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	slow := &feedClient{hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}
	hub.add(slow)

	hub.Publish(bridge.TelemetryEvent{DeviceID: "X1"})
	hub.Publish(bridge.TelemetryEvent{DeviceID: "X2"})

	if len(slow.send) != 1 {
		t.Fatalf("queued = %d, want 1", len(slow.send))
	}
	var frame feedFrame
	if err := json.Unmarshal(<-slow.send, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event.DeviceID != "X1" {
		t.Errorf("kept frame for %q, want the first one", frame.Event.DeviceID)
	}
}

func TestHub_DefaultsAndCount(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	if hub.cfg.MaxMessageSize != defaultWSMaxMessageSize || hub.cfg.PingInterval != defaultWSPingInterval || hub.cfg.PongTimeout != defaultWSPongTimeout {
		t.Errorf("cfg = %+v", hub.cfg)
	}

	client := newFeedClient(hub, nil, nil)
	hub.add(client)
	if hub.ClientCount() != 1 {
		t.Errorf("count = %d, want 1", hub.ClientCount())
	}
	hub.remove(client)
	hub.remove(client)
	if hub.ClientCount() != 0 {
		t.Errorf("count = %d, want 0", hub.ClientCount())
	}
	if client.enqueue([]byte("x")) {
		t.Error("enqueue after remove succeeded")
	}
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := newFeedClient(hub, nil, nil)
	hub.add(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-client.done:
	default:
		t.Error("client not stopped")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("count = %d, want 0", hub.ClientCount())
	}
}

func TestFeedClient_Watch(t *testing.T) {
	tests := []struct {
		name    string
		devices []string
		want    []string
	}{
		{"nil watches all", nil, nil},
		{"blank entries only", []string{"", "  "}, nil},
		{"trimmed and sorted", []string{" X2", "X1 ", "", "X2"}, []string{"X1", "X2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFeedClient(nil, nil, tt.devices)
			got := c.watching()
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || (got == nil) != (tt.want == nil) {
				t.Errorf("watching() = %#v, want %#v", got, tt.want)
			}
			if tt.want == nil && !c.wants("anything") {
				t.Error("unfiltered client rejected a device")
			}
			for _, id := range tt.want {
				if !c.wants(id) {
					t.Errorf("wants(%q) = false", id)
				}
			}
			if tt.want != nil && c.wants("X9") {
				t.Error("filtered client accepted X9")
			}
		})
	}
}

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", url, err, resp)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for f.srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestWebSocket_TelemetryFeed(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f, "?devices=X1")

	f.srv.Hub().Publish(bridge.TelemetryEvent{DeviceID: "X2"})
	f.srv.Hub().Publish(bridge.TelemetryEvent{
		DeviceID: "X1",
		Record:   bridge.TelemetryRecord{State: device.PowerOff, Online: true, At: 42},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	var frame feedFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != frameTelemetry || frame.Event == nil || frame.Event.DeviceID != "X1" || frame.Event.Record.At != 42 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestWebSocket_Protocol(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f, "")

	read := func() feedFrame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
		var in feedFrame
		if err := conn.ReadJSON(&in); err != nil {
			t.Fatalf("read: %v", err)
		}
		return in
	}
	exchange := func(out feedFrame) feedFrame {
		t.Helper()
		if err := conn.WriteJSON(out); err != nil {
			t.Fatalf("write: %v", err)
		}
		return read()
	}

	resp := exchange(feedFrame{Type: requestWatch, ID: "w1", Devices: []string{"X2", " ", "X1"}})
	if resp.Type != frameWatching || resp.ID != "w1" || strings.Join(resp.Devices, ",") != "X1,X2" {
		t.Errorf("watch response = %+v", resp)
	}

	resp = exchange(feedFrame{Type: requestPing, ID: "p1"})
	if resp.Type != framePong || resp.ID != "p1" {
		t.Errorf("ping response = %+v", resp)
	}

	resp = exchange(feedFrame{Type: "dance", ID: "d1"})
	if resp.Type != frameError || resp.ID != "d1" || resp.Error == "" {
		t.Errorf("unknown type response = %+v", resp)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp = read(); resp.Type != frameError {
		t.Errorf("invalid JSON response = %+v", resp)
	}

	resp = exchange(feedFrame{Type: requestWatch, ID: "w2"})
	if resp.Type != frameWatching || resp.ID != "w2" || len(resp.Devices) != 0 {
		t.Errorf("watch-all response = %+v", resp)
	}
}
