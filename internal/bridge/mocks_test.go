package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/influxdb"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

var errVendor = errors.New("vendor unavailable")

// sequence records the order of side effects across mocks.
type sequence struct {
	mu    sync.Mutex
	steps []string
}

func (s *sequence) add(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *sequence) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *sequence) count(step string) int {
	n := 0
	for _, got := range s.snapshot() {
		if got == step {
			n++
		}
	}
	return n
}

// mockVendor implements PowerSwitcher, device.DeviceGetter and
// device.DeviceLister over an in-memory set of device records.
type mockVendor struct {
	mu       sync.Mutex
	seq      *sequence
	records  map[string]map[string]any
	getErr   map[string]error
	setErr   error
	setFails int // remaining SetPowerState calls that fail
	delay    time.Duration

	inFlight    map[string]int
	maxInFlight int
}

func newMockVendor(seq *sequence) *mockVendor {
	return &mockVendor{
		seq:      seq,
		records:  make(map[string]map[string]any),
		getErr:   make(map[string]error),
		inFlight: make(map[string]int),
	}
}

func (v *mockVendor) addDevice(id, power string, temp float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[id] = map[string]any{
		"deviceid": id,
		"online":   true,
		"params": map[string]any{
			"switch":             power,
			"currentTemperature": temp,
		},
	}
}

func (v *mockVendor) EnsureSession(context.Context) error { return nil }

func (v *mockVendor) ListDevices(context.Context) ([]map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]map[string]any, 0, len(v.records))
	for _, r := range v.records {
		out = append(out, r)
	}
	return out, nil
}

func (v *mockVendor) GetDevice(_ context.Context, id string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.getErr[id]; err != nil {
		return nil, err
	}
	r, ok := v.records[id]
	if !ok {
		return nil, fmt.Errorf("device %s not found", id)
	}
	return cloneRecord(r), nil
}

func cloneRecord(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, val := range r {
		if params, ok := val.(map[string]any); ok {
			p := make(map[string]any, len(params))
			for pk, pv := range params {
				p[pk] = pv
			}
			val = p
		}
		out[k] = val
	}
	return out
}

func (v *mockVendor) SetPowerState(_ context.Context, id, state string) error {
	v.mu.Lock()
	v.inFlight[id]++
	if v.inFlight[id] > v.maxInFlight {
		v.maxInFlight = v.inFlight[id]
	}
	delay := v.delay
	v.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.inFlight[id]--
	v.seq.add("power:" + id + ":" + state)

	if v.setFails > 0 {
		v.setFails--
		return errVendor
	}
	if v.setErr != nil {
		return v.setErr
	}
	if r, ok := v.records[id]; ok {
		r["params"].(map[string]any)["switch"] = state
	} else {
		v.records[id] = map[string]any{"deviceid": id, "params": map[string]any{"switch": state}}
	}
	return nil
}

// recordingStore wraps a MemoryStore and logs every write.
type recordingStore struct {
	*store.MemoryStore
	seq     *sequence
	mu      sync.Mutex
	failSet map[string]error
	failFor map[string]int
}

func newRecordingStore(seq *sequence) *recordingStore {
	return &recordingStore{
		MemoryStore: store.NewMemory(),
		seq:         seq,
		failSet:     make(map[string]error),
		failFor:     make(map[string]int),
	}
}

func (s *recordingStore) Set(ctx context.Context, path string, value any) error {
	s.seq.add("store:" + path)
	s.mu.Lock()
	err := s.failSet[path]
	if err != nil && s.failFor[path] > 0 {
		s.failFor[path]--
		if s.failFor[path] == 0 {
			delete(s.failSet, path)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, path, value)
}

func (s *recordingStore) failWrites(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet[path] = err
}

// failNextWrites fails the next n writes to path, then lets writes through.
func (s *recordingStore) failNextWrites(path string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet[path] = err
	s.failFor[path] = n
}

type mockAudit struct {
	mu   sync.Mutex
	logs []audit.AuditLog
}

func (a *mockAudit) Create(_ context.Context, log *audit.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, *log)
	return nil
}

func (a *mockAudit) snapshot() []audit.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.AuditLog(nil), a.logs...)
}

type mockStats struct {
	mu       sync.Mutex
	sweeps   []influxdb.SweepStats
	commands []influxdb.CommandStats
}

func (s *mockStats) WriteSweep(st influxdb.SweepStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, st)
}

func (s *mockStats) WriteCommand(st influxdb.CommandStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, st)
}

// fixture wires a Bridge over mocks with a real registry and status reader.
type fixture struct {
	seq      *sequence
	vendor   *mockVendor
	store    *recordingStore
	registry *device.Registry
	audit    *mockAudit
	stats    *mockStats
	paths    store.Paths
	bridge   *Bridge
}

func newFixture(t *testing.T, rawIDs string, retry RetryPolicy) *fixture {
	t.Helper()
	seq := &sequence{}
	f := &fixture{
		seq:    seq,
		vendor: newMockVendor(seq),
		store:  newRecordingStore(seq),
		audit:  &mockAudit{},
		stats:  &mockStats{},
		paths:  store.NewPaths("meg"),
	}
	f.registry = device.NewRegistry(f.vendor, rawIDs)

	b, err := New(Options{
		Vendor:          f.vendor,
		Reader:          device.NewStatusReader(f.vendor),
		Registry:        f.registry,
		Store:           f.store,
		Paths:           f.paths,
		PollInterval:    time.Hour,
		RefreshInterval: time.Hour,
		Retry:           retry,
		Audit:           f.audit,
		Stats:           f.stats,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.bridge = b
	return f
}

// start runs the bridge until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(f.bridge.Stop)
}

// startReconciler runs only the command reconciler until the test ends.
func (f *fixture) startReconciler(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.bridge.reconciler.Start(ctx); err != nil {
		cancel()
		t.Fatalf("reconciler Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		f.bridge.reconciler.Wait()
	})
}

// writeCommand writes an inbox entry as an external client would.
func (f *fixture) writeCommand(t *testing.T, id string, value any) {
	t.Helper()
	if err := f.store.MemoryStore.Set(context.Background(), f.paths.ControlFor(id), value); err != nil {
		t.Fatalf("writing command: %v", err)
	}
}

// inboxHas reports whether the inbox entry of id still holds a value.
func (f *fixture) inboxHas(id string) bool {
	var v any
	return f.store.Get(context.Background(), f.paths.ControlFor(id), &v) == nil
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
