package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceLister lists every device on the vendor account.
// Satisfied by *ewelink.Client.
type DeviceLister interface {
	EnsureSession(ctx context.Context) error
	ListDevices(ctx context.Context) ([]map[string]any, error)
}

// Registry owns the MonitoredSet of device ids.
//
// In discovery mode the set is replaced wholesale on every Refresh and grows
// through RegisterIfAbsent. In static mode it is the configured list.
//
// All public methods are thread-safe.
type Registry struct {
	lister DeviceLister
	mode   Mode
	static []string

	mu          sync.RWMutex
	ids         map[string]struct{}
	lastRefresh time.Time
	logger      Logger
}

// NewRegistry creates a registry. rawIDs is the configured device id list;
// empty or "AUTO" selects discovery through lister.
func NewRegistry(lister DeviceLister, rawIDs string) *Registry {
	mode, static := ParseIDs(rawIDs)
	return &Registry{
		lister: lister,
		mode:   mode,
		static: static,
		ids:    make(map[string]struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

func (r *Registry) log() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

// Mode returns the registry mode.
func (r *Registry) Mode() Mode {
	return r.mode
}

// Refresh rebuilds the MonitoredSet.
//
// Discovery mode lists the vendor account and extracts each record's id;
// records without an id are skipped. An empty account empties the set and
// logs a warning. On error the previous set is kept.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.mode == ModeStatic {
		r.replace(r.static)
		r.log().Info("static device list loaded", "count", len(r.static))
		return nil
	}

	if err := r.lister.EnsureSession(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	records, err := r.lister.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	ids := make([]string, 0, len(records))
	for _, record := range records {
		id, ok := ExtractID(record)
		if !ok {
			r.log().Debug("skipping vendor record without id")
			continue
		}
		ids = append(ids, id)
	}

	r.replace(ids)
	if len(ids) == 0 {
		r.log().Warn("device discovery returned no devices")
	} else {
		r.log().Info("device discovery complete", "count", len(ids))
	}
	return nil
}

func (r *Registry) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	r.mu.Lock()
	r.ids = next
	r.lastRefresh = time.Now()
	r.mu.Unlock()
}

// RegisterIfAbsent adds id to the set in discovery mode. It reports whether
// the id was added; static mode and known ids return false.
func (r *Registry) RegisterIfAbsent(id string) bool {
	if r.mode != ModeDiscovery || id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

// Snapshot returns a sorted copy of the MonitoredSet.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// contains reports whether id is monitored.
func (r *Registry) contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Count returns the number of monitored devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// LastRefresh returns when the set was last rebuilt. Zero before the first refresh.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

// Run refreshes the registry every interval until ctx is cancelled.
// Failures are logged and the next tick proceeds normally. Run does not
// perform an immediate refresh; callers refresh once at startup. In static
// mode the list never changes and Run returns immediately.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.mode == ModeStatic {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log().Error("device refresh failed", "operation", "refresh", "error", err)
			}
		}
	}
}
