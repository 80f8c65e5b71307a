package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/influxdb"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

// Bridge timing defaults.
const (
	defaultPollInterval    = 8 * time.Second
	defaultRefreshInterval = 60 * time.Second

	// auditTimeout bounds the audit write after a command.
	auditTimeout = 5 * time.Second
)

// Options configures a Bridge.
type Options struct {
	Vendor   PowerSwitcher
	Reader   StatusSource
	Registry MonitoredSet
	Store    store.Store
	Paths    store.Paths

	PollInterval     time.Duration // telemetry sweep period (default 8s)
	RefreshInterval  time.Duration // registry refresh period (default 60s)
	SweepConcurrency int
	QueueSize        int
	Retry            RetryPolicy

	Audit   AuditRecorder // optional
	Stats   StatsSink     // optional
	Metrics *Metrics      // optional
	Logger  Logger        // optional
}

// Bridge owns the registry loop, the telemetry publisher and the command
// reconciler, and is the single path through which power commands run.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	vendor     PowerSwitcher
	registry   MonitoredSet
	publisher  *Publisher
	reconciler *Reconciler
	locks      *keyedMutex

	pollInterval    time.Duration
	refreshInterval time.Duration

	audit   AuditRecorder
	stats   StatsSink
	metrics *Metrics
	logger  Logger
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Bridge. Vendor, Reader, Registry and Store are required.
func New(opts Options) (*Bridge, error) {
	if opts.Vendor == nil || opts.Reader == nil || opts.Registry == nil || opts.Store == nil {
		return nil, errors.New("bridge: vendor, reader, registry and store are required")
	}
	if opts.Paths.Root == "" {
		opts.Paths = store.NewPaths("")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Bridge{
		vendor:          opts.Vendor,
		registry:        opts.Registry,
		locks:           newKeyedMutex(),
		pollInterval:    opts.PollInterval,
		refreshInterval: opts.RefreshInterval,
		audit:           opts.Audit,
		stats:           opts.Stats,
		metrics:         opts.Metrics,
		logger:          logger,
		now:             time.Now,
	}
	b.publisher = NewPublisher(PublisherOptions{
		Reader:      opts.Reader,
		Store:       opts.Store,
		Paths:       opts.Paths,
		Set:         opts.Registry,
		Concurrency: opts.SweepConcurrency,
		Metrics:     opts.Metrics,
		Stats:       opts.Stats,
	})
	b.publisher.SetLogger(logger)
	b.reconciler = NewReconciler(ReconcilerOptions{
		Store:     opts.Store,
		Paths:     opts.Paths,
		Set:       opts.Registry,
		Runner:    b,
		Policy:    opts.Retry,
		QueueSize: opts.QueueSize,
		Metrics:   opts.Metrics,
	})
	b.reconciler.SetLogger(logger)
	return b, nil
}

// Publisher returns the telemetry publisher.
func (b *Bridge) Publisher() *Publisher {
	return b.publisher
}

// Start refreshes the registry once, starts the command reconciler and
// launches the refresh and sweep loops. A failed initial refresh is logged
// and retried by the refresh loop; a failed inbox watch is returned.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if err := b.registry.Refresh(ctx); err != nil {
		b.logger.Error("initial device refresh failed", "operation", "refresh", "error", err)
	}

	if err := b.reconciler.Start(ctx); err != nil {
		b.cancel()
		b.reconciler.Wait()
		return fmt.Errorf("starting reconciler: %w", err)
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.registry.Run(ctx, b.refreshInterval)
	}()
	go func() {
		defer b.wg.Done()
		b.publisher.Run(ctx, b.pollInterval)
	}()

	b.logger.Info("bridge started",
		"mode", b.registry.Mode(),
		"devices", len(b.registry.Snapshot()),
		"poll_interval", b.pollInterval,
		"refresh_interval", b.refreshInterval,
	)
	return nil
}

// Stop cancels every loop and waits for in-flight work to finish.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		cancel := b.cancel
		b.mu.Unlock()
		if cancel == nil {
			return
		}

		cancel()
		b.reconciler.Wait()
		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

// Reload refreshes the registry on demand.
func (b *Bridge) Reload(ctx context.Context) error {
	return b.registry.Refresh(ctx)
}

// Control switches a device on or off outside the inbox, with a single
// attempt. The returned record is the telemetry written afterwards.
func (b *Bridge) Control(ctx context.Context, id string, action device.PowerState, source string) (*TelemetryRecord, error) {
	if id == "" {
		return nil, device.ErrNoDeviceID
	}
	if action != device.PowerOn && action != device.PowerOff {
		return nil, fmt.Errorf("%w: %q", device.ErrInvalidCommand, action)
	}
	return b.RunCommand(ctx, Command{DeviceID: id, Action: action, Source: source}, RetryPolicy{}, nil)
}

// RunCommand executes cmd while holding the lock for its device.
//
// The steps are: ensure the vendor session and set the power state, publish
// telemetry, then call finish (when non-nil). A failed step fails the
// attempt; up to retry.Attempts further attempts follow after retry.Delay.
// A retry resumes at the step that failed, so a power state the vendor
// already accepted is never sent twice. The outcome is written to the audit
// log, metrics and stats.
//
// Parameters:
//   - ctx: Bounds every vendor and store call
//   - cmd: The command to run
//   - retry: Extra attempts and delay
//   - finish: Optional last step, e.g. clearing the inbox entry
//
// Returns:
//   - *TelemetryRecord: Telemetry written by the command
//   - error: ErrCommand, ErrTelemetry or the finish error of the last attempt
func (b *Bridge) RunCommand(ctx context.Context, cmd Command, retry RetryPolicy, finish func(context.Context) error) (*TelemetryRecord, error) {
	unlock := b.locks.Lock(cmd.DeviceID)
	defer unlock()

	var rec *TelemetryRecord
	steps := []func(context.Context) error{
		func(ctx context.Context) error { return b.switchPower(ctx, cmd) },
		func(ctx context.Context) error {
			r, err := b.publisher.Publish(ctx, cmd.DeviceID)
			if err == nil {
				rec = r
			}
			return err
		},
	}
	if finish != nil {
		steps = append(steps, finish)
	}

	start := b.now()
	var (
		err      error
		attempts int
		next     int
	)
	for {
		attempts++
		for err = nil; next < len(steps); next++ {
			if err = steps[next](ctx); err != nil {
				break
			}
		}
		if err == nil || attempts > retry.Attempts || ctx.Err() != nil {
			break
		}
		b.logger.Warn("command attempt failed, retrying",
			"device_id", cmd.DeviceID,
			"command", cmd.Action,
			"attempt", attempts,
			"error", err,
		)
		if !sleepCtx(ctx, retry.Delay) {
			break
		}
	}

	b.record(ctx, cmd, attempts, b.now().Sub(start), err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// switchPower ensures the vendor session and sets the power state.
func (b *Bridge) switchPower(ctx context.Context, cmd Command) error {
	if err := b.vendor.EnsureSession(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCommand, err)
	}
	if err := b.vendor.SetPowerState(ctx, cmd.DeviceID, string(cmd.Action)); err != nil {
		return fmt.Errorf("%w: %w", ErrCommand, err)
	}
	return nil
}

// record writes the command outcome to the audit log, metrics and stats.
func (b *Bridge) record(ctx context.Context, cmd Command, attempts int, d time.Duration, cmdErr error) {
	outcome := audit.OutcomeSuccess
	errText := ""
	if cmdErr != nil {
		outcome = audit.OutcomeFailed
		errText = cmdErr.Error()
	}

	b.metrics.observeCommand(string(cmd.Action), cmd.Source, outcome, d)
	if b.stats != nil {
		b.stats.WriteCommand(influxdb.CommandStats{
			DeviceID: cmd.DeviceID,
			Action:   string(cmd.Action),
			Source:   cmd.Source,
			Outcome:  outcome,
			Attempts: attempts,
			Duration: d,
			At:       b.now(),
		})
	}
	if b.audit == nil {
		return
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	entry := &audit.AuditLog{
		DeviceID:   cmd.DeviceID,
		Action:     string(cmd.Action),
		Source:     cmd.Source,
		Outcome:    outcome,
		Error:      errText,
		Attempts:   attempts,
		DurationMS: d.Milliseconds(),
	}
	if err := b.audit.Create(auditCtx, entry); err != nil {
		b.logger.Warn("writing audit log failed", "device_id", cmd.DeviceID, "error", err)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
