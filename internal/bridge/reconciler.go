package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

// defaultQueueSize is the reconciler's command buffer.
const defaultQueueSize = 64

// Command is a power command for one device.
type Command struct {
	DeviceID string
	Action   device.PowerState
	Source   string
}

// RetryPolicy decides what happens when a command fails.
//
// The zero value is at-most-once: one attempt, and a failed inbox entry is
// left untouched so only a rewrite by its author triggers another attempt.
type RetryPolicy struct {
	// Attempts is the number of extra attempts after the first failure.
	Attempts int

	// Delay is the pause between attempts.
	Delay time.Duration

	// ClearOnFailure clears the inbox entry even when every attempt failed.
	ClearOnFailure bool
}

// CommandRunner executes a command under the per-device lock, calling
// finish after the command succeeds. Satisfied by *Bridge.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command, retry RetryPolicy, finish func(context.Context) error) (*TelemetryRecord, error)
}

// Reconciler consumes power commands written to the control inbox.
//
// The store callback only parses and enqueues; a single consumer goroutine
// executes commands one at a time in arrival order. For each valid command it
// registers the device (discovery mode), switches power, publishes telemetry
// and clears the inbox entry, in that order.
//
// Thread Safety:
//   - Start must be called once. Wait may be called from any goroutine.
type Reconciler struct {
	store  store.Store
	paths  store.Paths
	set    MonitoredSet
	runner CommandRunner
	policy RetryPolicy

	queue   chan Command
	metrics *Metrics
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Store  store.Store
	Paths  store.Paths
	Set    MonitoredSet
	Runner CommandRunner
	Policy RetryPolicy

	// QueueSize is the command buffer (default 64). A full buffer blocks the
	// store callback until the consumer catches up.
	QueueSize int

	Metrics *Metrics // optional
}

// NewReconciler creates a Reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Reconciler{
		store:   opts.Store,
		paths:   opts.Paths,
		set:     opts.Set,
		runner:  opts.Runner,
		policy:  opts.Policy,
		queue:   make(chan Command, size),
		metrics: opts.Metrics,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for command handling.
func (r *Reconciler) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Reconciler) log() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Start launches the consumer and watches the control inbox until ctx ends.
// Entries already in the inbox are delivered first.
func (r *Reconciler) Start(ctx context.Context) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consume(ctx)
	}()

	err := r.store.Watch(ctx, r.paths.Control(), func(ev store.ChildEvent) {
		r.enqueue(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", r.paths.Control(), err)
	}
	r.log().Info("watching command inbox", "path", r.paths.Control())
	return nil
}

// Wait blocks until the consumer has stopped.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// enqueue validates an inbox entry and hands it to the consumer.
func (r *Reconciler) enqueue(ctx context.Context, ev store.ChildEvent) {
	if ev.Removed() {
		return
	}
	action, ok := ParseCommandValue(ev.Value)
	if !ok {
		r.metrics.observeIgnored()
		r.log().Debug("ignoring inbox entry", "device_id", ev.Key, "value", string(ev.Value))
		return
	}

	cmd := Command{DeviceID: ev.Key, Action: action, Source: audit.SourceInbox}
	select {
	case r.queue <- cmd:
		r.metrics.setQueueDepth(len(r.queue))
	case <-ctx.Done():
	}
}

func (r *Reconciler) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.queue:
			r.metrics.setQueueDepth(len(r.queue))
			r.handle(ctx, cmd)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, cmd Command) {
	if r.set.Mode() == device.ModeDiscovery && r.set.RegisterIfAbsent(cmd.DeviceID) {
		r.log().Info("device added to monitored set from command", "device_id", cmd.DeviceID)
	}

	finish := func(ctx context.Context) error {
		return r.clear(ctx, cmd.DeviceID)
	}

	if _, err := r.runner.RunCommand(ctx, cmd, r.policy, finish); err != nil {
		r.log().Error("command failed",
			"operation", "command",
			"device_id", cmd.DeviceID,
			"command", cmd.Action,
			"error", err,
		)
		if r.policy.ClearOnFailure {
			if err := finish(ctx); err != nil {
				r.log().Error("clearing failed command", "device_id", cmd.DeviceID, "error", err)
			}
		}
		return
	}
	r.log().Info("command executed", "device_id", cmd.DeviceID, "command", cmd.Action)
}

// clear overwrites the inbox entry of id with an empty object.
func (r *Reconciler) clear(ctx context.Context, id string) error {
	if err := r.store.Set(ctx, r.paths.ControlFor(id), map[string]any{}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrClear, id, err)
	}
	return nil
}

// ParseCommandValue extracts a power command from an inbox value.
//
// Accepted shapes are {"command": "on"} and a bare "on". The command is
// lower-cased; anything other than exactly on or off is rejected.
func ParseCommandValue(raw json.RawMessage) (device.PowerState, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}

	var s string
	switch t := v.(type) {
	case string:
		s = t
	case map[string]any:
		cmd, ok := t["command"].(string)
		if !ok {
			return "", false
		}
		s = cmd
	default:
		return "", false
	}

	state, err := device.ParseCommand(s)
	if err != nil {
		return "", false
	}
	return state, true
}
