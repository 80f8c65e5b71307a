package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/influxdb"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

// defaultSweepConcurrency bounds parallel vendor reads during a sweep.
const defaultSweepConcurrency = 4

// SweepResult summarises one pass over the monitored set.
type SweepResult struct {
	Devices  int
	Failures int
	Duration time.Duration
}

// Publisher reads device status and overwrites telemetry records.
//
// Thread Safety:
//   - Publish and PublishAll are safe for concurrent use.
//   - Observers run on the publishing goroutine and must not block.
type Publisher struct {
	reader      StatusSource
	store       store.Store
	paths       store.Paths
	set         MonitoredSet
	concurrency int

	metrics *Metrics
	stats   StatsSink
	now     func() time.Time

	observersMu sync.RWMutex
	observers   []func(TelemetryEvent)

	logger   Logger
	loggerMu sync.RWMutex
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Reader StatusSource
	Store  store.Store
	Paths  store.Paths
	Set    MonitoredSet

	// Concurrency bounds parallel publishes in a sweep (default 4).
	Concurrency int

	Metrics *Metrics  // optional
	Stats   StatsSink // optional
}

// NewPublisher creates a Publisher.
func NewPublisher(opts PublisherOptions) *Publisher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	return &Publisher{
		reader:      opts.Reader,
		store:       opts.Store,
		paths:       opts.Paths,
		set:         opts.Set,
		concurrency: concurrency,
		metrics:     opts.Metrics,
		stats:       opts.Stats,
		now:         time.Now,
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger for sweep failures.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Publisher) log() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

// OnTelemetry registers fn to receive every record written.
func (p *Publisher) OnTelemetry(fn func(TelemetryEvent)) {
	p.observersMu.Lock()
	p.observers = append(p.observers, fn)
	p.observersMu.Unlock()
}

// Publish reads the status of one device and overwrites its telemetry record.
//
// Parameters:
//   - ctx: Bounds the vendor read and the store write
//   - id: Device id
//
// Returns:
//   - *TelemetryRecord: The record written
//   - error: ErrTelemetry wrapping the read or write failure
func (p *Publisher) Publish(ctx context.Context, id string) (*TelemetryRecord, error) {
	rec, err := p.publish(ctx, id)
	p.metrics.observePublish(err)
	return rec, err
}

func (p *Publisher) publish(ctx context.Context, id string) (*TelemetryRecord, error) {
	status, err := p.reader.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTelemetry, err)
	}

	rec := NewTelemetryRecord(status, p.now())
	if err := p.store.Set(ctx, p.paths.TelemetryFor(id), rec); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %w", ErrTelemetry, id, err)
	}

	p.observersMu.RLock()
	observers := p.observers
	p.observersMu.RUnlock()
	for _, fn := range observers {
		fn(TelemetryEvent{DeviceID: id, Record: rec})
	}
	return &rec, nil
}

// PublishAll publishes every device in a snapshot of the monitored set taken
// at sweep start. Devices are published independently; a failure is logged
// and never stops the others.
func (p *Publisher) PublishAll(ctx context.Context) SweepResult {
	start := p.now()
	ids := p.set.Snapshot()

	var failures atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if _, err := p.Publish(ctx, id); err != nil {
				failures.Add(1)
				p.log().Warn("telemetry publish failed",
					"operation", "publish",
					"device_id", id,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	result := SweepResult{
		Devices:  len(ids),
		Failures: int(failures.Load()),
		Duration: p.now().Sub(start),
	}
	p.metrics.observeSweep(result.Devices, result.Duration)
	if p.stats != nil {
		p.stats.WriteSweep(influxdb.SweepStats{
			Devices:  result.Devices,
			Failures: result.Failures,
			Duration: result.Duration,
			At:       start,
		})
	}
	p.log().Debug("telemetry sweep complete",
		"devices", result.Devices,
		"failures", result.Failures,
		"duration", result.Duration,
	)
	return result
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// Sweeps never overlap: a slow sweep delays the next tick.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	p.PublishAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishAll(ctx)
		}
	}
}
