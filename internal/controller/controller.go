// ============================================================================
// Factobox Controller - composition root of the coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: wires the inventory store, run gate, device link, scheduler,
// broadcaster, snapshot manager and metrics into one coordinator, and owns
// its startup recovery and shutdown.
//
// Components:
//   - inventory.Store       authoritative block counts
//   - gate.Gate             run/stop switch
//   - device.Link           reconnecting line-protocol connection
//   - scheduler.Scheduler   FIFO queue + single-writer drive loop
//   - broadcast.Broadcaster snapshot fan-out to observers
//   - snapshot.Manager      persisted queue + inventory
//
// Recovery (NewController):
//   1. validate the configured default inventory (the only fatal error)
//   2. load the snapshot; missing or unreadable -> defaults and empty queue,
//      unreadable files are moved aside
//   3. restore the queue, re-queueing entries caught in flight
//
// Loops (Start):
//   - scheduler loop
//   - device link connect/reconnect
//   - snapshot loop, every SnapshotInterval
//
// Stop order: scheduler first (an in-flight build is interrupted and stays
// queued), then the device link, then a final snapshot.
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jmolenaartje/Factobox/internal/broadcast"
	"github.com/Jmolenaartje/Factobox/internal/device"
	"github.com/Jmolenaartje/Factobox/internal/gate"
	"github.com/Jmolenaartje/Factobox/internal/inventory"
	"github.com/Jmolenaartje/Factobox/internal/metrics"
	"github.com/Jmolenaartje/Factobox/internal/scheduler"
	"github.com/Jmolenaartje/Factobox/internal/snapshot"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidInventory means the configured starting totals are unusable.
	ErrInvalidInventory = errors.New("invalid starting inventory")
	// ErrNoDevice means no dialer was configured.
	ErrNoDevice = errors.New("no device transport configured")
)

// ============================================================================
// Configuration
// ============================================================================

// Config Controller configuration
type Config struct {
	Inventory        types.Inventory // default starting totals
	Dialer           device.Dialer   // device transport
	Device           device.Config   // ack timeout, reconnect delay
	Scheduler        scheduler.Config
	SnapshotEnabled  bool
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// Controller is the running coordinator.
type Controller struct {
	config      Config
	store       *inventory.Store
	gate        *gate.Gate
	link        *device.Link
	sched       *scheduler.Scheduler
	broadcaster *broadcast.Broadcaster
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector

	connectedOnce atomic.Bool
	startTime     time.Time
	stopCh        chan struct{}
	loopWg        sync.WaitGroup
	mu            sync.Mutex
	started       bool
	stopped       bool
}

// ============================================================================
// Construction and recovery
// ============================================================================

// NewController validates config, restores persisted state and wires the
// components. Nothing runs until Start. m may be nil.
func NewController(config Config, m *metrics.Collector) (*Controller, error) {
	if _, err := inventory.New(config.Inventory); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInventory, err)
	}
	if config.Dialer == nil {
		return nil, ErrNoDevice
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 30 * time.Second
	}

	c := &Controller{
		config:  config,
		gate:    gate.New(),
		metrics: m,
		stopCh:  make(chan struct{}),
	}
	if config.SnapshotEnabled {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}

	start := time.Now()
	data, restored := c.loadSnapshot()

	store, err := inventory.New(data.Inventory)
	if err != nil {
		log.Warn("Persisted inventory unusable, using configured defaults", "error", err)
		store, _ = inventory.New(config.Inventory)
		restored = false
	}
	c.store = store

	var (
		recorder scheduler.Recorder
		counts   broadcast.CountRecorder
	)
	if m != nil {
		recorder = m
		counts = m
	}
	c.broadcaster = broadcast.New(counts)

	c.link = device.NewLink(config.Dialer, config.Device, c)
	c.sched = scheduler.New(config.Scheduler, c.store, c.gate, c.link, c.broadcaster, recorder)
	if restored {
		c.sched.Restore(data)
	}
	// Observers registering before Start see the restored state.
	c.broadcaster.Publish(c.sched.Status())

	recovery := time.Since(start)
	if m != nil {
		m.SetRecoveryTime(recovery)
	}
	log.Info("Recovery completed",
		"duration", recovery,
		"restored", restored,
		"queued", len(c.sched.Status().Queue),
		"inventory", c.store.OnHand())

	return c, nil
}

// loadSnapshot returns the persisted state, or the configured defaults when
// there is nothing usable on disk.
func (c *Controller) loadSnapshot() (types.SnapshotData, bool) {
	defaults := types.SnapshotData{Inventory: c.config.Inventory.Clone()}
	if c.snapshot == nil {
		return defaults, false
	}

	data, err := c.snapshot.Load()
	switch {
	case err == nil:
		log.Info("Snapshot loaded",
			"path", c.snapshot.GetPath(),
			"saved_at", data.SavedAt,
			"queued", len(data.Queue))
		return data, true

	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		log.Info("No snapshot found, starting fresh", "path", c.snapshot.GetPath())

	case errors.Is(err, snapshot.ErrCorruptedSnapshot), errors.Is(err, snapshot.ErrIncompatibleVersion):
		log.Warn("Snapshot unusable, starting from defaults", "path", c.snapshot.GetPath(), "error", err)
		if moved, qerr := c.snapshot.Quarantine(); qerr != nil {
			log.Error("Failed to move snapshot aside", "error", qerr)
		} else {
			log.Info("Unusable snapshot kept", "path", moved)
		}

	default:
		log.Warn("Snapshot unreadable, starting from defaults", "path", c.snapshot.GetPath(), "error", err)
	}
	return defaults, false
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the scheduler, the device link and the snapshot loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("controller already stopped")
	}
	if c.started {
		return nil
	}
	c.started = true
	c.startTime = time.Now()

	c.sched.Start()
	c.link.Start()

	if c.snapshot != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started",
		"device", c.config.Dialer.String(),
		"snapshot", c.snapshot != nil)
	return nil
}

// Stop shuts everything down and writes a final snapshot. Safe to call more
// than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.sched.Stop()
	c.link.Stop()
	c.loopWg.Wait()

	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	c.broadcaster.Close()

	log.Info("Controller stopped")
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return

		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := c.sched.Export()
	if err != nil {
		return fmt.Errorf("failed to export state: %w", err)
	}
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"queued", len(data.Queue))
	return nil
}

// ============================================================================
// Device events
// ============================================================================

// OnStatus forwards device counts to the scheduler.
func (c *Controller) OnStatus(report device.StatusReport) {
	c.sched.Replenish(report)
}

// OnConnectionChange tells the scheduler about link health.
func (c *Controller) OnConnectionChange(connected bool) {
	if connected && c.connectedOnce.Swap(true) && c.metrics != nil {
		c.metrics.RecordReconnect()
	}
	c.sched.LinkChanged(connected)
}

// OnMalformed counts a discarded device line; the link already logged it.
func (c *Controller) OnMalformed(line string, err error) {
	if c.metrics != nil {
		c.metrics.RecordMalformedLine()
	}
}

// ============================================================================
// Coordinator surface
// ============================================================================

// Submit queues a build of the given shape.
func (c *Controller) Submit(resources []types.ResourceType) (types.BuildRequest, error) {
	return c.sched.Submit(resources)
}

// SubmitNames parses resource names ("Red", "g", ...) and queues the build.
func (c *Controller) SubmitNames(names []string) (types.BuildRequest, error) {
	resources, err := types.ParseResources(names)
	if err != nil {
		log.Warn("Build submission rejected", "resources", names, "error", err)
		return types.BuildRequest{}, err
	}
	return c.sched.Submit(resources)
}

// Cancel removes a queued build.
func (c *Controller) Cancel(id types.BuildID) (types.BuildRequest, error) {
	return c.sched.Cancel(id)
}

// StartRun opens the run gate.
func (c *Controller) StartRun() (types.RunState, error) {
	return c.sched.StartRun()
}

// StopRun closes the run gate.
func (c *Controller) StopRun() (types.RunState, error) {
	return c.sched.StopRun()
}

// Status returns the current snapshot without side effects.
func (c *Controller) Status() types.Snapshot {
	return c.sched.Status()
}

// Register adds an observer; it receives the current snapshot immediately.
func (c *Controller) Register(o broadcast.Observer) error {
	return c.broadcaster.Register(o)
}

// Unregister removes an observer.
func (c *Controller) Unregister(id string) {
	c.broadcaster.Unregister(id)
}

// Observers returns the number of connected observers.
func (c *Controller) Observers() int {
	return c.broadcaster.Count()
}

// Uptime returns the time since Start.
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return time.Since(c.startTime)
}
