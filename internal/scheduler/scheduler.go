// ============================================================================
// Factobox Build Scheduler - single-writer drive loop
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: serialises build requests into one FIFO queue and drives exactly
// one build at a time against the device, honouring the run/stop gate.
//
// Phases:
//   Idle            - nothing in flight; drive() may start the head entry
//     ↓ Reserve() succeeded
//   Dispatching     - units held, BUILD command handed to the device link
//     ↓ command written
//   AwaitingCommit  - waiting for the acknowledgement
//     ↓ OK -> Commit, ERR/timeout/disconnect -> Release
//   Idle
//
// Every mutation of the queue, the gate and the inventory runs on the loop
// goroutine (run). Callers post closures to it; the device round trip runs
// in its own goroutine and reports back on results, so the loop never blocks
// on I/O.
//
// drive() is invoked after a submission, after every outcome, after a gate
// transition to Running, after a replenishment and after the device link
// comes back. An insufficient head stays queued and a cancellable retry timer
// re-drives after RetryBackoff.
//
// Status reports that arrive while a build is in flight are parked and
// applied once the outcome is known; an absolute count read mid-build would
// otherwise be decremented a second time by the commit.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Jmolenaartje/Factobox/internal/device"
	"github.com/Jmolenaartje/Factobox/internal/gate"
	"github.com/Jmolenaartje/Factobox/internal/inventory"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound means no queued request has the given id.
	ErrNotFound = errors.New("build request not found")
	// ErrNotCancellable means the request is in flight or already finished.
	ErrNotCancellable = errors.New("build request cannot be cancelled")
	// ErrStopped is returned when the scheduler loop is not running.
	ErrStopped = errors.New("scheduler stopped")
)

// ============================================================================
// Collaborators
// ============================================================================

// Device is the part of the device link the scheduler needs.
type Device interface {
	Send(ctx context.Context, cmd device.Command) (device.Ack, error)
	Notify(cmd device.Command) error
	Healthy() bool
}

// Notifier receives every published snapshot, in order, on the loop goroutine.
// Implementations must not block.
type Notifier interface {
	Publish(snap types.Snapshot)
}

// Recorder receives scheduler events for metrics.
type Recorder interface {
	BuildSubmitted()
	BuildDispatched()
	BuildFinished(status types.BuildStatus, latency time.Duration)
	ReservationBlocked(r types.ResourceType)
	StateChanged(snap types.Snapshot)
}

type nopNotifier struct{}

func (nopNotifier) Publish(types.Snapshot) {}

type nopRecorder struct{}

func (nopRecorder) BuildSubmitted()                                {}
func (nopRecorder) BuildDispatched()                               {}
func (nopRecorder) BuildFinished(types.BuildStatus, time.Duration) {}
func (nopRecorder) ReservationBlocked(types.ResourceType)          {}
func (nopRecorder) StateChanged(types.Snapshot)                    {}

// ============================================================================
// Configuration
// ============================================================================

// Phase is the scheduler's position in the dispatch cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseAwaitingCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseDispatching:
		return "Dispatching"
	case PhaseAwaitingCommit:
		return "AwaitingCommit"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config tunes the scheduler.
type Config struct {
	RetryBackoff time.Duration // re-drive delay while the head lacks stock
	HistorySize  int           // terminal outcomes kept for snapshots
}

const (
	defaultRetryBackoff = 2 * time.Second
	defaultHistorySize  = 32
)

// ============================================================================
// Scheduler
// ============================================================================

type flight struct {
	id      types.BuildID
	token   inventory.Token
	started time.Time
}

type outcome struct {
	id  types.BuildID
	ack device.Ack
	err error
}

// Scheduler owns the queue and the dispatch cycle.
type Scheduler struct {
	cfg      Config
	store    *inventory.Store
	gate     *gate.Gate
	dev      Device
	notifier Notifier
	rec      Recorder

	// Loop-owned state.
	queue     *queue
	phase     Phase
	inflight  *flight
	parked    types.Inventory
	nextID    types.BuildID
	retry     *time.Timer
	blockedOn types.BuildID
	connected bool
	recent    *lru.Cache[types.BuildID, types.BuildRequest]
	version   uint64
	stopping  bool

	latest atomic.Pointer[types.Snapshot]

	events  chan func()
	results chan outcome
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. notifier and rec may be nil.
func New(cfg Config, store *inventory.Store, g *gate.Gate, dev Device, notifier Notifier, rec Recorder) *Scheduler {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	recent, _ := lru.New[types.BuildID, types.BuildRequest](cfg.HistorySize)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		gate:     g,
		dev:      dev,
		notifier: notifier,
		rec:      rec,
		queue:    newQueue(),
		parked:   make(types.Inventory),
		nextID:   1,
		recent:   recent,
		events:   make(chan func()),
		results:  make(chan outcome, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	snap := s.buildSnapshot()
	s.latest.Store(&snap)
	return s
}

// Restore loads persisted queue entries. It must be called before Start.
// Entries caught in flight are queued again in their original order; entries
// with an invalid shape are dropped.
func (s *Scheduler) Restore(data types.SnapshotData) {
	maxID := types.BuildID(0)
	for _, req := range data.Queue {
		if err := types.ValidateResources(req.Resources); err != nil {
			log.Warn("Dropping persisted build with invalid shape", "id", req.ID, "error", err)
			continue
		}
		if req.Status.Terminal() {
			continue
		}
		if _, dup := s.queue.Get(req.ID); dup {
			log.Warn("Dropping duplicate persisted build", "id", req.ID)
			continue
		}
		if req.Status != types.StatusQueued && req.Status != "" {
			log.Info("Requeueing build interrupted by restart", "id", req.ID, "status", req.Status)
		}
		entry := req.Clone()
		entry.Status = types.StatusQueued
		entry.Error = ""
		s.queue.Append(&entry)
		if req.ID > maxID {
			maxID = req.ID
		}
	}

	s.nextID = data.NextID
	if s.nextID <= maxID {
		s.nextID = maxID + 1
	}
	if s.nextID == 0 {
		s.nextID = 1
	}

	snap := s.buildSnapshot()
	s.latest.Store(&snap)
	log.Info("Scheduler restored", "queued", s.queue.Len(), "next_id", s.nextID)
}

// Start launches the loop and returns once the initial snapshot is published.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.connected = s.dev.Healthy()
		s.started.Store(true)
		go s.run()
		s.call(func() {
			s.publish()
			s.drive()
		})
		log.Info("Scheduler started", "retry_backoff", s.cfg.RetryBackoff)
	})
}

// Stop ends the loop. A build still in flight is interrupted; its
// reservation is released and the entry stays at the head as Queued so a
// final snapshot keeps it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
		s.cancel()
		log.Info("Scheduler stopped")
	})
}

// ============================================================================
// Public operations
// ============================================================================

// Submit validates the shape and appends a new request to the queue.
func (s *Scheduler) Submit(resources []types.ResourceType) (types.BuildRequest, error) {
	if err := types.ValidateResources(resources); err != nil {
		log.Warn("Build submission rejected", "error", err)
		return types.BuildRequest{}, err
	}
	shape := append([]types.ResourceType(nil), resources...)

	var created types.BuildRequest
	err := s.call(func() {
		now := time.Now()
		req := &types.BuildRequest{
			ID:          s.nextID,
			Resources:   shape,
			Status:      types.StatusQueued,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		s.nextID++
		s.queue.Append(req)
		created = req.Clone()

		s.rec.BuildSubmitted()
		log.Info("Build queued", "id", req.ID, "resources", shapeString(req.Resources), "position", s.queue.Len())
		s.publish()
		s.drive()
	})
	return created, err
}

// Cancel removes a queued request that is not in flight.
func (s *Scheduler) Cancel(id types.BuildID) (types.BuildRequest, error) {
	var (
		cancelled types.BuildRequest
		opErr     error
	)
	err := s.call(func() {
		if s.inflight != nil && s.inflight.id == id {
			opErr = fmt.Errorf("%w: %d is in flight", ErrNotCancellable, id)
			return
		}
		req, ok := s.queue.Remove(id)
		if !ok {
			if _, done := s.recent.Peek(id); done {
				opErr = fmt.Errorf("%w: %d already finished", ErrNotCancellable, id)
				return
			}
			opErr = fmt.Errorf("%w: %d", ErrNotFound, id)
			return
		}
		req.Status = types.StatusCancelled
		req.UpdatedAt = time.Now()
		s.recent.Add(req.ID, req.Clone())
		cancelled = req.Clone()

		s.rec.BuildFinished(types.StatusCancelled, 0)
		log.Info("Build cancelled", "id", id)
		s.publish()
		s.drive()
	})
	if err != nil {
		return types.BuildRequest{}, err
	}
	return cancelled, opErr
}

// StartRun opens the gate. Idempotent; returns the resulting state.
func (s *Scheduler) StartRun() (types.RunState, error) {
	return s.setRun(true)
}

// StopRun closes the gate. A build already in flight completes on its own.
func (s *Scheduler) StopRun() (types.RunState, error) {
	return s.setRun(false)
}

func (s *Scheduler) setRun(running bool) (types.RunState, error) {
	var state types.RunState
	err := s.call(func() {
		var changed bool
		cmd := device.StopCommand()
		if running {
			changed = s.gate.Start()
			cmd = device.StartCommand()
		} else {
			changed = s.gate.Stop()
		}
		state = s.gate.State()
		if !changed {
			return
		}

		log.Info("Run state changed", "state", state)
		go s.mirror(cmd)
		s.publish()
		if running {
			s.drive()
		}
	})
	if err != nil {
		return s.gate.State(), err
	}
	return state, nil
}

// mirror tells the device about a gate transition. The device's answer is
// not part of the contract.
func (s *Scheduler) mirror(cmd device.Command) {
	if err := s.dev.Notify(cmd); err != nil {
		log.Warn("Run state not mirrored to device", "command", cmd.String(), "error", err)
	}
}

// Status returns the most recently published snapshot.
func (s *Scheduler) Status() types.Snapshot {
	return cloneSnapshot(*s.latest.Load())
}

// Replenish applies a device status report.
func (s *Scheduler) Replenish(report device.StatusReport) {
	counts := report.Counts.Clone()
	s.post(func() {
		if s.inflight != nil {
			for r, n := range counts {
				s.parked[r] = n
			}
			log.Debug("Status report parked until build settles", "counts", counts)
			return
		}
		if s.applyCounts(counts) {
			s.publish()
			s.drive()
		}
	})
}

// LinkChanged records the device link's health and re-drives on reconnect.
func (s *Scheduler) LinkChanged(connected bool) {
	s.post(func() {
		if s.connected == connected {
			return
		}
		s.connected = connected
		s.publish()
		if connected {
			s.drive()
		}
	})
}

// Export returns the state to persist: on-hand counts (reservations do not
// survive a restart) and the queue with the in-flight entry as Queued.
func (s *Scheduler) Export() (types.SnapshotData, error) {
	var data types.SnapshotData
	err := s.call(func() {
		data = s.export()
	})
	if errors.Is(err, ErrStopped) {
		// No loop is running, so nothing else touches the state.
		return s.export(), nil
	}
	return data, err
}

func (s *Scheduler) export() types.SnapshotData {
	items := s.queue.Items()
	for i := range items {
		items[i].Status = types.StatusQueued
	}
	return types.SnapshotData{
		Inventory: s.store.OnHand(),
		Queue:     items,
		NextID:    s.nextID,
		SavedAt:   time.Now(),
	}
}

// ============================================================================
// Loop
// ============================================================================

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case o := <-s.results:
			s.settle(o)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Scheduler) shutdown() {
	s.stopping = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.cancel()
	if s.inflight != nil {
		s.settle(<-s.results)
	}
}

// post hands fn to the loop without waiting for it to run. It fails until
// Start has launched the loop and once the loop has exited.
func (s *Scheduler) post(fn func()) bool {
	if !s.started.Load() {
		return false
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *Scheduler) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	<-finished
	return nil
}

// ============================================================================
// Drive loop
// ============================================================================

func (s *Scheduler) drive() {
	for !s.stopping && s.phase == PhaseIdle && s.queue.Len() > 0 && s.gate.Running() {
		if !s.dev.Healthy() {
			log.Debug("Device unavailable, dispatch deferred")
			return
		}

		head := s.queue.Head()
		token, err := s.store.Reserve(head.Resources)
		if err != nil {
			var short *inventory.InsufficientResourceError
			if errors.As(err, &short) {
				s.blocked(head, short)
				return
			}
			// The shape was validated on entry; fail the entry rather than
			// wedge the queue behind it.
			log.Error("Reservation rejected", "id", head.ID, "error", err)
			s.finish(s.queue.PopHead(), types.StatusFailed, err.Error(), 0)
			continue
		}

		s.dispatch(head, token)
		return
	}
}

func (s *Scheduler) blocked(head *types.BuildRequest, short *inventory.InsufficientResourceError) {
	if s.blockedOn != head.ID {
		s.blockedOn = head.ID
		log.Info("Waiting for stock",
			"id", head.ID,
			"type", short.Type,
			"have", short.Have,
			"need", short.Need,
			"retry_in", s.cfg.RetryBackoff)
	}
	s.rec.ReservationBlocked(short.Type)
	s.scheduleRetry()
}

func (s *Scheduler) scheduleRetry() {
	if s.retry != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.RetryBackoff, func() {
		s.post(func() {
			// dispatch or shutdown may have replaced this timer meanwhile.
			if s.retry != t {
				return
			}
			s.retry = nil
			s.drive()
		})
	})
	s.retry = t
}

func (s *Scheduler) dispatch(head *types.BuildRequest, token inventory.Token) {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.blockedOn = 0

	s.inflight = &flight{id: head.ID, token: token, started: time.Now()}
	s.phase = PhaseDispatching
	s.setStatus(head, types.StatusReserved, "")
	s.publish()

	id := head.ID
	cmd := device.BuildCommand(head.Resources)
	go func() {
		ack, err := s.dev.Send(s.ctx, cmd)
		s.results <- outcome{id: id, ack: ack, err: err}
	}()

	s.phase = PhaseAwaitingCommit
	s.setStatus(head, types.StatusDispatched, "")
	s.rec.BuildDispatched()
	log.Info("Build dispatched", "id", head.ID, "command", cmd.String())
	s.publish()
}

// settle resolves the in-flight build.
func (s *Scheduler) settle(o outcome) {
	f := s.inflight
	if f == nil || f.id != o.id {
		log.Error("Outcome for unknown build ignored", "id", o.id)
		return
	}
	s.inflight = nil
	s.phase = PhaseIdle
	latency := time.Since(f.started)

	head := s.queue.Head()
	if head == nil || head.ID != f.id {
		// Unreachable: the in-flight entry cannot be cancelled.
		s.store.Release(f.token)
		log.Error("In-flight build missing from queue head", "id", f.id)
		return
	}

	switch {
	case o.err == nil:
		s.store.Commit(f.token)
		s.queue.PopHead()
		log.Info("Build committed", "id", f.id, "latency", latency)
		s.finish(head, types.StatusCommitted, "", latency)

	case s.stopping && (errors.Is(o.err, context.Canceled) || errors.Is(o.err, device.ErrClosed)):
		s.store.Release(f.token)
		s.setStatus(head, types.StatusQueued, "")
		log.Info("Build interrupted by shutdown, left queued", "id", f.id)

	default:
		s.store.Release(f.token)
		s.queue.PopHead()
		reason := o.err.Error()
		log.Warn("Build failed", "id", f.id, "error", o.err)
		s.finish(head, types.StatusFailed, reason, latency)
	}

	if len(s.parked) > 0 {
		parked := s.parked
		s.parked = make(types.Inventory)
		s.applyCounts(parked)
	}
	s.publish()
	s.drive()
}

// finish records a terminal outcome for an entry already off the queue.
func (s *Scheduler) finish(req *types.BuildRequest, status types.BuildStatus, reason string, latency time.Duration) {
	s.setStatus(req, status, reason)
	s.recent.Add(req.ID, req.Clone())
	s.rec.BuildFinished(status, latency)
}

func (s *Scheduler) setStatus(req *types.BuildRequest, status types.BuildStatus, reason string) {
	req.Status = status
	req.Error = reason
	req.UpdatedAt = time.Now()
}

// applyCounts pushes absolute device counts into the store.
func (s *Scheduler) applyCounts(counts types.Inventory) bool {
	changed := false
	for _, r := range types.AllResources {
		n, ok := counts[r]
		if !ok {
			continue
		}
		res, err := s.store.Replenish(r, n)
		if err != nil {
			log.Warn("Status report rejected", "type", r, "count", n, "error", err)
			continue
		}
		if res.Applied || res.Deferred {
			changed = true
		}
	}
	if changed {
		log.Debug("Inventory replenished", "counts", counts)
	}
	return changed
}

// ============================================================================
// Snapshots
// ============================================================================

func (s *Scheduler) publish() {
	snap := s.buildSnapshot()
	s.latest.Store(&snap)
	s.rec.StateChanged(snap)
	s.notifier.Publish(cloneSnapshot(snap))
}

func (s *Scheduler) buildSnapshot() types.Snapshot {
	s.version++

	keys := s.recent.Keys() // oldest first
	recent := make([]types.BuildRequest, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if req, ok := s.recent.Peek(keys[i]); ok {
			recent = append(recent, req.Clone())
		}
	}

	return types.Snapshot{
		Version:   s.version,
		Inventory: s.store.Snapshot(),
		Queue:     s.queue.Items(),
		RunState:  s.gate.State(),
		Recent:    recent,
		Device:    types.DeviceState{Connected: s.connected},
	}
}

func cloneSnapshot(snap types.Snapshot) types.Snapshot {
	out := snap
	out.Inventory = snap.Inventory.Clone()
	out.Queue = make([]types.BuildRequest, len(snap.Queue))
	for i, q := range snap.Queue {
		out.Queue[i] = q.Clone()
	}
	out.Recent = make([]types.BuildRequest, len(snap.Recent))
	for i, r := range snap.Recent {
		out.Recent[i] = r.Clone()
	}
	return out
}

func shapeString(resources []types.ResourceType) string {
	return device.BuildCommand(resources).String()[len("BUILD,"):]
}
