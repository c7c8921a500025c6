package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Jmolenaartje/Factobox/internal/device"
	"github.com/Jmolenaartje/Factobox/internal/gate"
	"github.com/Jmolenaartje/Factobox/internal/inventory"
	"github.com/Jmolenaartje/Factobox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type reply struct {
	ack device.Ack
	err error
}

// fakeDevice acknowledges immediately unless manual is set, in which case
// every Send waits for a reply pushed by the test.
type fakeDevice struct {
	mu       sync.Mutex
	healthy  bool
	manual   bool
	sent     []string
	notified []string
	replies  chan reply
}

func newFakeDevice(manual bool) *fakeDevice {
	return &fakeDevice{healthy: true, manual: manual, replies: make(chan reply)}
}

func (d *fakeDevice) Send(ctx context.Context, cmd device.Command) (device.Ack, error) {
	d.mu.Lock()
	d.sent = append(d.sent, cmd.String())
	manual := d.manual
	d.mu.Unlock()

	if !manual {
		return device.Ack{OK: true}, nil
	}
	select {
	case r := <-d.replies:
		return r.ack, r.err
	case <-ctx.Done():
		return device.Ack{}, ctx.Err()
	}
}

func (d *fakeDevice) Notify(cmd device.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, cmd.String())
	return nil
}

func (d *fakeDevice) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

func (d *fakeDevice) setHealthy(h bool) {
	d.mu.Lock()
	d.healthy = h
	d.mu.Unlock()
}

func (d *fakeDevice) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *fakeDevice) Notified() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.notified...)
}

func (d *fakeDevice) ack(t *testing.T, r reply) {
	t.Helper()
	select {
	case d.replies <- r:
	case <-time.After(2 * time.Second):
		t.Fatal("no send waiting for a reply")
	}
}

type snapshotLog struct {
	mu    sync.Mutex
	snaps []types.Snapshot
}

func (l *snapshotLog) Publish(snap types.Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, snap)
	l.mu.Unlock()
}

func (l *snapshotLog) All() []types.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Snapshot(nil), l.snaps...)
}

type countingRecorder struct {
	nopRecorder
	mu      sync.Mutex
	blocked map[types.ResourceType]int
}

func (r *countingRecorder) ReservationBlocked(t types.ResourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocked == nil {
		r.blocked = make(map[types.ResourceType]int)
	}
	r.blocked[t]++
}

func (r *countingRecorder) Blocked(t types.ResourceType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[t]
}

// ============================================================================
// Helpers
// ============================================================================

var (
	rgb = []types.ResourceType{types.Red, types.Green, types.Blue}
	bbb = []types.ResourceType{types.Blue, types.Blue, types.Blue}
)

type harness struct {
	sched *Scheduler
	store *inventory.Store
	dev   *fakeDevice
	log   *snapshotLog
	rec   *countingRecorder
}

func newHarness(t *testing.T, inv types.Inventory, manual bool, cfg Config) *harness {
	t.Helper()
	store, err := inventory.New(inv)
	require.NoError(t, err)

	h := &harness{
		store: store,
		dev:   newFakeDevice(manual),
		log:   &snapshotLog{},
		rec:   &countingRecorder{},
	}
	h.sched = New(cfg, store, gate.New(), h.dev, h.log, h.rec)
	h.sched.Start()
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) waitFor(t *testing.T, cond func(types.Snapshot) bool) types.Snapshot {
	t.Helper()
	var last types.Snapshot
	require.Eventually(t, func() bool {
		last = h.sched.Status()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, "last snapshot: %+v", last)
	return last
}

func queueEmpty(s types.Snapshot) bool { return len(s.Queue) == 0 }

func statusOf(s types.Snapshot, id types.BuildID) types.BuildStatus {
	for _, q := range s.Queue {
		if q.ID == id {
			return q.Status
		}
	}
	for _, r := range s.Recent {
		if r.ID == id {
			return r.Status
		}
	}
	return ""
}

func assertConserved(t *testing.T, store *inventory.Store) {
	t.Helper()
	for _, r := range types.AllResources {
		lvl := store.Level(r)
		assert.GreaterOrEqual(t, lvl.Available, 0, "%s available", r)
		assert.Equal(t, lvl.Total, lvl.Consumed+lvl.Available+lvl.Reserved, "%s conservation", r)
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestBuildCommitsAndDecrements(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, false, Config{})

	state, err := h.sched.StartRun()
	require.NoError(t, err)
	assert.Equal(t, types.Running, state)

	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	assert.Equal(t, types.BuildID(1), req.ID)
	assert.Equal(t, types.StatusQueued, req.Status)

	snap := h.waitFor(t, func(s types.Snapshot) bool {
		return queueEmpty(s) && statusOf(s, req.ID) == types.StatusCommitted
	})
	assert.Equal(t, types.Inventory{types.Red: 2, types.Green: 2, types.Blue: 2}, snap.Inventory)
	assert.Equal(t, []string{"BUILD,R,G,B"}, h.dev.Sent())
	assertConserved(t, h.store)
}

func TestInsufficientStockWaitsForReplenish(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 0, types.Green: 3, types.Blue: 3}, false,
		Config{RetryBackoff: time.Hour})

	_, err := h.sched.StartRun()
	require.NoError(t, err)
	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.rec.Blocked(types.Red) > 0 }, time.Second, 5*time.Millisecond)
	snap := h.sched.Status()
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, types.StatusQueued, snap.Queue[0].Status)
	assert.Empty(t, h.dev.Sent())

	h.sched.Replenish(device.StatusReport{Counts: types.Inventory{types.Red: 1}})

	snap = h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusCommitted })
	assert.Equal(t, 0, snap.Inventory[types.Red])
	assert.Equal(t, []string{"BUILD,R,G,B"}, h.dev.Sent())
	assertConserved(t, h.store)
}

func TestInsufficientStockRetriesOnBackoff(t *testing.T) {
	store, err := inventory.New(types.Inventory{types.Green: 1, types.Blue: 1})
	require.NoError(t, err)
	dev := newFakeDevice(false)
	rec := &countingRecorder{}
	s := New(Config{RetryBackoff: 10 * time.Millisecond}, store, gate.New(), dev, nil, rec)
	s.Start()
	defer s.Stop()

	_, err = s.StartRun()
	require.NoError(t, err)
	_, err = s.Submit(rgb)
	require.NoError(t, err)

	// The timer keeps re-driving while stock is short.
	require.Eventually(t, func() bool { return rec.Blocked(types.Red) >= 3 }, time.Second, 5*time.Millisecond)

	// Stock that arrives outside of a status report is picked up by the retry.
	_, err = store.Replenish(types.Red, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(dev.Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentSubmissionsNeverOversell(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 1, types.Green: 1, types.Blue: 1}, false,
		Config{RetryBackoff: time.Hour})

	var wg sync.WaitGroup
	for _, shape := range [][]types.ResourceType{rgb, bbb} {
		wg.Add(1)
		go func(shape []types.ResourceType) {
			defer wg.Done()
			_, err := h.sched.Submit(shape)
			assert.NoError(t, err)
		}(shape)
	}
	wg.Wait()

	queued := h.sched.Status().Queue
	require.Len(t, queued, 2)
	rgbFirst := queued[0].Resources[0] == types.Red

	_, err := h.sched.StartRun()
	require.NoError(t, err)

	if rgbFirst {
		snap := h.waitFor(t, func(s types.Snapshot) bool {
			return len(s.Queue) == 1 && len(s.Recent) == 1
		})
		assert.Equal(t, types.StatusCommitted, snap.Recent[0].Status)
		assert.Equal(t, types.StatusQueued, snap.Queue[0].Status)
		assert.Len(t, h.dev.Sent(), 1)
	} else {
		// BBB holds the head; RGB must not overtake it.
		require.Eventually(t, func() bool { return h.rec.Blocked(types.Blue) > 0 }, time.Second, 5*time.Millisecond)
		assert.Len(t, h.sched.Status().Queue, 2)
		assert.Empty(t, h.dev.Sent())
	}
	assert.LessOrEqual(t, h.store.Level(types.Blue).Consumed, 1)
	assertConserved(t, h.store)
}

func TestOnlyOneOfTwoCompetingBuildsCommits(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 1, types.Green: 1, types.Blue: 1}, false,
		Config{RetryBackoff: time.Hour})

	first, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	second, err := h.sched.Submit(bbb)
	require.NoError(t, err)
	_, err = h.sched.StartRun()
	require.NoError(t, err)

	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, first.ID) == types.StatusCommitted })
	require.Eventually(t, func() bool { return h.rec.Blocked(types.Blue) > 0 }, time.Second, 5*time.Millisecond)
	snap := h.sched.Status()
	assert.Equal(t, types.StatusQueued, statusOf(snap, second.ID))
	assert.Equal(t, 0, snap.Inventory[types.Blue])
	assert.Equal(t, []string{"BUILD,R,G,B"}, h.dev.Sent())
	assertConserved(t, h.store)
}

func TestStoppedGateHoldsQueue(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, false, Config{})

	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)

	snap := h.sched.Status()
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, types.Stopped, snap.RunState)
	assert.Equal(t, types.StatusQueued, snap.Queue[0].Status)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.dev.Sent())
	assert.Equal(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, h.sched.Status().Inventory)

	_, err = h.sched.StartRun()
	require.NoError(t, err)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusCommitted })
	require.Eventually(t, func() bool {
		return len(h.dev.Notified()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"START"}, h.dev.Notified())
}

func TestDisconnectMidDispatchFailsAndReleases(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusDispatched })
	assert.Equal(t, types.Inventory{types.Red: 2, types.Green: 2, types.Blue: 2}, h.sched.Status().Inventory)

	h.dev.setHealthy(false)
	h.sched.LinkChanged(false)
	h.dev.ack(t, reply{err: device.ErrDisconnected})

	snap := h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusFailed })
	assert.Empty(t, snap.Queue)
	assert.Equal(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, snap.Inventory)
	assert.Contains(t, snap.Recent[0].Error, "disconnected")
	assert.False(t, snap.Device.Connected)

	// Still accepting work while the link is down; nothing is dispatched.
	next, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.dev.Sent(), 1)
	assert.Equal(t, types.StatusQueued, statusOf(h.sched.Status(), next.ID))

	// Reconnect re-drives.
	h.dev.setHealthy(true)
	h.sched.LinkChanged(true)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, next.ID) == types.StatusDispatched })
	h.dev.ack(t, reply{ack: device.Ack{OK: true}})
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, next.ID) == types.StatusCommitted })
	assertConserved(t, h.store)
}

func TestNegativeAckIsTerminalFailure(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	h.dev.ack(t, reply{
		ack: device.Ack{Reason: "gripper jammed"},
		err: fmt.Errorf("%w: gripper jammed", device.ErrNegativeAck),
	})

	snap := h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusFailed })
	assert.Equal(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, snap.Inventory)

	// Not retried.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.dev.Sent(), 1)
	for _, s := range h.log.All() {
		assert.NotEqual(t, types.StatusCommitted, statusOf(s, req.ID))
	}
}

func TestFIFOOrderOneInFlight(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 9, types.Green: 9, types.Blue: 9}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	shapes := [][]types.ResourceType{
		rgb,
		bbb,
		{types.Green, types.Green, types.Red},
	}
	var reqs []types.BuildRequest
	for _, shape := range shapes {
		req, err := h.sched.Submit(shape)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	for i, req := range reqs {
		h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusDispatched })
		snap := h.sched.Status()
		for _, later := range reqs[i+1:] {
			assert.Equal(t, types.StatusQueued, statusOf(snap, later.ID))
		}
		assert.Len(t, h.dev.Sent(), i+1)
		h.dev.ack(t, reply{ack: device.Ack{OK: true}})
	}

	h.waitFor(t, queueEmpty)
	assert.Equal(t, []string{"BUILD,R,G,B", "BUILD,B,B,B", "BUILD,G,G,R"}, h.dev.Sent())

	// Recent is newest first.
	snap := h.sched.Status()
	require.Len(t, snap.Recent, 3)
	assert.Equal(t, reqs[2].ID, snap.Recent[0].ID)
	assertConserved(t, h.store)
}

func TestStopRunLetsInFlightFinish(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	first, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	second, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, first.ID) == types.StatusDispatched })

	state, err := h.sched.StopRun()
	require.NoError(t, err)
	assert.Equal(t, types.Stopped, state)

	h.dev.ack(t, reply{ack: device.Ack{OK: true}})
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, first.ID) == types.StatusCommitted })

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, types.StatusQueued, statusOf(h.sched.Status(), second.ID))
	assert.Len(t, h.dev.Sent(), 1)
}

func TestRunStateIdempotent(t *testing.T) {
	h := newHarness(t, types.Inventory{}, false, Config{})

	for i := 0; i < 2; i++ {
		state, err := h.sched.StartRun()
		require.NoError(t, err)
		assert.Equal(t, types.Running, state)
	}
	for i := 0; i < 2; i++ {
		state, err := h.sched.StopRun()
		require.NoError(t, err)
		assert.Equal(t, types.Stopped, state)
	}

	require.Eventually(t, func() bool { return len(h.dev.Notified()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.ElementsMatch(t, []string{"START", "STOP"}, h.dev.Notified())
}

func TestSubmitRejectsInvalidShape(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3}, false, Config{})
	before := h.sched.Status()

	_, err := h.sched.Submit([]types.ResourceType{types.Red, types.Red})
	assert.ErrorIs(t, err, types.ErrInvalidShape)
	_, err = h.sched.Submit([]types.ResourceType{types.Red, types.Red, types.ResourceType(9)})
	assert.ErrorIs(t, err, types.ErrInvalidShape)

	after := h.sched.Status()
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Queue)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	first, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	second, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	third, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, first.ID) == types.StatusDispatched })

	_, err = h.sched.Cancel(first.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	cancelled, err := h.sched.Cancel(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = h.sched.Cancel(second.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	_, err = h.sched.Cancel(99)
	assert.ErrorIs(t, err, ErrNotFound)

	snap := h.sched.Status()
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, first.ID, snap.Queue[0].ID)
	assert.Equal(t, third.ID, snap.Queue[1].ID)

	h.dev.ack(t, reply{ack: device.Ack{OK: true}})
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, third.ID) == types.StatusDispatched })
	h.dev.ack(t, reply{ack: device.Ack{OK: true}})
	h.waitFor(t, queueEmpty)
	assert.Len(t, h.dev.Sent(), 2)
}

func TestStatusReportParkedDuringFlight(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, true, Config{})
	_, err := h.sched.StartRun()
	require.NoError(t, err)

	req, err := h.sched.Submit(rgb)
	require.NoError(t, err)
	h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusDispatched })

	// Post-build counts reported before the ack lands.
	h.sched.Replenish(device.StatusReport{Counts: types.Inventory{types.Red: 2, types.Green: 2, types.Blue: 2}})
	h.dev.ack(t, reply{ack: device.Ack{OK: true}})

	snap := h.waitFor(t, func(s types.Snapshot) bool { return statusOf(s, req.ID) == types.StatusCommitted })
	assert.Equal(t, types.Inventory{types.Red: 2, types.Green: 2, types.Blue: 2}, snap.Inventory)
	assertConserved(t, h.store)
}

func TestReplenishPublishesSnapshot(t *testing.T) {
	h := newHarness(t, types.Inventory{types.Red: 1}, false, Config{})
	h.sched.Replenish(device.StatusReport{Counts: types.Inventory{types.Red: 5, types.Blue: 0}})

	snap := h.waitFor(t, func(s types.Snapshot) bool { return s.Inventory[types.Red] == 5 })
	assert.Equal(t, 0, snap.Inventory[types.Blue])

	all := h.log.All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Version, all[i-1].Version)
	}
}

func TestStopInterruptsInFlightAndKeepsItQueued(t *testing.T) {
	store, err := inventory.New(types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3})
	require.NoError(t, err)
	dev := newFakeDevice(true)
	s := New(Config{}, store, gate.New(), dev, nil, nil)
	s.Start()

	_, err = s.StartRun()
	require.NoError(t, err)
	req, err := s.Submit(rgb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(dev.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()

	assert.Equal(t, 0, store.Outstanding())
	data, err := s.Export()
	require.NoError(t, err)
	require.Len(t, data.Queue, 1)
	assert.Equal(t, req.ID, data.Queue[0].ID)
	assert.Equal(t, types.StatusQueued, data.Queue[0].Status)
	assert.Equal(t, types.BuildID(2), data.NextID)
	assert.Equal(t, 3, data.Inventory[types.Red])

	_, err = s.Submit(rgb)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = s.StartRun()
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestRestoreRequeuesInOrder(t *testing.T) {
	store, err := inventory.New(types.Inventory{types.Red: 9, types.Green: 9, types.Blue: 9})
	require.NoError(t, err)
	dev := newFakeDevice(false)
	s := New(Config{}, store, gate.New(), dev, nil, nil)

	s.Restore(types.SnapshotData{
		Queue: []types.BuildRequest{
			{ID: 4, Resources: rgb, Status: types.StatusDispatched},
			{ID: 5, Resources: []types.ResourceType{types.Red}, Status: types.StatusQueued},
			{ID: 6, Resources: bbb, Status: types.StatusQueued},
			{ID: 7, Resources: rgb, Status: types.StatusCommitted},
		},
		NextID: 3,
	})
	s.Start()
	defer s.Stop()

	snap := s.Status()
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, types.BuildID(4), snap.Queue[0].ID)
	assert.Equal(t, types.StatusQueued, snap.Queue[0].Status)
	assert.Equal(t, types.BuildID(6), snap.Queue[1].ID)

	req, err := s.Submit(rgb)
	require.NoError(t, err)
	assert.Equal(t, types.BuildID(7), req.ID)

	_, err = s.StartRun()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(dev.Sent()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"BUILD,R,G,B", "BUILD,B,B,B", "BUILD,R,G,B"}, dev.Sent())
}

func TestCallsBeforeStartFailFast(t *testing.T) {
	store, err := inventory.New(types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3})
	require.NoError(t, err)
	s := New(Config{}, store, gate.New(), newFakeDevice(false), nil, nil)
	defer s.Stop()

	done := make(chan error, 3)
	go func() {
		_, err := s.Submit(rgb)
		done <- err
	}()
	go func() {
		_, err := s.Cancel(1)
		done <- err
	}()
	go func() {
		_, err := s.StartRun()
		done <- err
	}()

	for i := 0; i < 3; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("call before Start blocked")
		}
	}

	data, err := s.Export()
	require.NoError(t, err)
	assert.Empty(t, data.Queue)
}

func TestStaleRetryKeepsNewerTimer(t *testing.T) {
	h := newHarness(t, types.Inventory{}, false, Config{RetryBackoff: 10 * time.Millisecond})
	s := h.sched

	var first, second *time.Timer
	require.NoError(t, s.call(func() {
		s.scheduleRetry()
		first = s.retry
		// The timer fires while the loop is busy; its drive waits in post.
		time.Sleep(50 * time.Millisecond)

		// A dispatch clears the field, then a later block arms a new timer.
		s.retry = nil
		s.cfg.RetryBackoff = time.Hour
		s.scheduleRetry()
		second = s.retry
	}))
	require.NotNil(t, second)
	require.NotSame(t, first, second)

	// Let the stale callback run, then check the live timer is still tracked.
	time.Sleep(20 * time.Millisecond)
	var current *time.Timer
	require.NoError(t, s.call(func() { current = s.retry }))
	assert.Same(t, second, current)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "Idle", PhaseIdle.String())
	assert.Equal(t, "Dispatching", PhaseDispatching.String())
	assert.Equal(t, "AwaitingCommit", PhaseAwaitingCommit.String())
}
