// Package broadcast fans coordinator snapshots out to every connected
// observer.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// ErrSlowObserver is returned by ChanObserver when its buffer is full.
var ErrSlowObserver = errors.New("observer buffer full")

// =============================================================================
// Observer
// =============================================================================

// Observer is one connected party. Send must not block; an error removes the
// observer.
type Observer interface {
	ID() string
	Send(snap types.Snapshot) error
}

// closer is implemented by observers that want to know when they are dropped.
type closer interface {
	Close()
}

// CountRecorder is told the observer count after every change.
type CountRecorder interface {
	ObserversChanged(n int)
}

// =============================================================================
// Broadcaster
// =============================================================================

// Broadcaster holds the live observer set and the latest snapshot. Publish
// and Register serialise on one mutex, so an observer sees snapshots in
// publish order starting with the one current at registration.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[string]Observer
	latest    *types.Snapshot
	rec       CountRecorder
}

// New creates an empty broadcaster. rec may be nil.
func New(rec CountRecorder) *Broadcaster {
	return &Broadcaster{
		observers: make(map[string]Observer),
		rec:       rec,
	}
}

// Register adds o and immediately sends it the current snapshot, if any.
func (b *Broadcaster) Register(o Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latest != nil {
		if err := o.Send(*b.latest); err != nil {
			log.Warn("Observer rejected initial snapshot", "observer", o.ID(), "error", err)
			b.closeLocked(o)
			return err
		}
	}
	b.observers[o.ID()] = o
	log.Info("Observer registered", "observer", o.ID(), "observers", len(b.observers))
	b.recordLocked()
	return nil
}

// Unregister removes the observer with the given id. Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.observers[id]
	if !ok {
		return
	}
	delete(b.observers, id)
	b.closeLocked(o)
	log.Info("Observer unregistered", "observer", id, "observers", len(b.observers))
	b.recordLocked()
}

// Publish records snap as current and sends it to every observer. An
// observer whose Send fails is dropped; the others are unaffected.
func (b *Broadcaster) Publish(snap types.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest = &snap
	dropped := false
	for id, o := range b.observers {
		if err := o.Send(snap); err != nil {
			log.Warn("Dropping observer after failed send", "observer", id, "error", err)
			delete(b.observers, id)
			b.closeLocked(o)
			dropped = true
		}
	}
	if dropped {
		b.recordLocked()
	}
}

// Latest returns the last published snapshot.
func (b *Broadcaster) Latest() (types.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return types.Snapshot{}, false
	}
	return *b.latest, true
}

// Count returns the number of registered observers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Close drops every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, o := range b.observers {
		delete(b.observers, id)
		b.closeLocked(o)
	}
	b.recordLocked()
}

func (b *Broadcaster) closeLocked(o Observer) {
	if c, ok := o.(closer); ok {
		c.Close()
	}
}

func (b *Broadcaster) recordLocked() {
	if b.rec != nil {
		b.rec.ObserversChanged(len(b.observers))
	}
}

// =============================================================================
// ChanObserver
// =============================================================================

// ChanObserver buffers snapshots for a connection writer goroutine.
type ChanObserver struct {
	id   string
	ch   chan types.Snapshot
	done chan struct{}
	once sync.Once
}

// NewChanObserver creates an observer with a random id.
func NewChanObserver(buffer int) *ChanObserver {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanObserver{
		id:   uuid.NewString(),
		ch:   make(chan types.Snapshot, buffer),
		done: make(chan struct{}),
	}
}

func (o *ChanObserver) ID() string { return o.id }

// Send enqueues snap or fails with ErrSlowObserver.
func (o *ChanObserver) Send(snap types.Snapshot) error {
	select {
	case <-o.done:
		return errors.New("observer closed")
	default:
	}
	select {
	case o.ch <- snap:
		return nil
	default:
		return ErrSlowObserver
	}
}

// C delivers snapshots in publish order.
func (o *ChanObserver) C() <-chan types.Snapshot { return o.ch }

// Done is closed once the broadcaster drops the observer.
func (o *ChanObserver) Done() <-chan struct{} { return o.done }

// Close marks the observer as dropped. Safe to call more than once.
func (o *ChanObserver) Close() {
	o.once.Do(func() { close(o.done) })
}
