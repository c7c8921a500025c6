// ============================================================================
// Factobox Inventory Store - authoritative block counts
// ============================================================================
//
// Package: internal/inventory
// File: store.go
// Purpose: owns the per-type block counts and the reserve/commit/release
// protocol the scheduler uses when the head of the queue is about to build.
//
// Accounting per resource type:
//   onHand   - units believed to be physically present (includes reserved)
//   reserved - units held by outstanding reservations
//   consumed - units committed since the last replenish
//   total    - the last replenished total
//
//   available = onHand - reserved
//   consumed + available + reserved == total   (always)
//
// Reservation protocol:
//   Reserve() - all-or-nothing hold on every unit a shape needs
//   Commit()  - converts the hold into a permanent decrement
//   Release() - returns the held units to the available pool
//
// Replenish never lowers onHand below what is reserved; such a report is
// parked in deferred and applied once the reservations settle.
//
// ============================================================================

package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInsufficientResource is the errors.Is target of InsufficientResourceError.
	ErrInsufficientResource = errors.New("insufficient resource")
	// ErrNegativeCount rejects a negative starting or replenished count.
	ErrNegativeCount = errors.New("count must not be negative")
)

// InsufficientResourceError reports the first resource type a reservation
// could not satisfy.
type InsufficientResourceError struct {
	Type types.ResourceType
	Have int
	Need int
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: have %d, need %d", e.Type, e.Have, e.Need)
}

// Is lets callers match with errors.Is(err, ErrInsufficientResource).
func (e *InsufficientResourceError) Is(target error) bool {
	return target == ErrInsufficientResource
}

// ============================================================================
// Data structures
// ============================================================================

// Token identifies one outstanding reservation.
type Token uint64

// Level is the full accounting of one resource type.
type Level struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Consumed  int `json:"consumed"`
}

// ReplenishResult tells the caller whether a report was applied or parked.
type ReplenishResult struct {
	Applied  bool
	Deferred bool
}

// Store is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	onHand       map[types.ResourceType]int
	reserved     map[types.ResourceType]int
	consumed     map[types.ResourceType]int
	total        map[types.ResourceType]int
	deferred     map[types.ResourceType]int
	reservations map[Token]map[types.ResourceType]int
	nextToken    Token
}

// New builds a store from starting totals. Types missing from initial start
// at zero; unknown types or negative counts are rejected.
func New(initial types.Inventory) (*Store, error) {
	s := &Store{
		onHand:       make(map[types.ResourceType]int, len(types.AllResources)),
		reserved:     make(map[types.ResourceType]int, len(types.AllResources)),
		consumed:     make(map[types.ResourceType]int, len(types.AllResources)),
		total:        make(map[types.ResourceType]int, len(types.AllResources)),
		deferred:     make(map[types.ResourceType]int),
		reservations: make(map[Token]map[types.ResourceType]int),
	}

	for r, n := range initial {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %d", types.ErrUnknownResource, int(r))
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrNegativeCount, r, n)
		}
	}
	for _, r := range types.AllResources {
		s.onHand[r] = initial[r]
		s.total[r] = initial[r]
	}
	return s, nil
}

// ============================================================================
// Queries
// ============================================================================

// Snapshot returns the available count (on hand minus reserved) per type.
func (s *Store) Snapshot() types.Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv := make(types.Inventory, len(s.onHand))
	for r, n := range s.onHand {
		inv[r] = n - s.reserved[r]
	}
	return inv
}

// OnHand returns the physical counts including reserved units. This is what
// gets persisted: a reservation does not survive a restart.
func (s *Store) OnHand() types.Inventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv := make(types.Inventory, len(s.onHand))
	for r, n := range s.onHand {
		inv[r] = n
	}
	return inv
}

// Level returns the accounting for one type.
func (s *Store) Level(r types.ResourceType) Level {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Level{
		Total:     s.total[r],
		Available: s.onHand[r] - s.reserved[r],
		Reserved:  s.reserved[r],
		Consumed:  s.consumed[r],
	}
}

// Outstanding returns the number of open reservations.
func (s *Store) Outstanding() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reservations)
}

// ============================================================================
// Reservation protocol
// ============================================================================

// Reserve holds every unit the shape needs or nothing at all.
func (s *Store) Reserve(resources []types.ResourceType) (Token, error) {
	if err := types.ValidateResources(resources); err != nil {
		return 0, err
	}
	need := types.Tally(resources)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check in display order so the reported type is deterministic.
	for _, r := range types.AllResources {
		n, ok := need[r]
		if !ok {
			continue
		}
		if have := s.onHand[r] - s.reserved[r]; have < n {
			return 0, &InsufficientResourceError{Type: r, Have: have, Need: n}
		}
	}

	for r, n := range need {
		s.reserved[r] += n
	}
	s.nextToken++
	token := s.nextToken
	s.reservations[token] = need
	return token, nil
}

// Commit turns a reservation into a permanent decrement. Unknown or already
// settled tokens are a no-op.
func (s *Store) Commit(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need, ok := s.reservations[token]
	if !ok {
		return
	}
	delete(s.reservations, token)
	for r, n := range need {
		s.reserved[r] -= n
		s.onHand[r] -= n
		s.consumed[r] += n
		s.settle(r)
	}
}

// Release cancels a reservation and returns its units to the pool. Unknown or
// already settled tokens are a no-op.
func (s *Store) Release(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need, ok := s.reservations[token]
	if !ok {
		return
	}
	delete(s.reservations, token)
	for r, n := range need {
		s.reserved[r] -= n
		s.settle(r)
	}
}

// Replenish applies an absolute count reported by the device. A count below
// what is currently reserved is deferred until the reservations settle.
func (s *Store) Replenish(r types.ResourceType, newCount int) (ReplenishResult, error) {
	if !r.Valid() {
		return ReplenishResult{}, fmt.Errorf("%w: %d", types.ErrUnknownResource, int(r))
	}
	if newCount < 0 {
		return ReplenishResult{}, fmt.Errorf("%w: %s=%d", ErrNegativeCount, r, newCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if newCount < s.reserved[r] {
		s.deferred[r] = newCount
		log.Warn("Replenish below outstanding reservations deferred",
			"type", r, "count", newCount, "reserved", s.reserved[r])
		return ReplenishResult{Deferred: true}, nil
	}

	delete(s.deferred, r)
	s.apply(r, newCount)
	return ReplenishResult{Applied: true}, nil
}

// settle applies a deferred report once reservations no longer exceed it.
// Caller holds mu.
func (s *Store) settle(r types.ResourceType) {
	d, ok := s.deferred[r]
	if !ok || s.reserved[r] > d {
		return
	}
	delete(s.deferred, r)
	s.apply(r, d)
	log.Info("Deferred replenish applied", "type", r, "count", d)
}

// apply resets the accounting of r to a fresh total. Caller holds mu.
func (s *Store) apply(r types.ResourceType, count int) {
	s.onHand[r] = count
	s.total[r] = count
	s.consumed[r] = 0
}
