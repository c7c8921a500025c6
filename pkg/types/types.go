// Package types defines the core domain model shared by the factobox
// coordinator: resource types, inventory, build requests and snapshots.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidShape is returned for a build submission that does not name
	// exactly ShapeSize known resource types.
	ErrInvalidShape = errors.New("invalid shape")
	// ErrUnknownResource is returned when a name or code maps to no resource type.
	ErrUnknownResource = errors.New("unknown resource type")
)

// ============================================================================
// Resource types
// ============================================================================

// ResourceType is one member of the closed set of block colours.
type ResourceType int

const (
	Red ResourceType = iota + 1
	Green
	Blue
)

// ShapeSize is the number of blocks in one tower.
const ShapeSize = 3

// AllResources lists every resource type in display order.
var AllResources = []ResourceType{Red, Green, Blue}

var resourceNames = map[ResourceType]string{
	Red:   "Red",
	Green: "Green",
	Blue:  "Blue",
}

// Valid reports whether r is a member of the closed set.
func (r ResourceType) Valid() bool {
	_, ok := resourceNames[r]
	return ok
}

func (r ResourceType) String() string {
	if name, ok := resourceNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ResourceType(%d)", int(r))
}

// Code returns the single-character device code (first letter of the name).
func (r ResourceType) Code() byte {
	if name, ok := resourceNames[r]; ok {
		return name[0]
	}
	return '?'
}

// MarshalText encodes r by name so JSON map keys and arrays stay readable.
func (r ResourceType) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResource, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText accepts a name (case-insensitive) or a device code.
func (r *ResourceType) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceType(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResourceType resolves a resource name ("red", "Red") or its
// single-character code ("R").
func ParseResourceType(s string) (ResourceType, error) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		if r, ok := ResourceFromCode(s[0]); ok {
			return r, nil
		}
	}
	for r, name := range resourceNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownResource, s)
}

// ResourceFromCode maps a device code back to its resource type.
func ResourceFromCode(c byte) (ResourceType, bool) {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for r, name := range resourceNames {
		if name[0] == c {
			return r, true
		}
	}
	return 0, false
}

// ParseResources turns a client-supplied list of names into a validated shape.
func ParseResources(names []string) ([]ResourceType, error) {
	if len(names) != ShapeSize {
		return nil, fmt.Errorf("%w: want %d resources, got %d", ErrInvalidShape, ShapeSize, len(names))
	}
	out := make([]ResourceType, 0, len(names))
	for _, name := range names {
		r, err := ParseResourceType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ValidateResources checks an already-typed shape.
func ValidateResources(resources []ResourceType) error {
	if len(resources) != ShapeSize {
		return fmt.Errorf("%w: want %d resources, got %d", ErrInvalidShape, ShapeSize, len(resources))
	}
	for _, r := range resources {
		if !r.Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidShape, fmt.Errorf("%w: %d", ErrUnknownResource, int(r)))
		}
	}
	return nil
}

// Tally counts how many units of each type a shape needs.
func Tally(resources []ResourceType) map[ResourceType]int {
	need := make(map[ResourceType]int, len(resources))
	for _, r := range resources {
		need[r]++
	}
	return need
}

// ============================================================================
// Inventory
// ============================================================================

// Inventory maps each resource type to a non-negative count.
type Inventory map[ResourceType]int

// Clone returns an independent copy.
func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for r, n := range inv {
		out[r] = n
	}
	return out
}

// ============================================================================
// Build requests
// ============================================================================

// BuildID is the coordinator-assigned, monotonically increasing request id.
type BuildID uint64

// BuildStatus is the lifecycle state of a build request.
type BuildStatus string

const (
	StatusQueued     BuildStatus = "Queued"     // waiting in the queue
	StatusReserved   BuildStatus = "Reserved"   // head of queue, units held
	StatusDispatched BuildStatus = "Dispatched" // command sent, awaiting ack
	StatusCommitted  BuildStatus = "Committed"  // device acknowledged, units consumed
	StatusFailed     BuildStatus = "Failed"     // device refused, timed out or dropped
	StatusCancelled  BuildStatus = "Cancelled"  // removed by a caller while queued
)

// Terminal reports whether the status ends the request's life in the queue.
func (s BuildStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed || s == StatusCancelled
}

// BuildRequest is one tower to fabricate.
type BuildRequest struct {
	ID          BuildID        `json:"id"`
	Resources   []ResourceType `json:"resources"`
	Status      BuildStatus    `json:"status"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone returns a copy that shares no slices with r.
func (r BuildRequest) Clone() BuildRequest {
	r.Resources = append([]ResourceType(nil), r.Resources...)
	return r
}

// ============================================================================
// Run state
// ============================================================================

// RunState is the position of the run/stop gate.
type RunState string

const (
	Stopped RunState = "Stopped"
	Running RunState = "Running"
)

// ============================================================================
// Snapshots
// ============================================================================

// DeviceState describes the fabrication device link as seen by observers.
type DeviceState struct {
	Connected bool `json:"connected"`
}

// Snapshot is the full state pushed to observers and returned by status.
// Version increases with every published change.
type Snapshot struct {
	Version   uint64         `json:"version"`
	Inventory Inventory      `json:"inventory"`
	Queue     []BuildRequest `json:"queue"`
	RunState  RunState       `json:"runState"`
	Recent    []BuildRequest `json:"recent,omitempty"`
	Device    DeviceState    `json:"device"`
}

// SnapshotData is the persisted state used to resume after a restart.
type SnapshotData struct {
	Inventory Inventory      `json:"inventory"`  // on-hand counts per type
	Queue     []BuildRequest `json:"queue"`      // pending requests in FIFO order
	NextID    BuildID        `json:"next_id"`    // next id to allocate
	SchemaVer int            `json:"schema_ver"` // format version
	SavedAt   time.Time      `json:"saved_at"`
}
