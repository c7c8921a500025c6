package scheduler

import (
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ============================================================================
// Build queue
// ============================================================================
//
// Ordered pending requests, head first. The queue is owned by the scheduler
// loop and is not safe for concurrent use on its own.
//
//   entries []*BuildRequest   - FIFO order
//   index   map[id]*entry     - O(1) lookup for Cancel and the in-flight entry
//
// Appends go to the tail. The head leaves once it reaches a terminal state;
// any other entry can only leave through Remove (cancellation), which keeps
// the relative order of the rest.
// ============================================================================

type queue struct {
	entries []*types.BuildRequest
	index   map[types.BuildID]*types.BuildRequest
}

func newQueue() *queue {
	return &queue{index: make(map[types.BuildID]*types.BuildRequest)}
}

func (q *queue) Len() int { return len(q.entries) }

// Append adds req at the tail.
func (q *queue) Append(req *types.BuildRequest) {
	q.entries = append(q.entries, req)
	q.index[req.ID] = req
}

// Head returns the oldest entry, or nil.
func (q *queue) Head() *types.BuildRequest {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// PopHead removes and returns the oldest entry, or nil.
func (q *queue) PopHead() *types.BuildRequest {
	if len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	delete(q.index, head.ID)
	return head
}

// Get looks an entry up by id.
func (q *queue) Get(id types.BuildID) (*types.BuildRequest, bool) {
	req, ok := q.index[id]
	return req, ok
}

// Remove takes id out of the queue wherever it is.
func (q *queue) Remove(id types.BuildID) (*types.BuildRequest, bool) {
	req, ok := q.index[id]
	if !ok {
		return nil, false
	}
	delete(q.index, id)
	for i, e := range q.entries {
		if e.ID == id {
			copy(q.entries[i:], q.entries[i+1:])
			q.entries[len(q.entries)-1] = nil
			q.entries = q.entries[:len(q.entries)-1]
			break
		}
	}
	return req, true
}

// Items returns copies of every entry in order.
func (q *queue) Items() []types.BuildRequest {
	out := make([]types.BuildRequest, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.Clone())
	}
	return out
}
