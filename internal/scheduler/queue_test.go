package scheduler

import (
	"testing"

	"github.com/Jmolenaartje/Factobox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(items []types.BuildRequest) []types.BuildID {
	out := make([]types.BuildID, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestQueueFIFO(t *testing.T) {
	q := newQueue()
	assert.Nil(t, q.Head())
	assert.Nil(t, q.PopHead())

	for i := 1; i <= 3; i++ {
		q.Append(&types.BuildRequest{ID: types.BuildID(i)})
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, types.BuildID(1), q.Head().ID)

	assert.Equal(t, types.BuildID(1), q.PopHead().ID)
	assert.Equal(t, []types.BuildID{2, 3}, ids(q.Items()))

	_, ok := q.Get(1)
	assert.False(t, ok)
}

func TestQueueRemoveKeepsOrder(t *testing.T) {
	q := newQueue()
	for i := 1; i <= 4; i++ {
		q.Append(&types.BuildRequest{ID: types.BuildID(i)})
	}

	req, ok := q.Remove(3)
	require.True(t, ok)
	assert.Equal(t, types.BuildID(3), req.ID)
	assert.Equal(t, []types.BuildID{1, 2, 4}, ids(q.Items()))

	_, ok = q.Remove(3)
	assert.False(t, ok)

	q.Append(&types.BuildRequest{ID: 5})
	assert.Equal(t, []types.BuildID{1, 2, 4, 5}, ids(q.Items()))
}

func TestQueueItemsAreCopies(t *testing.T) {
	q := newQueue()
	q.Append(&types.BuildRequest{ID: 1, Resources: []types.ResourceType{types.Red, types.Green, types.Blue}})

	items := q.Items()
	items[0].Resources[0] = types.Blue
	items[0].Status = types.StatusFailed

	head := q.Head()
	assert.Equal(t, types.Red, head.Resources[0])
	assert.Empty(t, head.Status)
}
