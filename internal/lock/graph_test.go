package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tuannm99/novacache/internal/common"
)

func TestWaitsFor_Cycle(t *testing.T) {
	g := newWaitsFor()

	g.setOutgoing(1, []common.TxID{2})
	g.setOutgoing(2, []common.TxID{3})
	assert.False(t, g.inCycle(1))

	g.setOutgoing(3, []common.TxID{1})
	assert.True(t, g.inCycle(1))
	assert.True(t, g.inCycle(2))
	assert.True(t, g.inCycle(3))

	g.remove(2)
	assert.False(t, g.inCycle(1))
	assert.False(t, g.inCycle(3))
}

func TestWaitsFor_NodeOutsideCycleIsNotDeadlocked(t *testing.T) {
	g := newWaitsFor()

	// 4 waits on a cycle but is not part of it.
	g.setOutgoing(1, []common.TxID{2})
	g.setOutgoing(2, []common.TxID{1})
	g.setOutgoing(4, []common.TxID{1})

	assert.True(t, g.inCycle(1))
	assert.False(t, g.inCycle(4))
}

func TestWaitsFor_SetOutgoingReplaces(t *testing.T) {
	g := newWaitsFor()

	g.setOutgoing(1, []common.TxID{2, 3})
	assert.ElementsMatch(t, []common.TxID{2, 3}, g.outgoing(1))

	g.setOutgoing(1, []common.TxID{4})
	assert.Equal(t, []common.TxID{4}, g.outgoing(1))

	g.setOutgoing(1, nil)
	assert.Empty(t, g.outgoing(1))

	// Self edges are never recorded.
	g.setOutgoing(5, []common.TxID{5})
	assert.False(t, g.inCycle(5))
}
