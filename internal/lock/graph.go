package lock

import "github.com/tuannm99/novacache/internal/common"

// waitsFor is the wait-for graph: an edge a -> b means a is blocked on a
// lock b holds. It has no mutex of its own; the Manager's mutex guards it.
type waitsFor struct {
	edges map[common.TxID]map[common.TxID]struct{}
}

func newWaitsFor() *waitsFor {
	return &waitsFor{edges: make(map[common.TxID]map[common.TxID]struct{})}
}

// setOutgoing replaces every edge leaving waiter with edges to holders.
func (g *waitsFor) setOutgoing(waiter common.TxID, holders []common.TxID) {
	if len(holders) == 0 {
		delete(g.edges, waiter)
		return
	}
	out := make(map[common.TxID]struct{}, len(holders))
	for _, h := range holders {
		if h != waiter {
			out[h] = struct{}{}
		}
	}
	g.edges[waiter] = out
}

func (g *waitsFor) clearOutgoing(tid common.TxID) {
	delete(g.edges, tid)
}

// remove drops tid as both waiter and holder.
func (g *waitsFor) remove(tid common.TxID) {
	delete(g.edges, tid)
	for waiter, out := range g.edges {
		delete(out, tid)
		if len(out) == 0 {
			delete(g.edges, waiter)
		}
	}
}

func (g *waitsFor) outgoing(tid common.TxID) []common.TxID {
	out := g.edges[tid]
	res := make([]common.TxID, 0, len(out))
	for h := range out {
		res = append(res, h)
	}
	return res
}

// inCycle reports whether tid can reach itself.
func (g *waitsFor) inCycle(tid common.TxID) bool {
	visited := make(map[common.TxID]bool)
	stack := g.outgoing(tid)
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]

		if cur == tid {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for next := range g.edges[cur] {
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}
