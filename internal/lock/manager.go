package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tuannm99/novacache/internal/common"
)

var (
	ErrTransactionAborted = errors.New("lock: transaction aborted")
	ErrLockNotHeld        = errors.New("lock: lock not held")
	ErrNoTransaction      = errors.New("lock: missing transaction id")
)

// Manager grants shared/exclusive page locks to transactions.
//
// Deadlocks are found with the wait-for graph on every blocked attempt:
// the transaction whose request closes a cycle is the victim and receives
// ErrTransactionAborted. There is no timeout; a waiter that is not part of
// a cycle waits until a holder releases or its context is done.
type Manager struct {
	mu sync.Mutex

	pages map[common.PageID]map[common.TxID]common.LockMode // page -> holders
	txns  map[common.TxID]map[common.PageID]struct{}        // tx -> pages it holds
	graph *waitsFor

	// released is closed and replaced whenever a lock goes away, waking
	// every blocked Acquire so it can retry.
	released chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		pages:    make(map[common.PageID]map[common.TxID]common.LockMode),
		txns:     make(map[common.TxID]map[common.PageID]struct{}),
		graph:    newWaitsFor(),
		released: make(chan struct{}),
	}
}

// TryAcquire attempts to grant the lock without blocking. On conflict it
// records tid -> holder edges for every conflicting holder and returns false.
func (m *Manager) TryAcquire(tid common.TxID, pid common.PageID, mode common.LockMode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryAcquireLocked(tid, pid, mode)
}

// Acquire blocks until the lock is granted. It returns ErrTransactionAborted
// when tid is found deadlocked or ctx is done before the grant.
func (m *Manager) Acquire(ctx context.Context, tid common.TxID, pid common.PageID, mode common.LockMode) error {
	if tid == common.NoTx {
		return ErrNoTransaction
	}

	waited := false
	for {
		m.mu.Lock()
		if m.tryAcquireLocked(tid, pid, mode) {
			m.mu.Unlock()
			if waited {
				slog.Debug("lock: granted after wait", "tid", tid, "page", pid, "mode", mode)
			}
			return nil
		}
		if m.graph.inCycle(tid) {
			holders := m.graph.outgoing(tid)
			m.graph.clearOutgoing(tid)
			m.mu.Unlock()
			slog.Debug("lock: deadlock victim", "tid", tid, "page", pid, "mode", mode, "waits_for", holders)
			return fmt.Errorf("%w: deadlock on %s", ErrTransactionAborted, pid)
		}
		wake := m.released
		m.mu.Unlock()

		if !waited {
			slog.Debug("lock: waiting", "tid", tid, "page", pid, "mode", mode)
			waited = true
		}

		select {
		case <-wake:
		case <-ctx.Done():
			m.mu.Lock()
			m.graph.clearOutgoing(tid)
			m.mu.Unlock()
			return fmt.Errorf("%w: waiting for %s: %w", ErrTransactionAborted, pid, ctx.Err())
		}
	}
}

func (m *Manager) tryAcquireLocked(tid common.TxID, pid common.PageID, mode common.LockMode) bool {
	holders := m.pages[pid]

	if held, ok := holders[tid]; ok {
		if held == common.Exclusive || mode == common.Shared {
			m.graph.clearOutgoing(tid)
			return true
		}
		// Shared -> Exclusive upgrade in place when tid is the only holder.
		if len(holders) == 1 {
			holders[tid] = common.Exclusive
			m.graph.clearOutgoing(tid)
			return true
		}
	}

	var conflicts []common.TxID
	for other, held := range holders {
		if other == tid {
			continue
		}
		if mode == common.Exclusive || held == common.Exclusive {
			conflicts = append(conflicts, other)
		}
	}
	if len(conflicts) > 0 {
		m.graph.setOutgoing(tid, conflicts)
		return false
	}

	if holders == nil {
		holders = make(map[common.TxID]common.LockMode)
		m.pages[pid] = holders
	}
	holders[tid] = mode

	held := m.txns[tid]
	if held == nil {
		held = make(map[common.PageID]struct{})
		m.txns[tid] = held
	}
	held[pid] = struct{}{}

	m.graph.clearOutgoing(tid)
	return true
}

// Release drops tid's lock on pid. Releasing a lock that is not held is a
// caller bug and reported as ErrLockNotHeld.
func (m *Manager) Release(tid common.TxID, pid common.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.releaseLocked(tid, pid) {
		return fmt.Errorf("%w: %s on %s", ErrLockNotHeld, tid, pid)
	}
	m.wakeLocked()
	return nil
}

// ReleaseAll drops every lock tid holds, removes tid from the wait-for
// graph and returns the pages that were unlocked.
func (m *Manager) ReleaseAll(tid common.TxID) []common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.txns[tid]
	pids := make([]common.PageID, 0, len(held))
	for pid := range held {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		m.releaseLocked(tid, pid)
	}
	m.graph.remove(tid)
	m.wakeLocked()

	sortPageIDs(pids)
	return pids
}

func (m *Manager) releaseLocked(tid common.TxID, pid common.PageID) bool {
	holders, ok := m.pages[pid]
	if !ok {
		return false
	}
	if _, ok := holders[tid]; !ok {
		return false
	}

	delete(holders, tid)
	if len(holders) == 0 {
		delete(m.pages, pid)
	}

	if held := m.txns[tid]; held != nil {
		delete(held, pid)
		if len(held) == 0 {
			delete(m.txns, tid)
		}
	}
	return true
}

func (m *Manager) wakeLocked() {
	close(m.released)
	m.released = make(chan struct{})
}

// Holds reports whether tid has a lock of either mode on pid.
func (m *Manager) Holds(tid common.TxID, pid common.PageID) bool {
	_, ok := m.HeldMode(tid, pid)
	return ok
}

func (m *Manager) HeldMode(tid common.TxID, pid common.PageID) (common.LockMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode, ok := m.pages[pid][tid]
	return mode, ok
}

// IsDeadlocked reports whether tid participates in a wait-for cycle.
func (m *Manager) IsDeadlocked(tid common.TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.inCycle(tid)
}

// WaitsFor returns the transactions tid is currently blocked on.
func (m *Manager) WaitsFor(tid common.TxID) []common.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.graph.outgoing(tid)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PagesHeld returns the pages tid holds a lock on, in page order.
func (m *Manager) PagesHeld(tid common.TxID) []common.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids := make([]common.PageID, 0, len(m.txns[tid]))
	for pid := range m.txns[tid] {
		pids = append(pids, pid)
	}
	sortPageIDs(pids)
	return pids
}

// Holders returns a copy of the lock set on pid.
func (m *Manager) Holders(pid common.PageID) map[common.TxID]common.LockMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[common.TxID]common.LockMode, len(m.pages[pid]))
	for tid, mode := range m.pages[pid] {
		res[tid] = mode
	}
	return res
}

func sortPageIDs(pids []common.PageID) {
	sort.Slice(pids, func(i, j int) bool { return pids[i].Less(pids[j]) })
}
