package txn

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tuannm99/novacache/internal/common"
)

var ErrNotActive = errors.New("txn: transaction is not active")

type State uint8

const (
	Active State = iota + 1
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Cache is the page cache side of transaction completion.
type Cache interface {
	FlushForTransaction(tid common.TxID) error
	RestoreForTransaction(tid common.TxID) error
}

// Log receives the commit and abort records.
type Log interface {
	LogCommit(tid common.TxID) error
	LogAbort(tid common.TxID) error
	Force() error
}

// Locks releases everything a transaction holds, cached or not.
type Locks interface {
	ReleaseAll(tid common.TxID) []common.PageID
}

type Transaction struct {
	id      common.TxID
	started time.Time
}

func (t *Transaction) ID() common.TxID { return t.id }

func (t *Transaction) Started() time.Time { return t.started }

// Coordinator drives each transaction from Active to Committed or Aborted.
type Coordinator struct {
	cache Cache
	log   Log
	locks Locks
	ids   *common.TxIDAllocator

	mu     sync.Mutex
	states map[common.TxID]State
	ending map[common.TxID]struct{}
}

func NewCoordinator(cache Cache, log Log, locks Locks, ids *common.TxIDAllocator) *Coordinator {
	if ids == nil {
		ids = &common.TxIDAllocator{}
	}
	return &Coordinator{
		cache:  cache,
		log:    log,
		locks:  locks,
		ids:    ids,
		states: make(map[common.TxID]State),
		ending: make(map[common.TxID]struct{}),
	}
}

func (c *Coordinator) Begin() *Transaction {
	tx := &Transaction{id: c.ids.Next(), started: time.Now()}
	c.mu.Lock()
	c.states[tx.id] = Active
	c.mu.Unlock()
	slog.Debug("txn: begin", "tx", tx.id)
	return tx
}

func (c *Coordinator) Commit(tx *Transaction) error { return c.Complete(tx.id, true) }

func (c *Coordinator) Abort(tx *Transaction) error { return c.Complete(tx.id, false) }

// Complete commits or aborts tid and then releases all of its locks.
// A commit whose page flush fails is rolled back and reported as an error.
func (c *Coordinator) Complete(tid common.TxID, commit bool) error {
	if err := c.beginEnding(tid); err != nil {
		return err
	}

	var err error
	final := Aborted
	if commit {
		if err = c.commit(tid); err == nil {
			final = Committed
		}
	} else {
		err = c.abort(tid)
	}

	released := c.locks.ReleaseAll(tid)
	c.finish(tid, final)
	slog.Debug("txn: complete", "tx", tid, "state", final, "released", len(released), "err", err)
	return err
}

func (c *Coordinator) commit(tid common.TxID) error {
	if err := c.cache.FlushForTransaction(tid); err != nil {
		slog.Warn("txn: commit flush failed, rolling back", "tx", tid, "err", err)
		return errors.Join(fmt.Errorf("txn: commit %s: %w", tid, err), c.abort(tid))
	}
	if err := c.log.LogCommit(tid); err != nil {
		return fmt.Errorf("txn: commit record for %s: %w", tid, err)
	}
	if err := c.log.Force(); err != nil {
		// pages are on disk but the commit record may not be; recovery rolls it back
		return fmt.Errorf("txn: force commit of %s: %w", tid, err)
	}
	return nil
}

func (c *Coordinator) abort(tid common.TxID) error {
	if err := c.cache.RestoreForTransaction(tid); err != nil {
		return fmt.Errorf("txn: abort %s: %w", tid, err)
	}
	if err := c.log.LogAbort(tid); err != nil {
		return fmt.Errorf("txn: abort record for %s: %w", tid, err)
	}
	return nil
}

func (c *Coordinator) beginEnding(tid common.TxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[tid]; !ok || st != Active {
		return fmt.Errorf("%w: %s", ErrNotActive, tid)
	}
	if _, ok := c.ending[tid]; ok {
		return fmt.Errorf("%w: %s is already completing", ErrNotActive, tid)
	}
	c.ending[tid] = struct{}{}
	return nil
}

func (c *Coordinator) finish(tid common.TxID, st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ending, tid)
	c.states[tid] = st
}

// State reports tid's state; ok is false for ids this coordinator never issued.
func (c *Coordinator) State(tid common.TxID) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[tid]
	return st, ok
}

// Active lists the transactions not yet committed or aborted.
func (c *Coordinator) Active() []common.TxID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.TxID
	for tid, st := range c.states {
		if st == Active {
			out = append(out, tid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
