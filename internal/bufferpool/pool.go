package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/storage"
)

var (
	DefaultCapacity = 50

	ErrEvictionExhausted = errors.New("bufferpool: no clean page to evict")
)

// Catalog resolves the table part of a page id to its file.
type Catalog interface {
	File(tableID uint32) (storage.File, error)
}

// RecoveryLog is the write-ahead log as seen by the pool.
type RecoveryLog interface {
	LogWrite(tid common.TxID, pid common.PageID, before, after []byte) error
	Force() error
}

// Locks is the page lock table.
type Locks interface {
	Acquire(ctx context.Context, tid common.TxID, pid common.PageID, mode common.LockMode) error
	Release(tid common.TxID, pid common.PageID) error
	Holds(tid common.TxID, pid common.PageID) bool
}

type Options struct {
	Capacity int
	PageSize int
}

type frame struct {
	page *storage.Page
	// stolen is the transaction whose uncommitted content was flushed to
	// disk from this frame. Such a frame stays resident until that
	// transaction commits or aborts.
	stolen common.TxID
}

func (f *frame) evictable() bool {
	_, dirty := f.page.IsDirty()
	return !dirty && f.stolen == common.NoTx
}

var _ storage.PageSource = (*Pool)(nil)

// Pool is the transactional page cache. Lock waits happen outside mu; the
// lock table and the page table are never held at the same time.
type Pool struct {
	cat      Catalog
	locks    Locks
	log      RecoveryLog
	capacity int
	pageSize int

	mu        sync.Mutex
	frames    []*frame              // len == capacity, nil == free slot
	pageTable map[common.PageID]int // page id -> frame index
	replacer  Replacer
}

func NewPool(opts Options, cat Catalog, locks Locks, log RecoveryLog) *Pool {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	pageSize := opts.PageSize
	if !storage.ValidPageSize(pageSize) {
		pageSize = storage.DefaultPageSize
	}
	return &Pool{
		cat:       cat,
		locks:     locks,
		log:       log,
		capacity:  capacity,
		pageSize:  pageSize,
		frames:    make([]*frame, capacity),
		pageTable: make(map[common.PageID]int, capacity),
		replacer:  newAdmissionLRU(capacity),
	}
}

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) PageSize() int { return p.pageSize }

// GetPage locks pid for tid in the given mode, blocking until granted, then
// returns the cached page, loading it from its file on a miss.
func (p *Pool) GetPage(ctx context.Context, tid common.TxID, pid common.PageID, mode common.LockMode) (*storage.Page, error) {
	if err := p.locks.Acquire(ctx, tid, pid, mode); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTable[pid]; ok {
		return p.frames[idx].page, nil
	}

	file, err := p.cat.File(pid.TableID)
	if err != nil {
		return nil, err
	}
	page, err := file.ReadPage(pid)
	if err != nil {
		return nil, err
	}
	if page.Size() != p.pageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, pool uses %d", storage.ErrWrongSize, pid, page.Size(), p.pageSize)
	}
	if _, err := p.installLocked(page); err != nil {
		return nil, err
	}
	return page, nil
}

// installLocked puts page into a free frame, evicting if the pool is full.
func (p *Pool) installLocked(page *storage.Page) (int, error) {
	idx := p.freeFrameLocked()
	if idx < 0 {
		var err error
		if idx, err = p.evictLocked(); err != nil {
			return -1, err
		}
	}
	f := &frame{page: page}
	p.frames[idx] = f
	p.pageTable[page.ID()] = idx
	p.replacer.Admit(idx)
	p.replacer.SetEvictable(idx, f.evictable())
	return idx, nil
}

func (p *Pool) freeFrameLocked() int {
	if len(p.pageTable) >= p.capacity {
		return -1
	}
	for i, f := range p.frames {
		if f == nil {
			return i
		}
	}
	return -1
}

// evictLocked drops the clean page admitted longest ago. Dirty pages are
// never evicted.
func (p *Pool) evictLocked() (int, error) {
	idx, ok := p.replacer.Evict()
	if !ok {
		slog.Error("bufferpool: eviction exhausted", "resident", len(p.pageTable), "capacity", p.capacity)
		return -1, fmt.Errorf("%w: %d resident pages, all dirty", ErrEvictionExhausted, len(p.pageTable))
	}
	victim := p.frames[idx]
	if !victim.evictable() {
		// replacer and frame state disagree; put it back and refuse
		p.replacer.Admit(idx)
		return -1, fmt.Errorf("%w: replacer offered dirty %s", ErrEvictionExhausted, victim.page.ID())
	}
	slog.Debug("bufferpool: evict", "page", victim.page.ID())
	delete(p.pageTable, victim.page.ID())
	p.frames[idx] = nil
	return idx, nil
}

// Discard drops pid from the cache without writing it.
func (p *Pool) Discard(pid common.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discardLocked(pid)
}

func (p *Pool) discardLocked(pid common.PageID) {
	idx, ok := p.pageTable[pid]
	if !ok {
		return
	}
	p.frames[idx] = nil
	delete(p.pageTable, pid)
	p.replacer.Remove(idx)
}

// DiscardTable drops every cached page of tableID and returns how many
// were resident. Dirty pages are dropped too.
func (p *Pool) DiscardTable(tableID uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pids []common.PageID
	for pid := range p.pageTable {
		if pid.TableID == tableID {
			pids = append(pids, pid)
		}
	}
	for _, pid := range pids {
		p.discardLocked(pid)
	}
	return len(pids)
}

// FlushPage writes pid if it is dirty: log record, log force, then data.
func (p *Pool) FlushPage(pid common.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[pid]
	if !ok {
		return nil
	}
	return p.flushFrameLocked(idx)
}

// FlushAll writes every dirty page. Pages of transactions still running are
// marked stolen so an abort can write their before-images back.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, f := range p.frames {
		if f == nil {
			continue
		}
		if err := p.flushFrameLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) flushFrameLocked(idx int) error {
	f := p.frames[idx]
	tid, dirty := f.page.IsDirty()
	if !dirty {
		return nil
	}
	if err := p.writeLocked(f.page, tid); err != nil {
		return err
	}
	f.stolen = tid
	p.replacer.SetEvictable(idx, f.evictable())
	return nil
}

// writeLocked is the write-ahead path for one dirty page.
func (p *Pool) writeLocked(page *storage.Page, tid common.TxID) error {
	pid := page.ID()
	file, err := p.cat.File(pid.TableID)
	if err != nil {
		return err
	}
	if err := p.log.LogWrite(tid, pid, page.BeforeImage(), page.Bytes()); err != nil {
		return fmt.Errorf("bufferpool: log %s: %w", pid, err)
	}
	if err := p.log.Force(); err != nil {
		return fmt.Errorf("bufferpool: force log for %s: %w", pid, err)
	}
	if err := file.WritePage(page); err != nil {
		return err
	}
	page.MarkDirty(false, common.NoTx)
	slog.Debug("bufferpool: flushed", "page", pid, "tx", tid)
	return nil
}

// FlushForTransaction writes every page dirtied by tid. Afterwards those
// pages are clean and their before-images match disk. If a write fails, the
// pages already written stay marked stolen so RestoreForTransaction can undo them.
func (p *Pool) FlushForTransaction(tid common.TxID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, f := range p.frames {
		if f == nil {
			continue
		}
		if owner, dirty := f.page.IsDirty(); !dirty || owner != tid {
			continue
		}
		if err := p.flushFrameLocked(idx); err != nil {
			return err
		}
	}
	for idx, f := range p.frames {
		if f == nil || f.stolen != tid {
			continue
		}
		f.page.SetBeforeImage()
		f.stolen = common.NoTx
		p.replacer.SetEvictable(idx, f.evictable())
	}
	return nil
}

// RestoreForTransaction replaces every page dirtied by tid with its on-disk
// copy. Pages tid already pushed to disk get their before-image written back
// first. A page that cannot be reloaded is dropped from the cache.
func (p *Pool) RestoreForTransaction(tid common.TxID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for idx, f := range p.frames {
		if f == nil {
			continue
		}
		owner, dirty := f.page.IsDirty()
		if (!dirty || owner != tid) && f.stolen != tid {
			continue
		}
		pid := f.page.ID()
		fresh, err := p.reloadLocked(f, tid)
		if err != nil {
			errs = append(errs, err)
			p.discardLocked(pid)
			continue
		}
		f.page = fresh
		f.stolen = common.NoTx
		p.replacer.SetEvictable(idx, f.evictable())
		slog.Debug("bufferpool: restored", "page", pid, "tx", tid)
	}
	return errors.Join(errs...)
}

func (p *Pool) reloadLocked(f *frame, tid common.TxID) (*storage.Page, error) {
	pid := f.page.ID()
	file, err := p.cat.File(pid.TableID)
	if err != nil {
		return nil, err
	}
	if f.stolen == tid {
		undo, err := storage.NewPage(pid, f.page.BeforeImage())
		if err != nil {
			return nil, err
		}
		if err := file.WritePage(undo); err != nil {
			return nil, fmt.Errorf("bufferpool: undo %s: %w", pid, err)
		}
	}
	return file.ReadPage(pid)
}

// markDirtyLocked records tid as the owner of pages and makes sure each is
// resident, evicting a clean page if needed.
func (p *Pool) markDirtyLocked(tid common.TxID, pages []*storage.Page) error {
	for _, page := range pages {
		page.MarkDirty(true, tid)
		if idx, ok := p.pageTable[page.ID()]; ok {
			p.frames[idx].page = page
			p.replacer.SetEvictable(idx, false)
			continue
		}
		if _, err := p.installLocked(page); err != nil {
			return err
		}
	}
	return nil
}

// InsertTuple adds data to the table and marks the touched pages dirty.
func (p *Pool) InsertTuple(ctx context.Context, tid common.TxID, tableID uint32, data []byte) (storage.RecordID, error) {
	file, err := p.cat.File(tableID)
	if err != nil {
		return storage.RecordID{}, err
	}
	rid, pages, err := file.InsertTuple(ctx, p, tid, data)
	if err != nil {
		return storage.RecordID{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return rid, p.markDirtyLocked(tid, pages)
}

// DeleteTuple removes the tuple at rid and marks the touched pages dirty.
func (p *Pool) DeleteTuple(ctx context.Context, tid common.TxID, rid storage.RecordID) error {
	file, err := p.cat.File(rid.PageID.TableID)
	if err != nil {
		return err
	}
	pages, err := file.DeleteTuple(ctx, p, tid, rid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markDirtyLocked(tid, pages)
}

// ReleasePage gives up tid's lock on pid before the transaction ends.
// Callers doing this break strict two-phase locking and own the consequences.
func (p *Pool) ReleasePage(tid common.TxID, pid common.PageID) error {
	return p.locks.Release(tid, pid)
}

func (p *Pool) HoldsLock(tid common.TxID, pid common.PageID) bool {
	return p.locks.Holds(tid, pid)
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pageTable)
}

func (p *Pool) Contains(pid common.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pageTable[pid]
	return ok
}

// DirtyPages lists the resident pages currently dirtied by tid.
func (p *Pool) DirtyPages(tid common.TxID) []common.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []common.PageID
	for pid, idx := range p.pageTable {
		if owner, dirty := p.frames[idx].page.IsDirty(); dirty && owner == tid {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
