package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/heap"
	"github.com/tuannm99/novacache/internal/lock"
	"github.com/tuannm99/novacache/internal/storage"
)

const testTable uint32 = 1

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = nil
}

type fakeLog struct {
	ev       *events
	forceErr error
	mu       sync.Mutex
	before   map[common.PageID][]byte
}

func (l *fakeLog) LogWrite(tid common.TxID, pid common.PageID, before, after []byte) error {
	l.mu.Lock()
	if l.before == nil {
		l.before = make(map[common.PageID][]byte)
	}
	l.before[pid] = before
	l.mu.Unlock()
	l.ev.add("log %s %s", tid, pid)
	return nil
}

func (l *fakeLog) Force() error {
	l.ev.add("force")
	return l.forceErr
}

// recordingFile notes every page write made through it.
type recordingFile struct {
	*heap.File
	ev    *events
	reads int
	mu    sync.Mutex
}

func (f *recordingFile) WritePage(p *storage.Page) error {
	f.ev.add("write %s", p.ID())
	return f.File.WritePage(p)
}

func (f *recordingFile) ReadPage(pid common.PageID) (*storage.Page, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return f.File.ReadPage(pid)
}

func (f *recordingFile) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fakeCatalog struct {
	files map[uint32]storage.File
}

func (c *fakeCatalog) File(tableID uint32) (storage.File, error) {
	f, ok := c.files[tableID]
	if !ok {
		return nil, errors.New("no such table")
	}
	return f, nil
}

type fixture struct {
	pool  *Pool
	locks *lock.Manager
	log   *fakeLog
	file  *recordingFile
	ev    *events
}

// newFixture builds a pool over one table that already has numPages empty pages.
func newFixture(t *testing.T, capacity int, numPages uint32) *fixture {
	t.Helper()

	sm := storage.NewStorageManager(storage.MinPageSize)
	fs := storage.LocalFileSet{Dir: t.TempDir(), Base: "t"}
	for i := uint32(0); i < numPages; i++ {
		p, err := storage.NewEmptyPage(common.PageID{TableID: testTable, PageNo: i}, storage.MinPageSize)
		require.NoError(t, err)
		require.NoError(t, sm.WritePage(fs, i, p.Buf))
	}

	ev := &events{}
	file := &recordingFile{File: heap.NewFile(testTable, "t", sm, fs), ev: ev}
	cat := &fakeCatalog{files: map[uint32]storage.File{testTable: file}}
	locks := lock.NewManager()
	log := &fakeLog{ev: ev}
	pool := NewPool(Options{Capacity: capacity, PageSize: storage.MinPageSize}, cat, locks, log)
	return &fixture{pool: pool, locks: locks, log: log, file: file, ev: ev}
}

func pid(n uint32) common.PageID { return common.PageID{TableID: testTable, PageNo: n} }

func (fx *fixture) dirty(t *testing.T, tid common.TxID, n uint32, data string) *storage.Page {
	t.Helper()
	p, err := fx.pool.GetPage(context.Background(), tid, pid(n), common.Exclusive)
	require.NoError(t, err)
	_, err = p.InsertTuple([]byte(data))
	require.NoError(t, err)
	fx.pool.mu.Lock()
	defer fx.pool.mu.Unlock()
	require.NoError(t, fx.pool.markDirtyLocked(tid, []*storage.Page{p}))
	return p
}

func (fx *fixture) diskTuples(t *testing.T, n uint32) int {
	t.Helper()
	p, err := fx.file.File.ReadPage(pid(n))
	require.NoError(t, err)
	return p.LiveTuples()
}

func TestPool_GetPage_CachesAndLocks(t *testing.T) {
	fx := newFixture(t, 4, 2)
	ctx := context.Background()

	p1, err := fx.pool.GetPage(ctx, 1, pid(0), common.Shared)
	require.NoError(t, err)
	p2, err := fx.pool.GetPage(ctx, 2, pid(0), common.Shared)
	require.NoError(t, err)

	require.Same(t, p1, p2)
	assert.Equal(t, 1, fx.file.Reads())
	assert.Equal(t, 1, fx.pool.Size())
	assert.True(t, fx.pool.HoldsLock(1, pid(0)))
	assert.True(t, fx.pool.HoldsLock(2, pid(0)))
	assert.False(t, fx.pool.HoldsLock(1, pid(1)))
}

func TestPool_GetPage_PageNotFound(t *testing.T) {
	fx := newFixture(t, 2, 1)
	_, err := fx.pool.GetPage(context.Background(), 1, pid(5), common.Shared)
	require.ErrorIs(t, err, storage.ErrPageNotFound)
	assert.Equal(t, 0, fx.pool.Size())
}

// Capacity 2: A and B resident and clean, loading C evicts A; a later A is a fresh read.
func TestPool_EvictsLeastRecentlyAdmittedCleanPage(t *testing.T) {
	fx := newFixture(t, 2, 3)
	ctx := context.Background()

	_, err := fx.pool.GetPage(ctx, 1, pid(0), common.Shared)
	require.NoError(t, err)
	_, err = fx.pool.GetPage(ctx, 1, pid(1), common.Shared)
	require.NoError(t, err)
	// hit on A does not refresh its admission
	_, err = fx.pool.GetPage(ctx, 1, pid(0), common.Shared)
	require.NoError(t, err)

	_, err = fx.pool.GetPage(ctx, 1, pid(2), common.Shared)
	require.NoError(t, err)

	assert.False(t, fx.pool.Contains(pid(0)))
	assert.True(t, fx.pool.Contains(pid(1)))
	assert.True(t, fx.pool.Contains(pid(2)))
	assert.Equal(t, 2, fx.pool.Size())

	reads := fx.file.Reads()
	_, err = fx.pool.GetPage(ctx, 1, pid(0), common.Shared)
	require.NoError(t, err)
	assert.Equal(t, reads+1, fx.file.Reads())
	assert.LessOrEqual(t, fx.pool.Size(), fx.pool.Capacity())
}

func TestPool_NoStealSkipsDirtyPages(t *testing.T) {
	fx := newFixture(t, 2, 3)
	ctx := context.Background()

	fx.dirty(t, 1, 0, "a")
	_, err := fx.pool.GetPage(ctx, 1, pid(1), common.Shared)
	require.NoError(t, err)

	_, err = fx.pool.GetPage(ctx, 1, pid(2), common.Shared)
	require.NoError(t, err)

	assert.True(t, fx.pool.Contains(pid(0)), "dirty page must stay")
	assert.False(t, fx.pool.Contains(pid(1)))
	assert.Empty(t, fx.ev.all(), "eviction never writes")
}

func TestPool_EvictionExhausted(t *testing.T) {
	fx := newFixture(t, 2, 3)
	fx.dirty(t, 1, 0, "a")
	fx.dirty(t, 1, 1, "b")

	_, err := fx.pool.GetPage(context.Background(), 1, pid(2), common.Shared)
	require.ErrorIs(t, err, ErrEvictionExhausted)
	assert.Equal(t, 2, fx.pool.Size())
}

func TestPool_FlushPageWritesAheadOfData(t *testing.T) {
	fx := newFixture(t, 4, 1)
	p := fx.dirty(t, 7, 0, "hello")
	before := p.BeforeImage()

	require.NoError(t, fx.pool.FlushPage(pid(0)))
	assert.Equal(t, []string{"log tx-7 t1:p0", "force", "write t1:p0"}, fx.ev.all())
	assert.Equal(t, before, fx.log.before[pid(0)])

	_, dirty := p.IsDirty()
	assert.False(t, dirty)
	assert.Equal(t, 1, fx.diskTuples(t, 0))

	// clean or absent pages are a no-op
	fx.ev.reset()
	require.NoError(t, fx.pool.FlushPage(pid(0)))
	require.NoError(t, fx.pool.FlushPage(pid(9)))
	assert.Empty(t, fx.ev.all())
}

func TestPool_FlushPageStopsWhenForceFails(t *testing.T) {
	fx := newFixture(t, 4, 1)
	fx.log.forceErr = errors.New("disk gone")
	p := fx.dirty(t, 1, 0, "x")

	err := fx.pool.FlushPage(pid(0))
	require.Error(t, err)
	assert.NotContains(t, fx.ev.all(), "write t1:p0")
	_, dirty := p.IsDirty()
	assert.True(t, dirty)
}

func TestPool_FlushForTransactionOnlyTouchesOwner(t *testing.T) {
	fx := newFixture(t, 4, 2)
	p0 := fx.dirty(t, 1, 0, "mine")
	fx.dirty(t, 2, 1, "theirs")

	assert.Equal(t, []common.PageID{pid(0)}, fx.pool.DirtyPages(1))
	require.NoError(t, fx.pool.FlushForTransaction(1))

	assert.Equal(t, []string{"log tx-1 t1:p0", "force", "write t1:p0"}, fx.ev.all())
	assert.Empty(t, fx.pool.DirtyPages(1))
	assert.Equal(t, []common.PageID{pid(1)}, fx.pool.DirtyPages(2))
	assert.Equal(t, p0.Bytes(), p0.BeforeImage())
	assert.Equal(t, 1, fx.diskTuples(t, 0))
	assert.Equal(t, 0, fx.diskTuples(t, 1))
}

func TestPool_RestoreForTransactionDiscardsChanges(t *testing.T) {
	fx := newFixture(t, 4, 2)
	fx.dirty(t, 1, 0, "gone")
	fx.dirty(t, 2, 1, "kept")

	require.NoError(t, fx.pool.RestoreForTransaction(1))
	assert.Empty(t, fx.ev.all(), "abort path writes nothing")

	fx.locks.ReleaseAll(1)
	p, err := fx.pool.GetPage(context.Background(), 3, pid(0), common.Shared)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LiveTuples())
	_, dirty := p.IsDirty()
	assert.False(t, dirty)

	assert.Equal(t, []common.PageID{pid(1)}, fx.pool.DirtyPages(2))
}

func TestPool_RestoreUndoesStolenPages(t *testing.T) {
	fx := newFixture(t, 4, 1)
	fx.dirty(t, 1, 0, "uncommitted")

	require.NoError(t, fx.pool.FlushAll())
	assert.Equal(t, 1, fx.diskTuples(t, 0))

	require.NoError(t, fx.pool.RestoreForTransaction(1))
	assert.Equal(t, 0, fx.diskTuples(t, 0))

	fx.locks.ReleaseAll(1)
	p, err := fx.pool.GetPage(context.Background(), 2, pid(0), common.Shared)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LiveTuples())
}

func TestPool_StolenPageStaysResidentUntilCommit(t *testing.T) {
	fx := newFixture(t, 1, 2)
	fx.dirty(t, 1, 0, "x")
	require.NoError(t, fx.pool.FlushAll())

	_, err := fx.pool.GetPage(context.Background(), 2, pid(1), common.Shared)
	require.ErrorIs(t, err, ErrEvictionExhausted)

	require.NoError(t, fx.pool.FlushForTransaction(1))
	_, err = fx.pool.GetPage(context.Background(), 2, pid(1), common.Shared)
	require.NoError(t, err)
}

func TestPool_Discard(t *testing.T) {
	fx := newFixture(t, 2, 1)
	fx.dirty(t, 1, 0, "x")

	fx.pool.Discard(pid(0))
	assert.False(t, fx.pool.Contains(pid(0)))
	assert.Empty(t, fx.ev.all())
	fx.pool.Discard(pid(0))

	p, err := fx.pool.GetPage(context.Background(), 1, pid(0), common.Shared)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LiveTuples())
}

func TestPool_DiscardTable(t *testing.T) {
	fx := newFixture(t, 4, 3)
	ctx := context.Background()
	for n := uint32(0); n < 3; n++ {
		_, err := fx.pool.GetPage(ctx, 1, pid(n), common.Shared)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, fx.pool.DiscardTable(testTable+1))
	assert.Equal(t, 3, fx.pool.DiscardTable(testTable))
	assert.Equal(t, 0, fx.pool.Size())
}

func TestPool_InsertAndDeleteMarkDirty(t *testing.T) {
	fx := newFixture(t, 4, 0)
	ctx := context.Background()

	rid, err := fx.pool.InsertTuple(ctx, 1, testTable, []byte("row"))
	require.NoError(t, err)
	assert.Equal(t, pid(0), rid.PageID)
	assert.Equal(t, []common.PageID{pid(0)}, fx.pool.DirtyPages(1))
	assert.True(t, fx.pool.HoldsLock(1, pid(0)))

	require.NoError(t, fx.pool.FlushForTransaction(1))
	fx.locks.ReleaseAll(1)

	require.NoError(t, fx.pool.DeleteTuple(ctx, 2, rid))
	assert.Equal(t, []common.PageID{pid(0)}, fx.pool.DirtyPages(2))

	_, err = fx.pool.InsertTuple(ctx, 2, 99, []byte("row"))
	require.Error(t, err)
}

func TestPool_ReadersWaitForCommit(t *testing.T) {
	fx := newFixture(t, 4, 1)
	fx.dirty(t, 1, 0, "committed")

	got := make(chan *storage.Page, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := fx.pool.GetPage(ctx, 2, pid(0), common.Shared)
		if err != nil {
			close(got)
			return
		}
		got <- p
	}()

	require.Eventually(t, func() bool {
		return len(fx.locks.WaitsFor(2)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.pool.FlushForTransaction(1))
	fx.locks.ReleaseAll(1)

	select {
	case p, ok := <-got:
		require.True(t, ok, "reader should be granted")
		data, err := p.ReadTuple(0)
		require.NoError(t, err)
		assert.Equal(t, []byte("committed"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestPool_DeadlockVictimGetsAborted(t *testing.T) {
	fx := newFixture(t, 4, 2)
	ctx := context.Background()

	_, err := fx.pool.GetPage(ctx, 1, pid(0), common.Exclusive)
	require.NoError(t, err)
	_, err = fx.pool.GetPage(ctx, 2, pid(1), common.Exclusive)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := fx.pool.GetPage(ctx, 1, pid(1), common.Exclusive)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return len(fx.locks.WaitsFor(1)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = fx.pool.GetPage(ctx, 2, pid(0), common.Exclusive)
	require.ErrorIs(t, err, lock.ErrTransactionAborted)

	require.NoError(t, fx.pool.RestoreForTransaction(2))
	fx.locks.ReleaseAll(2)
	require.NoError(t, <-errc)
	assert.True(t, fx.pool.HoldsLock(1, pid(1)))
}
