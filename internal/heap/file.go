package heap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/novacache/internal/common"
	"github.com/tuannm99/novacache/internal/storage"
)

var ErrWrongTable = errors.New("heap: page belongs to another table")

var _ storage.File = (*File)(nil)

// File is a heap file: an unordered set of slotted pages for one table.
// Page access for tuple operations goes through a storage.PageSource so it
// is locked and cached; ReadPage/WritePage are the raw disk path used by
// the buffer pool itself.
type File struct {
	id   uint32
	name string
	sm   *storage.StorageManager
	fs   storage.FileSet

	// appendMu serialises "count pages + write empty page" so two
	// transactions never extend the file with the same page number.
	appendMu sync.Mutex
}

func NewFile(id uint32, name string, sm *storage.StorageManager, fs storage.FileSet) *File {
	return &File{id: id, name: name, sm: sm, fs: fs}
}

func (f *File) ID() uint32 { return f.id }

func (f *File) Name() string { return f.name }

func (f *File) PageSize() int { return f.sm.PageSize() }

func (f *File) NumPages() (uint32, error) {
	return f.sm.CountPages(f.fs)
}

func (f *File) checkTable(pid common.PageID) error {
	if pid.TableID != f.id {
		return fmt.Errorf("%w: %s in table %d", ErrWrongTable, pid, f.id)
	}
	return nil
}

// ReadPage reads pid from disk. Page numbers at or past NumPages fail with
// storage.ErrPageNotFound.
func (f *File) ReadPage(pid common.PageID) (*storage.Page, error) {
	if err := f.checkTable(pid); err != nil {
		return nil, err
	}
	n, err := f.NumPages()
	if err != nil {
		return nil, err
	}
	if pid.PageNo >= n {
		return nil, fmt.Errorf("%w: %s (table has %d pages)", storage.ErrPageNotFound, pid, n)
	}

	buf := make([]byte, f.sm.PageSize())
	if err := f.sm.ReadPage(f.fs, pid.PageNo, buf); err != nil {
		return nil, err
	}
	return storage.NewPage(pid, buf)
}

func (f *File) WritePage(p *storage.Page) error {
	if err := f.checkTable(p.ID()); err != nil {
		return err
	}
	return f.sm.WritePage(f.fs, p.ID().PageNo, p.Buf)
}

// InsertTuple stores data on the first page with room, appending a new page
// when every page is full. Pages are inspected under shared locks and the
// chosen page is upgraded to exclusive; nothing is released early. A page
// this call appended may be filled by others before its exclusive lock is
// granted; the search then resumes after it.
func (f *File) InsertTuple(ctx context.Context, src storage.PageSource, tid common.TxID, data []byte) (storage.RecordID, []*storage.Page, error) {
	if len(data) == 0 || len(data) > f.sm.PageSize()-storage.HeaderSize-storage.SlotSize {
		return storage.RecordID{}, nil, fmt.Errorf("%w: %d bytes", storage.ErrTupleTooLarge, len(data))
	}

	from := uint32(0)
	for {
		if err := ctx.Err(); err != nil {
			return storage.RecordID{}, nil, err
		}
		n, err := f.NumPages()
		if err != nil {
			return storage.RecordID{}, nil, err
		}

		for pageNo := from; pageNo < n; pageNo++ {
			pid := common.PageID{TableID: f.id, PageNo: pageNo}

			p, err := src.GetPage(ctx, tid, pid, common.Shared)
			if err != nil {
				return storage.RecordID{}, nil, err
			}
			if !p.Fits(len(data)) {
				continue
			}
			rid, ok, p, err := f.insertExclusive(ctx, src, tid, pid, data)
			if err != nil {
				return storage.RecordID{}, nil, err
			}
			if ok {
				return rid, []*storage.Page{p}, nil
			}
		}

		pid, err := f.appendEmptyPage()
		if err != nil {
			return storage.RecordID{}, nil, err
		}
		rid, ok, p, err := f.insertExclusive(ctx, src, tid, pid, data)
		if err != nil {
			return storage.RecordID{}, nil, err
		}
		if ok {
			return rid, []*storage.Page{p}, nil
		}
		slog.Debug("heap: appended page filled before lock", "table", f.name, "page", pid, "tx", tid)
		from = pid.PageNo + 1
	}
}

func (f *File) insertExclusive(ctx context.Context, src storage.PageSource, tid common.TxID, pid common.PageID, data []byte) (storage.RecordID, bool, *storage.Page, error) {
	p, err := src.GetPage(ctx, tid, pid, common.Exclusive)
	if err != nil {
		return storage.RecordID{}, false, nil, err
	}
	rid, ok, err := insertInto(p, data)
	return rid, ok, p, err
}

func insertInto(p *storage.Page, data []byte) (storage.RecordID, bool, error) {
	slot, err := p.InsertTuple(data)
	if errors.Is(err, storage.ErrNoSpace) {
		return storage.RecordID{}, false, nil
	}
	if err != nil {
		return storage.RecordID{}, false, err
	}
	return storage.RecordID{PageID: p.ID(), Slot: uint16(slot)}, true, nil
}

func (f *File) appendEmptyPage() (common.PageID, error) {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	n, err := f.NumPages()
	if err != nil {
		return common.PageID{}, err
	}
	pid := common.PageID{TableID: f.id, PageNo: n}
	p, err := storage.NewEmptyPage(pid, f.sm.PageSize())
	if err != nil {
		return common.PageID{}, err
	}
	if err := f.sm.WritePage(f.fs, n, p.Buf); err != nil {
		return common.PageID{}, err
	}
	slog.Debug("heap: appended page", "table", f.name, "page", pid)
	return pid, nil
}

// DeleteTuple removes the tuple at rid under an exclusive page lock.
func (f *File) DeleteTuple(ctx context.Context, src storage.PageSource, tid common.TxID, rid storage.RecordID) ([]*storage.Page, error) {
	if err := f.checkTable(rid.PageID); err != nil {
		return nil, err
	}
	p, err := src.GetPage(ctx, tid, rid.PageID, common.Exclusive)
	if err != nil {
		return nil, err
	}
	if err := p.DeleteTuple(int(rid.Slot)); err != nil {
		return nil, fmt.Errorf("heap: delete %s: %w", rid, err)
	}
	return []*storage.Page{p}, nil
}

// ReadTuple returns a copy of the tuple at rid under a shared page lock.
func (f *File) ReadTuple(ctx context.Context, src storage.PageSource, tid common.TxID, rid storage.RecordID) ([]byte, error) {
	if err := f.checkTable(rid.PageID); err != nil {
		return nil, err
	}
	p, err := src.GetPage(ctx, tid, rid.PageID, common.Shared)
	if err != nil {
		return nil, err
	}
	data, err := p.ReadTuple(int(rid.Slot))
	if err != nil {
		return nil, fmt.Errorf("heap: read %s: %w", rid, err)
	}
	return data, nil
}

// Scan iterates through all live tuples of the table under shared locks.
// fn gets a private copy of each tuple.
func (f *File) Scan(ctx context.Context, src storage.PageSource, tid common.TxID, fn func(rid storage.RecordID, data []byte) error) error {
	n, err := f.NumPages()
	if err != nil {
		return err
	}

	for pageNo := uint32(0); pageNo < n; pageNo++ {
		pid := common.PageID{TableID: f.id, PageNo: pageNo}
		p, err := src.GetPage(ctx, tid, pid, common.Shared)
		if err != nil {
			return err
		}

		for slot := 0; slot < p.NumSlots(); slot++ {
			live, err := p.IsLiveSlot(slot)
			if err != nil {
				return err
			}
			if !live {
				continue
			}
			data, err := p.ReadTuple(slot)
			if err != nil {
				// live slot that cannot be read
				return fmt.Errorf("heap: scan %s slot %d: %w", pid, slot, err)
			}
			rid := storage.RecordID{PageID: pid, Slot: uint16(slot)}
			if err := fn(rid, data); err != nil {
				return err
			}
		}
	}
	return nil
}
