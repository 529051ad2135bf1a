package storage

import (
	"context"
	"fmt"

	"github.com/tuannm99/novacache/internal/common"
)

// RecordID locates a tuple: page + slot index within the page.
type RecordID struct {
	PageID common.PageID
	Slot   uint16
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s/s%d", r.PageID, r.Slot)
}

// PageSource hands out pages under a transaction's lock. The buffer pool
// is the implementation; files use it so their page accesses are locked
// and cached.
type PageSource interface {
	GetPage(ctx context.Context, tid common.TxID, pid common.PageID, mode common.LockMode) (*Page, error)
}

// File is the storage collaborator behind one table.
//
// InsertTuple and DeleteTuple mutate pages obtained through src and return
// every page they dirtied; marking them dirty is the caller's job.
type File interface {
	ID() uint32
	ReadPage(pid common.PageID) (*Page, error)
	WritePage(p *Page) error
	NumPages() (uint32, error)
	InsertTuple(ctx context.Context, src PageSource, tid common.TxID, data []byte) (RecordID, []*Page, error)
	DeleteTuple(ctx context.Context, src PageSource, tid common.TxID, rid RecordID) ([]*Page, error)
}
