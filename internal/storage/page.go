package storage

import (
	"github.com/tuannm99/novacache/internal/common"
)

// Page is one fixed-size page as held by the buffer pool.
//
// Buf is the raw content and is mutated in place by the heap layer while
// the caller holds an exclusive lock on the page. The dirty flag, dirtier
// and before-image are owned by the buffer pool and only touched under
// its mutex.
type Page struct {
	id  common.PageID
	Buf []byte

	dirty   bool
	dirtier common.TxID
	before  []byte
}

// NewPage wraps buf (as read from disk) for pid. An all-zero buffer is
// treated as a fresh page and initialised with the slotted layout.
func NewPage(pid common.PageID, buf []byte) (*Page, error) {
	if !ValidPageSize(len(buf)) {
		return nil, ErrWrongSize
	}
	p := &Page{id: pid, Buf: buf}
	if p.IsUninitialized() {
		p.init(pid.PageNo)
	}
	p.SetBeforeImage()
	return p, nil
}

// NewEmptyPage returns an initialised page of the given size.
func NewEmptyPage(pid common.PageID, size int) (*Page, error) {
	if !ValidPageSize(size) {
		return nil, ErrBadPageSize
	}
	return NewPage(pid, make([]byte, size))
}

func (p *Page) ID() common.PageID { return p.id }

func (p *Page) Size() int { return len(p.Buf) }

// IsDirty returns the transaction that last dirtied the page, if any.
func (p *Page) IsDirty() (common.TxID, bool) {
	return p.dirtier, p.dirty
}

// MarkDirty sets the dirty state; a clean page has no dirtier.
func (p *Page) MarkDirty(dirty bool, tid common.TxID) {
	p.dirty = dirty
	if dirty {
		p.dirtier = tid
	} else {
		p.dirtier = common.NoTx
	}
}

// BeforeImage returns a copy of the content as of the last clean state.
func (p *Page) BeforeImage() []byte {
	out := make([]byte, len(p.before))
	copy(out, p.before)
	return out
}

// SetBeforeImage snapshots the current content as the new before-image.
func (p *Page) SetBeforeImage() {
	if cap(p.before) < len(p.Buf) {
		p.before = make([]byte, len(p.Buf))
	}
	p.before = p.before[:len(p.Buf)]
	copy(p.before, p.Buf)
}

// Bytes returns a copy of the current content.
func (p *Page) Bytes() []byte {
	out := make([]byte, len(p.Buf))
	copy(out, p.Buf)
	return out
}

// Clone returns an independent copy, including dirty state.
func (p *Page) Clone() *Page {
	c := &Page{
		id:      p.id,
		Buf:     p.Bytes(),
		dirty:   p.dirty,
		dirtier: p.dirtier,
	}
	c.before = p.BeforeImage()
	return c
}
