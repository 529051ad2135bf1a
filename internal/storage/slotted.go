package storage

import (
	"encoding/binary"
	"errors"
	"slices"
)

// Page layout:
//
//	0            HeaderSize                lower        upper         len(Buf)
//	| header     | slot directory -> ...   | free space | <- tuple data |
//
// Header: pageNo u32 | lower u16 | upper u16 | live u16 | reserved u16.
// Slot:   offset u16 | length u16 | state u16.
//
// Slot numbers are stable for the life of a page: deleting leaves a dead
// entry behind and compaction only moves tuple bytes.
const (
	offPageNo = 0
	offLower  = 4
	offUpper  = 6
	offLive   = 8
)

const (
	slotLive uint16 = 1
	slotDead uint16 = 2
)

var (
	ErrTupleTooLarge = errors.New("page: tuple does not fit on an empty page")
	ErrNoSpace       = errors.New("page: not enough free space")
	ErrBadSlot       = errors.New("page: invalid slot")
	ErrCorruption    = errors.New("page: corrupt slot or tuple bounds")
)

type Slot struct {
	Offset uint16
	Length uint16
	State  uint16
}

func (p *Page) u16(off int) uint16 { return binary.LittleEndian.Uint16(p.Buf[off:]) }

func (p *Page) put16(off int, v uint16) { binary.LittleEndian.PutUint16(p.Buf[off:], v) }

// PageNo is the page number stamped in the header when the page was created.
func (p *Page) PageNo() uint32 { return binary.LittleEndian.Uint32(p.Buf[offPageNo:]) }

func (p *Page) lower() uint16 { return p.u16(offLower) }

func (p *Page) upper() uint16 { return p.u16(offUpper) }

func (p *Page) init(pageNo uint32) {
	clear(p.Buf)
	binary.LittleEndian.PutUint32(p.Buf[offPageNo:], pageNo)
	p.put16(offLower, HeaderSize)
	p.put16(offUpper, uint16(len(p.Buf)))
}

func (p *Page) IsUninitialized() bool {
	return p.lower() == 0 && p.upper() == 0
}

// FreeSpace is the contiguous gap between the slot directory and tuple data.
func (p *Page) FreeSpace() int {
	return int(p.upper()) - int(p.lower())
}

func (p *Page) NumSlots() int {
	return (int(p.lower()) - HeaderSize) / SlotSize
}

// LiveTuples returns the number of slots holding a tuple.
func (p *Page) LiveTuples() int {
	return int(p.u16(offLive))
}

// reclaimable counts tuple bytes no live slot points at.
func (p *Page) reclaimable() int {
	used := 0
	for i := 0; i < p.NumSlots(); i++ {
		if s, err := p.getSlot(i); err == nil && s.State == slotLive {
			used += int(s.Length)
		}
	}
	return len(p.Buf) - int(p.upper()) - used
}

func (p *Page) maxTuple() int {
	return len(p.Buf) - HeaderSize - SlotSize
}

// Fits reports whether a tuple of n bytes can be inserted, counting space
// that compaction would recover.
func (p *Page) Fits(n int) bool {
	if n <= 0 || n > p.maxTuple() {
		return false
	}
	need := n + SlotSize
	return p.FreeSpace() >= need || p.FreeSpace()+p.reclaimable() >= need
}

func (p *Page) getSlot(i int) (Slot, error) {
	if i < 0 || i >= p.NumSlots() {
		return Slot{}, ErrBadSlot
	}
	o := HeaderSize + i*SlotSize
	s := Slot{Offset: p.u16(o), Length: p.u16(o + 2), State: p.u16(o + 4)}
	if s.State == slotLive && (int(s.Offset) < int(p.upper()) || int(s.Offset)+int(s.Length) > len(p.Buf)) {
		return Slot{}, ErrCorruption
	}
	return s, nil
}

func (p *Page) putSlot(i int, s Slot) {
	o := HeaderSize + i*SlotSize
	p.put16(o, s.Offset)
	p.put16(o+2, s.Length)
	p.put16(o+4, s.State)
}

// place copies tup into the data area, compacting first if needed, and
// returns its offset. extra is the directory growth the caller will add.
func (p *Page) place(tup []byte, extra int) (uint16, error) {
	if p.FreeSpace() < len(tup)+extra {
		if p.FreeSpace()+p.reclaimable() < len(tup)+extra {
			return 0, ErrNoSpace
		}
		p.compact()
	}
	u := int(p.upper()) - len(tup)
	copy(p.Buf[u:], tup)
	p.put16(offUpper, uint16(u))
	return uint16(u), nil
}

// compact packs live tuples against the end of the page.
func (p *Page) compact() {
	type live struct {
		slot int
		s    Slot
	}
	var tuples []live
	for i := 0; i < p.NumSlots(); i++ {
		if s, err := p.getSlot(i); err == nil && s.State == slotLive {
			tuples = append(tuples, live{slot: i, s: s})
		}
	}
	// highest offset first so moves never overwrite unmoved data
	slices.SortFunc(tuples, func(a, b live) int { return int(b.s.Offset) - int(a.s.Offset) })

	end := len(p.Buf)
	for _, t := range tuples {
		end -= int(t.s.Length)
		copy(p.Buf[end:], p.Buf[t.s.Offset:int(t.s.Offset)+int(t.s.Length)])
		t.s.Offset = uint16(end)
		p.putSlot(t.slot, t.s)
	}
	clear(p.Buf[p.lower():end])
	p.put16(offUpper, uint16(end))
}

func (p *Page) InsertTuple(tup []byte) (int, error) {
	if len(tup) == 0 || len(tup) > p.maxTuple() {
		return -1, ErrTupleTooLarge
	}
	off, err := p.place(tup, SlotSize)
	if err != nil {
		return -1, err
	}
	i := p.NumSlots()
	p.putSlot(i, Slot{Offset: off, Length: uint16(len(tup)), State: slotLive})
	p.put16(offLower, p.lower()+SlotSize)
	p.put16(offLive, p.u16(offLive)+1)
	return i, nil
}

// ReadTuple returns a copy of the tuple in slot.
func (p *Page) ReadTuple(slot int) ([]byte, error) {
	s, err := p.getSlot(slot)
	if err != nil {
		return nil, err
	}
	if s.State != slotLive {
		return nil, ErrBadSlot
	}
	return slices.Clone(p.Buf[s.Offset : int(s.Offset)+int(s.Length)]), nil
}

func (p *Page) IsLiveSlot(slot int) (bool, error) {
	s, err := p.getSlot(slot)
	if err != nil {
		return false, err
	}
	return s.State == slotLive, nil
}

// UpdateTuple replaces the tuple in slot, keeping the slot number.
func (p *Page) UpdateTuple(slot int, tup []byte) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if s.State != slotLive || len(tup) == 0 {
		return ErrBadSlot
	}
	if len(tup) <= int(s.Length) {
		copy(p.Buf[s.Offset:], tup)
		s.Length = uint16(len(tup))
		p.putSlot(slot, s)
		return nil
	}

	// the old bytes become reclaimable only once the slot stops pointing at them
	p.putSlot(slot, Slot{State: slotDead})
	off, err := p.place(tup, 0)
	if err != nil {
		p.putSlot(slot, s)
		return err
	}
	p.putSlot(slot, Slot{Offset: off, Length: uint16(len(tup)), State: slotLive})
	return nil
}

func (p *Page) DeleteTuple(slot int) error {
	s, err := p.getSlot(slot)
	if err != nil {
		return err
	}
	if s.State != slotLive {
		return ErrBadSlot
	}
	p.putSlot(slot, Slot{State: slotDead})
	p.put16(offLive, p.u16(offLive)-1)
	return nil
}
