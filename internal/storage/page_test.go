package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novacache/internal/common"
)

var (
	defaultPageID = common.PageID{TableID: 1, PageNo: 0}

	slot1Data = []byte("data string of slot 1")
	slot2Data = []byte("data string of slot 2")
	longData  = []byte("data string of slot longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg" +
		" long longggggggggg long longggggggggg",
	)
)

func newPage(t *testing.T) *Page {
	t.Helper()

	p, err := NewEmptyPage(defaultPageID, DefaultPageSize)
	require.NoError(t, err)

	// default after init page
	assert.Equal(t, uint16(DefaultPageSize), p.upper())
	assert.Equal(t, uint16(HeaderSize), p.lower())
	assert.Equal(t, 0, p.NumSlots())

	var slot int

	slot, err = p.InsertTuple(slot1Data)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = p.InsertTuple(slot2Data)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	// after inserting two tuples (21 bytes each)
	assert.Equal(t, uint16(DefaultPageSize-42), p.upper())
	assert.Equal(t, uint16(HeaderSize+2*SlotSize), p.lower())
	assert.Equal(t, 2, p.NumSlots())

	require.Contains(t, p.DebugString(), "clean")

	return p
}

func TestCRUDTuple(t *testing.T) {
	p := newPage(t)
	byteData, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, slot1Data, byteData)

	// returned tuple is a copy
	byteData[0] = 'X'
	again, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, slot1Data, again)

	// bad slot
	_, err = p.ReadTuple(-1)
	require.ErrorIs(t, err, ErrBadSlot)
	_, err = p.ReadTuple(2)
	require.ErrorIs(t, err, ErrBadSlot)

	// deleted
	require.NoError(t, p.DeleteTuple(0))
	_, err = p.ReadTuple(0)
	require.ErrorIs(t, err, ErrBadSlot)
	require.ErrorIs(t, p.DeleteTuple(0), ErrBadSlot)
	require.ErrorIs(t, p.UpdateTuple(0, []byte("x")), ErrBadSlot)
	assert.Equal(t, 1, p.LiveTuples())

	// slot 1 grows and keeps its slot number
	require.NoError(t, p.UpdateTuple(1, longData))
	byteData, err = p.ReadTuple(1)
	require.NoError(t, err)
	assert.Equal(t, longData, byteData)
	assert.Equal(t, 2, p.NumSlots())

	live0, err := p.IsLiveSlot(0)
	require.NoError(t, err)
	assert.False(t, live0)
	assert.Equal(t, 1, p.LiveTuples())
}

func TestUpdateTuple_ShrinkInPlace(t *testing.T) {
	p := newPage(t)
	upper := p.upper()

	require.NoError(t, p.UpdateTuple(0, []byte("short")))
	data, err := p.ReadTuple(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), data)
	assert.Equal(t, 2, p.NumSlots())
	assert.Equal(t, upper, p.upper())
}

func TestInsertTuple_CompactsDeadSpace(t *testing.T) {
	p, err := NewEmptyPage(defaultPageID, MinPageSize)
	require.NoError(t, err)

	tup := make([]byte, 100)
	var slots []int
	for p.Fits(len(tup)) {
		tup[0] = byte(len(slots))
		slot, err := p.InsertTuple(tup)
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	require.Len(t, slots, 4)
	assert.Less(t, p.FreeSpace(), len(tup)+SlotSize)

	require.NoError(t, p.DeleteTuple(slots[1]))
	require.NoError(t, p.DeleteTuple(slots[2]))
	assert.Equal(t, 200, p.reclaimable())

	// 150 bytes only fit after the two dead tuples are packed away
	big := make([]byte, 150)
	big[0] = 0xee
	require.True(t, p.Fits(len(big)))
	slot, err := p.InsertTuple(big)
	require.NoError(t, err)
	assert.Equal(t, 4, slot)

	for _, i := range []int{0, 3} {
		data, err := p.ReadTuple(slots[i])
		require.NoError(t, err)
		assert.Equal(t, byte(i), data[0], "slot %d survives compaction", slots[i])
	}
	data, err := p.ReadTuple(slot)
	require.NoError(t, err)
	assert.Equal(t, big, data)
	assert.Equal(t, 0, p.reclaimable())
	assert.Contains(t, p.DebugString(), "dead")
}

func TestInsertTuple_FillsPage(t *testing.T) {
	p, err := NewEmptyPage(defaultPageID, MinPageSize)
	require.NoError(t, err)

	tup := make([]byte, 50)
	n := 0
	for p.Fits(len(tup)) {
		_, err := p.InsertTuple(tup)
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, (MinPageSize-HeaderSize)/(50+SlotSize), n)

	_, err = p.InsertTuple(tup)
	require.ErrorIs(t, err, ErrNoSpace)

	_, err = p.InsertTuple(make([]byte, MinPageSize))
	require.ErrorIs(t, err, ErrTupleTooLarge)
}

func TestNewPage_InitialisesZeroBuffer(t *testing.T) {
	pid := common.PageID{TableID: 3, PageNo: 9}
	p, err := NewPage(pid, make([]byte, DefaultPageSize))
	require.NoError(t, err)

	assert.False(t, p.IsUninitialized())
	assert.Equal(t, uint32(9), p.PageNo())
	assert.Equal(t, pid, p.ID())
	assert.Equal(t, p.Buf, p.BeforeImage())

	_, err = NewPage(pid, make([]byte, 100))
	require.ErrorIs(t, err, ErrWrongSize)
}

func TestPage_DirtyAndBeforeImage(t *testing.T) {
	p := newPage(t)
	p.SetBeforeImage()
	before := p.Bytes()

	_, dirty := p.IsDirty()
	assert.False(t, dirty)

	_, err := p.InsertTuple([]byte("more"))
	require.NoError(t, err)
	p.MarkDirty(true, 7)

	tid, dirty := p.IsDirty()
	assert.True(t, dirty)
	assert.Equal(t, common.TxID(7), tid)
	assert.Equal(t, before, p.BeforeImage(), "before-image tracks last clean state")
	assert.NotEqual(t, before, p.Bytes())

	c := p.Clone()
	c.Buf[0] ^= 0xff
	assert.NotEqual(t, c.Buf[0], p.Buf[0])
	ctid, cdirty := c.IsDirty()
	assert.True(t, cdirty)
	assert.Equal(t, tid, ctid)

	p.MarkDirty(false, 7)
	tid, dirty = p.IsDirty()
	assert.False(t, dirty)
	assert.Equal(t, common.NoTx, tid)
}
