package common

import (
	"fmt"
	"sync/atomic"
)

// PageID names a page: (table, page number within the table's file).
// It is a plain value so it can be used as a map key.
type PageID struct {
	TableID uint32
	PageNo  uint32
}

func (p PageID) String() string {
	return fmt.Sprintf("t%d:p%d", p.TableID, p.PageNo)
}

// Less orders page ids by table, then page number.
func (p PageID) Less(o PageID) bool {
	if p.TableID != o.TableID {
		return p.TableID < o.TableID
	}
	return p.PageNo < o.PageNo
}

// TxID identifies a transaction. Zero is reserved for "no transaction".
type TxID uint64

const NoTx TxID = 0

func (t TxID) String() string {
	return fmt.Sprintf("tx-%d", uint64(t))
}

// TxIDAllocator hands out strictly increasing transaction ids starting at 1.
type TxIDAllocator struct {
	last atomic.Uint64
}

// Next never returns NoTx and never repeats a value.
func (a *TxIDAllocator) Next() TxID {
	return TxID(a.last.Add(1))
}

// Seed makes the allocator continue after v (used after recovery so ids
// found in the log are not handed out again).
func (a *TxIDAllocator) Seed(v TxID) {
	for {
		cur := a.last.Load()
		if uint64(v) <= cur || a.last.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

type LockMode uint8

const (
	Shared LockMode = iota + 1
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}
