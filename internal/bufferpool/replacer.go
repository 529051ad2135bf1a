package bufferpool

import "container/list"

// Replacer picks the frame to give up when the pool is full.
type Replacer interface {
	// Admit stamps frameID as the most recently admitted frame.
	Admit(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// admissionLRU evicts the evictable frame admitted longest ago. Hits do not
// refresh a frame's position; only a fresh admission does.
type admissionLRU struct {
	order     *list.List // front = oldest admission
	elems     map[int]*list.Element
	evictable map[int]bool
}

func newAdmissionLRU(capacity int) *admissionLRU {
	return &admissionLRU{
		order:     list.New(),
		elems:     make(map[int]*list.Element, capacity),
		evictable: make(map[int]bool, capacity),
	}
}

func (r *admissionLRU) Admit(frameID int) {
	if e, ok := r.elems[frameID]; ok {
		r.order.MoveToBack(e)
		return
	}
	r.elems[frameID] = r.order.PushBack(frameID)
}

func (r *admissionLRU) SetEvictable(frameID int, evictable bool) {
	if _, ok := r.elems[frameID]; !ok {
		return
	}
	if evictable {
		r.evictable[frameID] = true
	} else {
		delete(r.evictable, frameID)
	}
}

func (r *admissionLRU) Evict() (int, bool) {
	for e := r.order.Front(); e != nil; e = e.Next() {
		id := e.Value.(int)
		if r.evictable[id] {
			r.Remove(id)
			return id, true
		}
	}
	return -1, false
}

func (r *admissionLRU) Remove(frameID int) {
	if e, ok := r.elems[frameID]; ok {
		r.order.Remove(e)
		delete(r.elems, frameID)
	}
	delete(r.evictable, frameID)
}

// Size is the number of evictable frames.
func (r *admissionLRU) Size() int { return len(r.evictable) }
