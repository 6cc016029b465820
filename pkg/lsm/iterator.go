package lsm

import (
	"bytes"
	"container/heap"
)

// StorageIterator is the common interface every merge stage in the read
// path speaks: memtable generations, SSTs, and the merge iterators that
// combine them. A tombstone surfaces as a zero-length Value — only the
// engine's Get/Scan entry points decide whether that ends the search.
type StorageIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	TrancID() uint64
	Next() error
}

// --- skipListStorageIterator: one memtable generation, MVCC-narrowed ---

type skipListStorageIterator struct {
	it      *SkipListIterator
	trancID uint64

	curKey, curVal []byte
	curTrancID     uint64
	valid          bool
}

func newSkipListStorageIterator(list *SkipList, trancID uint64) *skipListStorageIterator {
	it := &skipListStorageIterator{it: list.Begin(), trancID: trancID}
	it.advanceToVisible()
	return it
}

// advanceToVisible consumes one full run of same-key versions (they're
// contiguous, newest tranc_id first) and surfaces the one visible at
// it.trancID, or skips the run entirely if every version postdates it.
func (it *skipListStorageIterator) advanceToVisible() {
	for it.it.Valid() {
		key := append([]byte(nil), it.it.Key()...)
		var chosenVal []byte
		var chosenID uint64
		chosen := false
		for it.it.Valid() && bytes.Equal(it.it.Key(), key) {
			if !chosen && (it.trancID == 0 || it.it.TrancID() <= it.trancID) {
				chosenVal = it.it.Value()
				chosenID = it.it.TrancID()
				chosen = true
			}
			it.it.Next()
		}
		if chosen {
			it.curKey, it.curVal, it.curTrancID, it.valid = key, chosenVal, chosenID, true
			return
		}
	}
	it.valid = false
}

func (it *skipListStorageIterator) Valid() bool     { return it.valid }
func (it *skipListStorageIterator) Key() []byte     { return it.curKey }
func (it *skipListStorageIterator) Value() []byte   { return it.curVal }
func (it *skipListStorageIterator) TrancID() uint64 { return it.curTrancID }
func (it *skipListStorageIterator) Next() error {
	it.advanceToVisible()
	return nil
}

// --- HeapIterator: merges N possibly-overlapping sources, newest wins ---

type heapItem struct {
	iter StorageIterator
	idx  int // source priority: lower idx wins ties (it is the "newer" source)
}

type iterHeap []*heapItem

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].iter.Key(), h[j].iter.Key()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}
func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// HeapIterator merges sources ordered so that, for any key present in more
// than one, the lowest-idx source's entry is the one surfaced — exactly one
// entry per distinct key, including tombstones.
type HeapIterator struct {
	h *iterHeap
}

func NewHeapIterator(sources []StorageIterator) *HeapIterator {
	h := &iterHeap{}
	for i, it := range sources {
		if it != nil && it.Valid() {
			*h = append(*h, &heapItem{iter: it, idx: i})
		}
	}
	heap.Init(h)
	return &HeapIterator{h: h}
}

func (hi *HeapIterator) Valid() bool { return hi.h.Len() > 0 }

func (hi *HeapIterator) Key() []byte     { return (*hi.h)[0].iter.Key() }
func (hi *HeapIterator) Value() []byte   { return (*hi.h)[0].iter.Value() }
func (hi *HeapIterator) TrancID() uint64 { return (*hi.h)[0].iter.TrancID() }

// Next advances every source currently positioned on the winning key
// (there may be several, if the key is duplicated across sources), so the
// next distinct key becomes the new root.
func (hi *HeapIterator) Next() error {
	if hi.h.Len() == 0 {
		return nil
	}
	key := append([]byte(nil), (*hi.h)[0].iter.Key()...)
	for hi.h.Len() > 0 && bytes.Equal((*hi.h)[0].iter.Key(), key) {
		top := (*hi.h)[0]
		if err := top.iter.Next(); err != nil {
			return err
		}
		if top.iter.Valid() {
			heap.Fix(hi.h, 0)
		} else {
			heap.Pop(hi.h)
		}
	}
	return nil
}

// --- TwoMergeIterator: merges exactly two sources, a wins ties ---

// TwoMergeIterator merges a and b, preferring a's entry whenever both hold
// the same key (a is always the "newer" side — e.g. the memtable view
// versus everything on disk, or one level versus the next).
type TwoMergeIterator struct {
	a, b    StorageIterator
	chooseA bool
}

func NewTwoMergeIterator(a, b StorageIterator) *TwoMergeIterator {
	t := &TwoMergeIterator{a: a, b: b}
	_ = t.skipDuplicateB()
	t.chooseA = t.pickA()
	return t
}

func (t *TwoMergeIterator) skipDuplicateB() error {
	if t.a.Valid() && t.b.Valid() && bytes.Equal(t.a.Key(), t.b.Key()) {
		return t.b.Next()
	}
	return nil
}

func (t *TwoMergeIterator) pickA() bool {
	if !t.a.Valid() {
		return false
	}
	if !t.b.Valid() {
		return true
	}
	return bytes.Compare(t.a.Key(), t.b.Key()) < 0
}

func (t *TwoMergeIterator) Valid() bool { return t.a.Valid() || t.b.Valid() }

func (t *TwoMergeIterator) Key() []byte {
	if t.chooseA {
		return t.a.Key()
	}
	return t.b.Key()
}

func (t *TwoMergeIterator) Value() []byte {
	if t.chooseA {
		return t.a.Value()
	}
	return t.b.Value()
}

func (t *TwoMergeIterator) TrancID() uint64 {
	if t.chooseA {
		return t.a.TrancID()
	}
	return t.b.TrancID()
}

func (t *TwoMergeIterator) Next() error {
	var err error
	if t.chooseA {
		if t.a.Valid() {
			err = t.a.Next()
		}
	} else {
		if t.b.Valid() {
			err = t.b.Next()
		}
	}
	if err != nil {
		return err
	}
	if err := t.skipDuplicateB(); err != nil {
		return err
	}
	t.chooseA = t.pickA()
	return nil
}

// --- ConcatIterator: sequential concatenation of non-overlapping SSTs ---

// ConcatIterator walks a slice of SSTs known to have non-overlapping,
// ascending key ranges (true of every level but L0) end to end, re-seating
// itself at the start of the next table once the current one is exhausted.
type ConcatIterator struct {
	ssts    []*SST
	idx     int
	cur     *tableIter
	trancID uint64
}

func NewConcatIterator(ssts []*SST, trancID uint64) *ConcatIterator {
	c := &ConcatIterator{ssts: ssts, trancID: trancID}
	if len(ssts) > 0 {
		c.cur = newSSTStorageIterator(ssts[0], trancID)
	}
	return c
}

func (c *ConcatIterator) Valid() bool     { return c.cur != nil && c.cur.Valid() }
func (c *ConcatIterator) Key() []byte     { return c.cur.Key() }
func (c *ConcatIterator) Value() []byte   { return c.cur.Value() }
func (c *ConcatIterator) TrancID() uint64 { return c.cur.TrancID() }

func (c *ConcatIterator) Next() error {
	if c.cur == nil {
		return nil
	}
	if err := c.cur.Next(); err != nil {
		return err
	}
	for !c.cur.Valid() {
		c.idx++
		if c.idx >= len(c.ssts) {
			return nil
		}
		c.cur = newSSTStorageIterator(c.ssts[c.idx], c.trancID)
	}
	return nil
}

// --- composing the full read view: memtable -> L0 -> L1 -> ... ---

// NewLevelIterator composes a memtable view with L0 (overlapping SSTs,
// heap-merged among themselves) and every level beyond it (non-overlapping,
// concat-merged within a level) into one ordered, newest-wins iterator.
// Nesting left-associatively — each new level merged in as TwoMergeIterator's
// b side — means anything already merged (memtable, then L0, then L1, ...)
// always outranks what comes after it, matching the engine's level order.
func NewLevelIterator(memIter StorageIterator, l0 []*SST, levels [][]*SST, trancID uint64) StorageIterator {
	var cur StorageIterator = memIter
	if len(l0) > 0 {
		iters := make([]StorageIterator, len(l0))
		for i, sst := range l0 {
			iters[i] = newSSTStorageIterator(sst, trancID)
		}
		cur = NewTwoMergeIterator(cur, NewHeapIterator(iters))
	}
	for _, level := range levels {
		if len(level) == 0 {
			continue
		}
		cur = NewTwoMergeIterator(cur, NewConcatIterator(level, trancID))
	}
	return cur
}
