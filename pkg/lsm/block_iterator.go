package lsm

// BlockIterator walks the entries of a Block in ascending key order, already
// narrowed to exactly one (the visible) version per distinct key for a given
// tranc_id snapshot. A tombstone surfaces as a zero-length Value — callers
// merging across memtable/SST levels decide whether to drop it or propagate
// it further.
type BlockIterator struct {
	block   *Block
	trancID uint64
	visible []int // offsets-array indices, one per distinct key, ascending
	pos     int
}

// NewBlockIterator builds an iterator over block visible at trancID.
// trancID == 0 means "ignore MVCC, always take the newest version".
func NewBlockIterator(block *Block, trancID uint64) *BlockIterator {
	it := &BlockIterator{block: block, trancID: trancID}
	it.computeVisible()
	return it
}

// NewBlockIteratorAt builds an iterator positioned at the first visible key
// that is >= startKey.
func NewBlockIteratorAt(block *Block, startKey []byte, trancID uint64) *BlockIterator {
	it := NewBlockIterator(block, trancID)
	it.Seek(startKey)
	return it
}

func (it *BlockIterator) computeVisible() {
	n := it.block.Size()
	i := 0
	for i < n {
		key := it.block.keyAt(i)
		runStart := i
		for i < n && compareBytes(it.block.keyAt(i), key) == 0 {
			i++
		}
		runEnd := i - 1
		if idx, ok := it.block.findVisibleInRun(runStart, runEnd, it.trancID); ok {
			it.visible = append(it.visible, idx)
		}
	}
}

func (it *BlockIterator) First() { it.pos = 0 }

func (it *BlockIterator) Next() {
	if it.pos < len(it.visible) {
		it.pos++
	}
}

func (it *BlockIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.visible) }

func (it *BlockIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	e, err := it.block.entryAt(int(it.block.offsets[it.visible[it.pos]]))
	if err != nil {
		return nil
	}
	return e.key
}

func (it *BlockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	e, err := it.block.entryAt(int(it.block.offsets[it.visible[it.pos]]))
	if err != nil {
		return nil
	}
	return e.value
}

func (it *BlockIterator) TrancID() uint64 {
	if !it.Valid() {
		return 0
	}
	e, err := it.block.entryAt(int(it.block.offsets[it.visible[it.pos]]))
	if err != nil {
		return 0
	}
	return e.trancID
}

// Seek positions the iterator at the first visible key >= target.
func (it *BlockIterator) Seek(target []byte) {
	lo, hi := 0, len(it.visible)-1
	pos := len(it.visible)
	for lo <= hi {
		mid := (lo + hi) / 2
		idx := it.visible[mid]
		e, err := it.block.entryAt(int(it.block.offsets[idx]))
		if err != nil {
			break
		}
		if compareBytes(e.key, target) >= 0 {
			pos = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	it.pos = pos
}
