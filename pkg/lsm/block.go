package lsm

import (
	"encoding/binary"
	"fmt"
)

// Block is a fixed-capacity region of sorted, versioned key/value entries.
//
// On-disk / in-memory layout once encoded:
//
//	| Entry#1 | Entry#2 | ... | Entry#N | Offset#1 (2B) | ... | Offset#N (2B) | N (2B) |
//
// Each entry is:
//
//	| key_len (2B LE) | key | val_len (2B LE) | val | tranc_id (8B LE) |
//
// Entries are sorted by (key asc, tranc_id desc): duplicate keys form a
// contiguous run with the newest version first. An empty val encodes a
// tombstone.
type Block struct {
	data     []byte
	offsets  []uint16 // byte offset into data of each entry's start
	capacity int
}

// blockEntryOverhead is the fixed non-payload size of one entry: 2 (key_len)
// + 2 (val_len) + 8 (tranc_id).
const blockEntryOverhead = 2 + 2 + 8

func newBlock(capacity int) *Block {
	return &Block{capacity: capacity}
}

// CurSize returns the size the block would occupy once encoded.
func (b *Block) CurSize() int {
	return len(b.data) + len(b.offsets)*2 + 2
}

func (b *Block) IsEmpty() bool { return len(b.offsets) == 0 }

func (b *Block) Size() int { return len(b.offsets) }

// AddEntry appends a key/value/tranc_id triple. If force is false and adding
// the entry would exceed capacity, it returns false without mutating the
// block. If force is true the capacity check is bypassed entirely — callers
// that force a write onto an empty block are responsible for recognizing a
// single oversized entry (see SSTBuilder.Add).
func (b *Block) AddEntry(key, value []byte, trancID uint64, force bool) bool {
	need := blockEntryOverhead + len(key) + len(value)
	if !force && b.CurSize()+need > b.capacity {
		return false
	}

	b.offsets = append(b.offsets, uint16(len(b.data)))

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(key)))
	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, key...)

	binary.LittleEndian.PutUint16(hdr[:], uint16(len(value)))
	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, value...)

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], trancID)
	b.data = append(b.data, idBuf[:]...)
	return true
}

// Encode serializes the block (without any hash — that is BlockMeta's job).
func (b *Block) Encode() []byte {
	out := make([]byte, 0, b.CurSize())
	out = append(out, b.data...)
	for _, off := range b.offsets {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], off)
		out = append(out, buf[:]...)
	}
	var nbuf [2]byte
	binary.LittleEndian.PutUint16(nbuf[:], uint16(len(b.offsets)))
	out = append(out, nbuf[:]...)
	return out
}

// DecodeBlock parses the bytes produced by Encode.
func DecodeBlock(encoded []byte) (*Block, error) {
	if len(encoded) < 2 {
		return nil, fmt.Errorf("%w: block too short to hold entry count", ErrCorruptBlock)
	}
	n := int(binary.LittleEndian.Uint16(encoded[len(encoded)-2:]))
	dataEnd := len(encoded) - n*2 - 2
	if dataEnd < 0 {
		return nil, fmt.Errorf("%w: block entry count implies negative data region", ErrCorruptBlock)
	}
	b := &Block{data: append([]byte(nil), encoded[:dataEnd]...)}
	offBytes := encoded[dataEnd : len(encoded)-2]
	b.offsets = make([]uint16, n)
	for i := 0; i < n; i++ {
		b.offsets[i] = binary.LittleEndian.Uint16(offBytes[i*2 : i*2+2])
	}
	return b, nil
}

// blockEntry is the decoded form of one entry, plus where the next entry
// (if any) starts in data.
type blockEntry struct {
	key, value []byte
	trancID    uint64
	nextOffset int
}

func (b *Block) entryAt(offset int) (blockEntry, error) {
	d := b.data
	if offset+2 > len(d) {
		return blockEntry{}, fmt.Errorf("%w: entry offset out of range", ErrCorruptBlock)
	}
	klen := int(binary.LittleEndian.Uint16(d[offset : offset+2]))
	keyStart := offset + 2
	keyEnd := keyStart + klen
	if keyEnd+2 > len(d) {
		return blockEntry{}, fmt.Errorf("%w: key overruns block data", ErrCorruptBlock)
	}
	vlen := int(binary.LittleEndian.Uint16(d[keyEnd : keyEnd+2]))
	valStart := keyEnd + 2
	valEnd := valStart + vlen
	if valEnd+8 > len(d) {
		return blockEntry{}, fmt.Errorf("%w: value overruns block data", ErrCorruptBlock)
	}
	trancID := binary.LittleEndian.Uint64(d[valEnd : valEnd+8])
	return blockEntry{
		key:        d[keyStart:keyEnd],
		value:      d[valStart:valEnd],
		trancID:    trancID,
		nextOffset: valEnd + 8,
	}, nil
}

// GetFirstKey returns the key of the first entry, or nil if the block is empty.
func (b *Block) GetFirstKey() []byte {
	if b.IsEmpty() {
		return nil
	}
	e, err := b.entryAt(int(b.offsets[0]))
	if err != nil {
		return nil
	}
	return e.key
}

func (b *Block) keyAt(idx int) []byte {
	e, err := b.entryAt(int(b.offsets[idx]))
	if err != nil {
		return nil
	}
	return e.key
}

// GetIdxBinary returns the index (into the offsets array) of the entry for
// key whose tranc_id is the greatest one not exceeding trancID, implementing
// the "greatest tranc_id <= T wins" visibility rule. trancID == 0 means
// "latest version, ignore MVCC" (the run's first/newest entry).
func (b *Block) GetIdxBinary(key []byte, trancID uint64) (int, bool) {
	lo, hi := 0, len(b.offsets)-1
	mid := -1
	for lo <= hi {
		m := (lo + hi) / 2
		c := compareBytes(b.keyAt(m), key)
		switch {
		case c < 0:
			lo = m + 1
		case c > 0:
			hi = m - 1
		default:
			mid = m
			hi = m - 1 // walk toward the start of the run (largest tranc_id)
		}
	}
	if mid == -1 {
		return 0, false
	}

	// Find the run [runStart, runEnd] of entries sharing this key.
	runStart := mid
	for runStart > 0 && compareBytes(b.keyAt(runStart-1), key) == 0 {
		runStart--
	}
	runEnd := mid
	for runEnd+1 < len(b.offsets) && compareBytes(b.keyAt(runEnd+1), key) == 0 {
		runEnd++
	}

	return b.findVisibleInRun(runStart, runEnd, trancID)
}

// findVisibleInRun locates, within [lo, hi] (entries sharing one key, sorted
// tranc_id descending), the greatest tranc_id not exceeding trancID.
// trancID == 0 means "latest, ignore MVCC".
func (b *Block) findVisibleInRun(lo, hi int, trancID uint64) (int, bool) {
	if trancID == 0 {
		return lo, true
	}
	found := -1
	for lo <= hi {
		m := (lo + hi) / 2
		e, err := b.entryAt(int(b.offsets[m]))
		if err != nil {
			return 0, false
		}
		if e.trancID <= trancID {
			found = m
			hi = m - 1
		} else {
			lo = m + 1
		}
	}
	if found == -1 {
		return 0, false
	}
	return found, true
}

// GetValueBinary looks up key's value visible at trancID.
func (b *Block) GetValueBinary(key []byte, trancID uint64) ([]byte, bool) {
	idx, ok := b.GetIdxBinary(key, trancID)
	if !ok {
		return nil, false
	}
	e, err := b.entryAt(int(b.offsets[idx]))
	if err != nil {
		return nil, false
	}
	return e.value, true
}

// monotonePredicate classifies a key relative to some range: 0 means in
// range, >0 means the key is before the range (move right), <0 means the
// key is after the range (move left). The set of in-range keys must form a
// single contiguous run.
type monotonePredicate func(key []byte) int

// GetMonotonyPredicateIters returns the inclusive [left, right] entry index
// range matching predicate, or ok=false if nothing matches.
func (b *Block) GetMonotonyPredicateIters(predicate monotonePredicate) (left, right int, ok bool) {
	n := len(b.offsets)
	lLeft, rLeft := 0, n-1
	for lLeft <= rLeft {
		mid := (lLeft + rLeft) / 2
		if predicate(b.keyAt(mid)) <= 0 {
			rLeft = mid - 1
		} else {
			lLeft = mid + 1
		}
	}
	left = lLeft

	lRight, rRight := 0, n-1
	for lRight <= rRight {
		mid := (lRight + rRight) / 2
		if predicate(b.keyAt(mid)) >= 0 {
			lRight = mid + 1
		} else {
			rRight = mid - 1
		}
	}
	right = lRight - 1

	if left >= n || right < left {
		return 0, 0, false
	}
	return left, right, true
}

func compareBytes(a, b []byte) int {
	n, m := len(a), len(b)
	for i := 0; i < n && i < m; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case n < m:
		return -1
	case n > m:
		return 1
	default:
		return 0
	}
}
