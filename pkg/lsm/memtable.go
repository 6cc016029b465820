package lsm

import "sync"

// MemTable is the mutable, in-memory write target: one active skiplist plus
// a deque of frozen (immutable) generations awaiting flush. Writes always
// land in the active table; Freeze atomically swaps it out for a fresh one
// and pushes it onto the frozen deque, where it stays until FlushOldest
// drains it into an SST.
//
// Two locks guard the two regions so a reader checking the active table
// doesn't block on a flush draining a frozen one, and vice versa. Code that
// must hold both always acquires muActive before muFrozen, to avoid
// deadlocking against the opposite order.
type MemTable struct {
	muActive sync.RWMutex
	active   *SkipList

	muFrozen sync.RWMutex
	frozen   []*SkipList // frozen[0] is newest, frozen[len-1] is oldest

	perMemSizeLimit int64
}

func NewMemTable(perMemSizeLimit int64) *MemTable {
	return &MemTable{
		active:          newSkipList(defaultMaxSkipListLevel),
		perMemSizeLimit: perMemSizeLimit,
	}
}

// Put records a write. An empty value is a tombstone.
func (m *MemTable) Put(userKey, value []byte, trancID uint64) {
	m.muActive.Lock()
	defer m.muActive.Unlock()
	m.active.Put(userKey, value, trancID)
}

// Remove writes a tombstone (logical delete) for userKey at trancID.
func (m *MemTable) Remove(userKey []byte, trancID uint64) {
	m.Put(userKey, nil, trancID)
}

// Get looks up the version of userKey visible at trancID, checking the
// active table then each frozen generation newest to oldest. ok is false
// for both "never written" and "written but tombstoned".
func (m *MemTable) Get(userKey []byte, trancID uint64) (value []byte, ok bool) {
	m.muActive.RLock()
	val, found, has := m.active.Get(userKey, trancID)
	m.muActive.RUnlock()
	if has {
		if isTombstone(val) {
			return nil, false
		}
		_ = found
		return val, true
	}

	m.muFrozen.RLock()
	defer m.muFrozen.RUnlock()
	for _, gen := range m.frozen {
		val, _, has := gen.Get(userKey, trancID)
		if has {
			if isTombstone(val) {
				return nil, false
			}
			return val, true
		}
	}
	return nil, false
}

// GetBatch resolves every key in keys in one pass, acquiring the active
// lock once and the frozen lock once rather than once per key, matching
// MemTable::get_batch's two-phase locking.
func (m *MemTable) GetBatch(keys [][]byte, trancID uint64) []KVPair {
	results := make([]KVPair, len(keys))
	found := make([]bool, len(keys))

	m.muActive.RLock()
	for i, key := range keys {
		val, _, has := m.active.Get(key, trancID)
		if has {
			found[i] = true
			if !isTombstone(val) {
				results[i] = KVPair{Key: key, Value: val, Found: true}
			} else {
				results[i] = KVPair{Key: key, Found: false}
			}
		}
	}
	m.muActive.RUnlock()

	allFound := true
	for _, ok := range found {
		if !ok {
			allFound = false
			break
		}
	}
	if allFound {
		return results
	}

	m.muFrozen.RLock()
	for i, key := range keys {
		if found[i] {
			continue
		}
		for _, gen := range m.frozen {
			val, _, has := gen.Get(key, trancID)
			if !has {
				continue
			}
			found[i] = true
			if !isTombstone(val) {
				results[i] = KVPair{Key: key, Value: val, Found: true}
			} else {
				results[i] = KVPair{Key: key, Found: false}
			}
			break
		}
	}
	m.muFrozen.RUnlock()

	for i, key := range keys {
		if !found[i] {
			results[i] = KVPair{Key: key, Found: false}
		}
	}
	return results
}

// KVPair is one GetBatch result: Found distinguishes "absent or tombstoned"
// from "present", since a zero-value Value is ambiguous with an empty value.
type KVPair struct {
	Key   []byte
	Value []byte
	Found bool
}

// ShouldFreeze reports whether the active table has crossed its size limit.
func (m *MemTable) ShouldFreeze() bool {
	m.muActive.RLock()
	defer m.muActive.RUnlock()
	return m.perMemSizeLimit > 0 && m.active.Size() >= m.perMemSizeLimit
}

// Freeze moves the current active table onto the front of the frozen
// deque and replaces it with an empty one.
func (m *MemTable) Freeze() {
	m.muActive.Lock()
	defer m.muActive.Unlock()
	m.muFrozen.Lock()
	defer m.muFrozen.Unlock()

	m.frozen = append([]*SkipList{m.active}, m.frozen...)
	m.active = newSkipList(defaultMaxSkipListLevel)
}

// FlushOldest removes and returns the oldest frozen generation (the back of
// the deque), or nil if none are pending.
func (m *MemTable) FlushOldest() *SkipList {
	m.muFrozen.Lock()
	defer m.muFrozen.Unlock()
	n := len(m.frozen)
	if n == 0 {
		return nil
	}
	oldest := m.frozen[n-1]
	m.frozen = m.frozen[:n-1]
	return oldest
}

// TotalSize returns the active table's size plus every pending frozen
// generation's size — what callers compare against a tolerated total limit
// to decide whether to force a flush even when no single table tripped its
// own threshold.
func (m *MemTable) TotalSize() int64 {
	m.muActive.RLock()
	total := m.active.Size()
	m.muActive.RUnlock()

	m.muFrozen.RLock()
	for _, gen := range m.frozen {
		total += gen.Size()
	}
	m.muFrozen.RUnlock()
	return total
}

func (m *MemTable) NumFrozen() int {
	m.muFrozen.RLock()
	defer m.muFrozen.RUnlock()
	return len(m.frozen)
}

// NewIterator returns a merged iterator over the active table and every
// frozen generation, newest-first, visible at trancID.
func (m *MemTable) NewIterator(trancID uint64) StorageIterator {
	m.muActive.RLock()
	iters := []StorageIterator{newSkipListStorageIterator(m.active, trancID)}
	m.muActive.RUnlock()

	m.muFrozen.RLock()
	for _, gen := range m.frozen {
		iters = append(iters, newSkipListStorageIterator(gen, trancID))
	}
	m.muFrozen.RUnlock()

	return NewHeapIterator(iters)
}
