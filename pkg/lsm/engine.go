package lsm

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"lsmkv/pkg/blockcache"
)

// Engine is the storage core: one active+frozen memtable, a WAL ahead of it,
// and a set of on-disk SSTs grouped by level. L0 holds freshly flushed,
// possibly key-overlapping tables (newest first); L1 and beyond hold
// non-overlapping tables in ascending key order, each level progressively
// larger per SSTLevelRatio. Grounded on original_source/src/lsm/engine.cpp's
// LSMEngine (get/put/flush/full_compact/gen_sst_from_iter/get_sst_path) and
// the teacher's dbImpl (Open directory scan, RWMutex-guarded state, WAL
// wiring) — merged into one type per SPEC_FULL.md.
type Engine struct {
	mu  sync.RWMutex
	dir string
	opts Options

	memTable *MemTable
	wal      *Wal

	cache    BlockCache
	ssts     map[uint64]*SST
	levels   map[int][]uint64 // level -> sst ids; level 0 newest-first, others ascending by key range
	maxLevel int

	nextSSTID atomic.Uint64

	closed bool
}

type blockCacheAdapter struct{ lru *blockcache.LRU }

func (a *blockCacheAdapter) Get(sstID uint64, blockIdx int) ([]byte, bool) {
	return a.lru.Get(blockcache.Key{SSTID: sstID, BlockIdx: blockIdx})
}

func (a *blockCacheAdapter) Put(sstID uint64, blockIdx int, data []byte) {
	a.lru.Put(blockcache.Key{SSTID: sstID, BlockIdx: blockIdx}, data)
}

var sstFileRe = regexp.MustCompile(`^sst_(\d{32})\.(\d+)$`)
var walFileRe = regexp.MustCompile(`^WAL-(\d{6})\.log$`)

func sstFileName(id uint64, level int) string {
	return fmt.Sprintf("sst_%032d.%d", id, level)
}

func sstPath(dir string, id uint64, level int) string {
	return filepath.Join(dir, sstFileName(id, level))
}

// Open scans dir for an existing engine's SSTs and WAL files, replays the
// WAL into a fresh memtable, and leaves a new WAL file ready for writes.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrIO, err)
	}

	e := &Engine{
		dir:      opts.Dir,
		opts:     opts,
		memTable: NewMemTable(opts.PerMemSizeLimit),
		cache:    &blockCacheAdapter{lru: blockcache.NewLRU(opts.BlockCacheCapacity, opts.BlockCacheK)},
		ssts:     make(map[uint64]*SST),
		levels:   make(map[int][]uint64),
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading data dir: %v", ErrIO, err)
	}

	var maxSSTID uint64
	for _, ent := range entries {
		m := sstFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		var id uint64
		var level int
		fmt.Sscanf(m[1], "%d", &id)
		fmt.Sscanf(m[2], "%d", &level)

		f, err := os.OpenFile(filepath.Join(opts.Dir, ent.Name()), os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, ent.Name(), err)
		}
		sst, err := OpenSST(id, f, e.cache)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("opening SST %s: %w", ent.Name(), err)
		}
		e.ssts[id] = sst
		e.levels[level] = append(e.levels[level], id)
		if id > maxSSTID {
			maxSSTID = id
		}
		if level > e.maxLevel {
			e.maxLevel = level
		}
	}
	for level, ids := range e.levels {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if level == 0 {
			for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
		e.levels[level] = ids
	}

	var walPaths []string
	var walIDs []int
	for _, ent := range entries {
		m := walFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		var id int
		fmt.Sscanf(m[1], "%d", &id)
		walIDs = append(walIDs, id)
		walPaths = append(walPaths, filepath.Join(opts.Dir, ent.Name()))
	}
	sort.Strings(walPaths)

	var maxTrancID uint64
	var maxWalID int
	apply := func(rec *WalRecord) error {
		e.memTable.Put(rec.Key, rec.Value, rec.TrancID)
		if rec.TrancID > maxTrancID {
			maxTrancID = rec.TrancID
		}
		return nil
	}
	for _, path := range walPaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
		}
		fileMaxTrancID, _ := ReplayFile(f, apply)
		_ = f.Close()
		if fileMaxTrancID > maxTrancID {
			maxTrancID = fileMaxTrancID
		}
	}
	for _, id := range walIDs {
		if id > maxWalID {
			maxWalID = id
		}
	}

	w, err := OpenWAL(WalOptions{
		Dir:         opts.Dir,
		FileId:      maxWalID + 1,
		RollSize:    opts.WALRollSize,
		FsyncPolicy: opts.FsyncPolicy,
	})
	if err != nil {
		return nil, err
	}
	e.wal = w
	e.nextSSTID.Store(maxSSTID + 1)

	return e, nil
}

// Put writes key=value at trancID, first to the WAL then the memtable. The
// active table is frozen once it reaches PerMemSizeLimit, and one generation
// is flushed synchronously once the total memtable size reaches
// TolMemSizeLimit.
func (e *Engine) Put(key, value []byte, trancID uint64, sync bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if err := e.wal.Append(&WalRecord{TrancID: trancID, Key: key, Value: value}, sync); err != nil {
		return err
	}
	e.memTable.Put(key, value, trancID)
	if e.memTable.ShouldFreeze() {
		e.memTable.Freeze()
	}
	return e.maybeFlushLocked()
}

// Remove logically deletes key by writing a tombstone.
func (e *Engine) Remove(key []byte, trancID uint64, sync bool) error {
	return e.Put(key, nil, trancID, sync)
}

// Get resolves key's value visible at trancID, checking the memtable, then
// L0 (newest SST first, since ranges may overlap), then each deeper level
// via a binary search over its non-overlapping SSTs.
func (e *Engine) Get(key []byte, trancID uint64) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false, fmt.Errorf("engine is closed")
	}

	if val, ok := e.memTable.Get(key, trancID); ok {
		return val, true, nil
	}
	return e.getFromSSTsLocked(key, trancID)
}

// GetBatch resolves every key in keys visible at trancID, checking the
// memtable once (via MemTable.GetBatch's active-lock-then-frozen-lock pass)
// before falling back per miss to the SST levels.
func (e *Engine) GetBatch(keys [][]byte, trancID uint64) ([]KVPair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fmt.Errorf("engine is closed")
	}

	results := e.memTable.GetBatch(keys, trancID)
	for i, r := range results {
		if r.Found {
			continue
		}
		val, ok, err := e.getFromSSTsLocked(r.Key, trancID)
		if err != nil {
			return nil, err
		}
		if ok {
			results[i] = KVPair{Key: r.Key, Value: val, Found: true}
		}
	}
	return results, nil
}

// getFromSSTsLocked checks L0 (newest SST first, since ranges may overlap),
// then each deeper level via a binary search over its non-overlapping
// SSTs. Caller must hold e.mu.
func (e *Engine) getFromSSTsLocked(key []byte, trancID uint64) ([]byte, bool, error) {
	for _, id := range e.levels[0] {
		sst := e.ssts[id]
		if sst == nil || !sst.MayContain(key) {
			continue
		}
		val, ok, err := sst.Get(key, trancID)
		if err != nil {
			continue
		}
		if ok {
			if isTombstone(val) {
				return nil, false, nil
			}
			return val, true, nil
		}
	}

	for level := 1; level <= e.maxLevel; level++ {
		ids := e.levels[level]
		if len(ids) == 0 {
			continue
		}
		idx := sort.Search(len(ids), func(i int) bool {
			return compareBytes(e.ssts[ids[i]].LastKey(), key) >= 0
		})
		if idx >= len(ids) {
			continue
		}
		sst := e.ssts[ids[idx]]
		if compareBytes(key, sst.FirstKey()) < 0 || !sst.MayContain(key) {
			continue
		}
		val, ok, err := sst.Get(key, trancID)
		if err != nil {
			continue
		}
		if ok {
			if isTombstone(val) {
				return nil, false, nil
			}
			return val, true, nil
		}
	}

	return nil, false, nil
}

// NewIterator returns an ordered, newest-wins view over the whole engine
// (memtable, then L0, then each deeper level) visible at trancID.
func (e *Engine) NewIterator(trancID uint64) StorageIterator {
	e.mu.RLock()
	defer e.mu.RUnlock()

	memIter := e.memTable.NewIterator(trancID)

	var l0 []*SST
	for _, id := range e.levels[0] {
		l0 = append(l0, e.ssts[id])
	}

	var levels [][]*SST
	for level := 1; level <= e.maxLevel; level++ {
		var lvl []*SST
		for _, id := range e.levels[level] {
			lvl = append(lvl, e.ssts[id])
		}
		levels = append(levels, lvl)
	}

	return NewLevelIterator(memIter, l0, levels, trancID)
}

// maybeFlushLocked freezes and flushes one memtable generation if the total
// (active + frozen) size has crossed TolMemSizeLimit, matching engine.cpp's
// put()/remove() triggering exactly one flush() per write past the
// threshold rather than draining the whole backlog inline. Caller must hold
// e.mu.
func (e *Engine) maybeFlushLocked() error {
	if e.opts.TolMemSizeLimit <= 0 || e.memTable.TotalSize() < e.opts.TolMemSizeLimit {
		return nil
	}
	_, err := e.flushOneLocked()
	return err
}

// flushOneLocked freezes the active table (if not already frozen) and
// drains the oldest frozen generation into a new L0 SST, compacting L0 into
// L1 first if it already holds SSTLevelRatio or more tables. Caller must hold
// e.mu.
func (e *Engine) flushOneLocked() (uint64, error) {
	if e.memTable.NumFrozen() == 0 {
		e.memTable.Freeze()
	}
	oldest := e.memTable.FlushOldest()
	if oldest == nil {
		return 0, nil
	}

	if e.opts.SSTLevelRatio > 0 && len(e.levels[0]) >= e.opts.SSTLevelRatio {
		if err := e.fullCompactLocked(0); err != nil {
			return 0, err
		}
	}

	id := e.nextSSTID.Add(1) - 1
	sst, maxTrancID, err := e.buildSSTFromSkipList(oldest, id, 0)
	if err != nil {
		return 0, err
	}
	e.ssts[id] = sst
	e.levels[0] = append([]uint64{id}, e.levels[0]...) // newer flushes queried first
	return maxTrancID, nil
}

func (e *Engine) buildSSTFromSkipList(list *SkipList, id uint64, level int) (*SST, uint64, error) {
	builder := NewSSTBuilder(e.opts)
	var maxTrancID uint64
	for _, entry := range list.Flush() {
		ik := InternalKey{UserKey: entry.Key, TrancID: entry.TrancID}
		if err := builder.Add(ik, entry.Value); err != nil {
			return nil, 0, err
		}
		if entry.TrancID > maxTrancID {
			maxTrancID = entry.TrancID
		}
	}
	sst, err := e.publishSST(builder, id, level)
	if err != nil {
		return nil, 0, err
	}
	return sst, maxTrancID, nil
}

// publishSST builds builder's accumulated entries into a uniquely-named
// staging file (grounded on a-poor-bluedb's SSTBuilder.SetUp, which uses
// uuid.NewRandom() for exactly this purpose) and atomically renames it into
// place, matching the teacher's own CreateTemp-then-os.Rename publish
// pattern in its flush path — a half-written SST file is never visible
// under its final sst_<id>.<level> name.
func (e *Engine) publishSST(builder *SSTBuilder, id uint64, level int) (*SST, error) {
	stagingPath := filepath.Join(e.dir, "sst-"+uuid.NewString()+".tmp")
	stagingFile, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating staging SST file: %v", ErrIO, err)
	}
	if _, err := builder.Build(id, stagingFile); err != nil {
		_ = stagingFile.Close()
		_ = os.Remove(stagingPath)
		return nil, err
	}
	if err := stagingFile.Close(); err != nil {
		_ = os.Remove(stagingPath)
		return nil, fmt.Errorf("%w: closing staging SST file: %v", ErrIO, err)
	}

	finalPath := sstPath(e.dir, id, level)
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: publishing SST: %v", ErrIO, err)
	}
	f, err := os.OpenFile(finalPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: reopening published SST: %v", ErrIO, err)
	}
	sst, err := OpenSST(id, f, e.cache)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if level > e.maxLevel {
		e.maxLevel = level
	}
	return sst, nil
}

// FullCompact merges srcLevel into srcLevel+1. When srcLevel holds more than
// SSTLevelRatio tables it first compacts srcLevel+1 into the level below it
// (and so on recursively), as the reference engine's full_compact does.
// Deeper levels are not otherwise touched, and the destination level may end
// up holding more than SSTLevelRatio tables.
func (e *Engine) FullCompact(srcLevel int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullCompactLocked(srcLevel)
}

func (e *Engine) fullCompactLocked(srcLevel int) error {
	if e.opts.SSTLevelRatio > 0 && len(e.levels[srcLevel]) > e.opts.SSTLevelRatio {
		if err := e.fullCompactLocked(srcLevel + 1); err != nil {
			return err
		}
	}

	dstLevel := srcLevel + 1
	var merged StorageIterator
	if srcLevel == 0 {
		var l0 []*SST
		for _, id := range e.levels[0] {
			l0 = append(l0, e.ssts[id])
		}
		var l1 []*SST
		for _, id := range e.levels[dstLevel] {
			l1 = append(l1, e.ssts[id])
		}
		var l0Iters []StorageIterator
		for _, sst := range l0 {
			l0Iters = append(l0Iters, newSSTStorageIterator(sst, 0))
		}
		merged = NewTwoMergeIterator(NewHeapIterator(l0Iters), NewConcatIterator(l1, 0))
	} else {
		var lx []*SST
		for _, id := range e.levels[srcLevel] {
			lx = append(lx, e.ssts[id])
		}
		var ly []*SST
		for _, id := range e.levels[dstLevel] {
			ly = append(ly, e.ssts[id])
		}
		merged = NewTwoMergeIterator(NewConcatIterator(lx, 0), NewConcatIterator(ly, 0))
	}

	newIDs, err := e.genSSTFromIterLocked(merged, e.targetSSTSize(dstLevel), dstLevel)
	if err != nil {
		return err
	}

	for _, level := range []int{srcLevel, dstLevel} {
		for _, id := range e.levels[level] {
			if sst := e.ssts[id]; sst != nil {
				_ = sst.Close()
				_ = os.Remove(sstPath(e.dir, id, level))
			}
			delete(e.ssts, id)
		}
	}
	e.levels[srcLevel] = nil
	e.levels[dstLevel] = newIDs
	if dstLevel > e.maxLevel {
		e.maxLevel = dstLevel
	}
	return nil
}

// genSSTFromIterLocked drains merged into one or more new SSTs at
// targetLevel, cutting a new table every time the builder crosses
// targetSize, grounded on engine.cpp's gen_sst_from_iter.
func (e *Engine) genSSTFromIterLocked(merged StorageIterator, targetSize int64, targetLevel int) ([]uint64, error) {
	var ids []uint64
	builder := NewSSTBuilder(e.opts)
	for merged.Valid() {
		ik := InternalKey{UserKey: append([]byte(nil), merged.Key()...), TrancID: merged.TrancID()}
		if err := builder.Add(ik, append([]byte(nil), merged.Value()...)); err != nil {
			return nil, err
		}
		if int64(builder.EstimatedSize()) >= targetSize {
			id := e.nextSSTID.Add(1) - 1
			sst, err := e.publishSST(builder, id, targetLevel)
			if err != nil {
				return nil, err
			}
			e.ssts[id] = sst
			ids = append(ids, id)
			builder = NewSSTBuilder(e.opts)
		}
		if err := merged.Next(); err != nil {
			return nil, err
		}
	}
	if builderHasPending(builder) {
		id := e.nextSSTID.Add(1) - 1
		sst, err := e.publishSST(builder, id, targetLevel)
		if err != nil {
			return nil, err
		}
		e.ssts[id] = sst
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func builderHasPending(b *SSTBuilder) bool {
	return !b.block.IsEmpty() || len(b.meta) > 0
}

// targetSSTSize scales the per-memtable size limit by SSTLevelRatio^level,
// matching engine.cpp's get_sst_size.
func (e *Engine) targetSSTSize(level int) int64 {
	size := e.opts.PerMemSizeLimit
	if size <= 0 {
		size = 4 << 20
	}
	if level == 0 {
		return size
	}
	ratio := int64(e.opts.SSTLevelRatio)
	if ratio <= 0 {
		ratio = 4
	}
	for i := 0; i < level; i++ {
		size *= ratio
	}
	return size
}

// FlushAll drains every memtable generation to disk, blocking until the
// memtable is empty. Close does not call it: unflushed writes left at Close
// are recovered from the WAL on the next Open.
func (e *Engine) FlushAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.memTable.TotalSize() > 0 || e.memTable.NumFrozen() > 0 {
		if _, err := e.flushOneLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	for _, sst := range e.ssts {
		if err := sst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Clear removes every SST and WAL file in the engine's directory and resets
// in-memory state, matching engine.cpp's clear().
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memTable = NewMemTable(e.opts.PerMemSizeLimit)
	e.ssts = make(map[uint64]*SST)
	e.levels = make(map[int][]uint64)
	e.maxLevel = 0

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("%w: reading data dir: %v", ErrIO, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if sstFileRe.MatchString(ent.Name()) || walFileRe.MatchString(ent.Name()) {
			if err := os.Remove(filepath.Join(e.dir, ent.Name())); err != nil {
				log.Printf("lsm: clear: removing %s: %v", ent.Name(), err)
			}
		}
	}
	return nil
}
