package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
)

// --- On-disk layout ---
//
// | block_1 | block_2 | ... | block_N | meta_section | bloom_section |
// | meta_offset (u32 LE) | bloom_offset (u32 LE) | magic (u64 LE) |
//
// meta_section is EncodeBlockMetas' output; bloom_section is whatever the
// configured BloomFilter's WriteToBuffer produces (empty when the table was
// built with BloomFpRate <= 0). The trailing magic lets a reader sanity
// check it opened an actual table before trusting the offsets.

const sstMagic uint64 = 0x626c6b537354626c
const footerSize = 4 + 4 + 8 // meta_offset + bloom_offset + magic

type BlockHandle struct {
	Offset uint32
	Length uint32
}

type Footer struct {
	IndexHandle  BlockHandle // meta section: offset + length
	FilterHandle BlockHandle // bloom section: offset + length
	Magic        uint64
}

// BlockCache is the out-of-scope collaborator an SST reader consults before
// hitting disk. Get/Put operate on already-encoded block bytes so the cache
// package need not depend on lsm's types.
type BlockCache interface {
	Get(sstID uint64, blockIdx int) ([]byte, bool)
	Put(sstID uint64, blockIdx int, data []byte)
}

// --- SSTBuilder ---

// SSTBuilder accumulates entries (expected in ascending (userKey, trancID
// desc) order — i.e. however a memtable flush or compaction merge produces
// them) into blocks, and on Build serializes everything to disk.
type SSTBuilder struct {
	blockSize int
	block     *Block
	meta      []BlockMeta
	data      []byte

	firstKey, lastKey []byte
	bloom             *BloomPolicy

	minTrancID, maxTrancID uint64
	haveTrancRange         bool
}

func NewSSTBuilder(opts Options) *SSTBuilder {
	b := &SSTBuilder{
		blockSize: opts.BlockSize,
		block:     newBlock(opts.BlockSize),
	}
	if opts.BloomFpRate > 0 {
		size := opts.BloomExpectedSize
		if size == 0 {
			size = 4096
		}
		b.bloom = newBloomPolicy(size, opts.BloomFpRate)
	}
	return b
}

// Add appends one entry, rolling over to a new block when the current one
// is full.
func (b *SSTBuilder) Add(key InternalKey, value []byte) error {
	if b.firstKey == nil {
		b.firstKey = append([]byte(nil), key.UserKey...)
	}
	if b.block.AddEntry(key.UserKey, value, key.TrancID, false) {
		b.lastKey = append([]byte(nil), key.UserKey...)
		b.trackTrancID(key.TrancID)
		if b.bloom != nil {
			b.bloom.Add(key.UserKey)
		}
		return nil
	}
	b.finishBlock()
	b.block.AddEntry(key.UserKey, value, key.TrancID, true)
	if b.block.CurSize() > b.blockSize {
		return fmt.Errorf("%w: block size %d too small for a single entry (key %d bytes, value %d bytes)",
			ErrInvariantViolation, b.blockSize, len(key.UserKey), len(value))
	}
	b.lastKey = append([]byte(nil), key.UserKey...)
	b.trackTrancID(key.TrancID)
	if b.bloom != nil {
		b.bloom.Add(key.UserKey)
	}
	return nil
}

func (b *SSTBuilder) trackTrancID(id uint64) {
	if !b.haveTrancRange {
		b.minTrancID, b.maxTrancID = id, id
		b.haveTrancRange = true
		return
	}
	if id < b.minTrancID {
		b.minTrancID = id
	}
	if id > b.maxTrancID {
		b.maxTrancID = id
	}
}

func (b *SSTBuilder) EstimatedSize() int { return len(b.data) }

func (b *SSTBuilder) finishBlock() {
	firstKey := b.block.GetFirstKey()
	encoded := b.block.Encode()
	b.meta = append(b.meta, BlockMeta{
		Offset:   uint32(len(b.data)),
		FirstKey: firstKey,
		LastKey:  append([]byte(nil), b.lastKey...),
	})
	b.data = append(b.data, encoded...)
	b.block = newBlock(b.blockSize)
}

// Build finalizes the table, writes it to f, and returns a descriptor ready
// for reads.
func (b *SSTBuilder) Build(id uint64, f *os.File) (*SST, error) {
	if b.block.IsEmpty() && len(b.meta) == 0 {
		return nil, fmt.Errorf("%w: SSTBuilder.Build called with no entries", ErrInvariantViolation)
	}
	if !b.block.IsEmpty() {
		b.finishBlock()
	}

	metaSection := EncodeBlockMetas(b.meta)
	metaOffset := uint32(len(b.data))

	var bloomSection []byte
	if b.bloom != nil {
		var err error
		bloomSection, err = b.bloom.WriteToBuffer()
		if err != nil {
			return nil, fmt.Errorf("%w: encoding bloom filter: %v", ErrIO, err)
		}
	}
	bloomOffset := metaOffset + uint32(len(metaSection))

	content := make([]byte, 0, len(b.data)+len(metaSection)+len(bloomSection)+footerSize)
	content = append(content, b.data...)
	content = append(content, metaSection...)
	content = append(content, bloomSection...)

	var trailer [footerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], metaOffset)
	binary.LittleEndian.PutUint32(trailer[4:8], bloomOffset)
	binary.LittleEndian.PutUint64(trailer[8:16], sstMagic)
	content = append(content, trailer[:]...)

	if _, err := f.WriteAt(content, 0); err != nil {
		return nil, fmt.Errorf("%w: writing SST: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: fsyncing SST: %v", ErrIO, err)
	}

	sst := &SST{
		file:        f,
		id:          id,
		metaEntries: b.meta,
		metaOffset:  metaOffset,
		fileSize:    int64(len(content)),
		firstKey:    b.firstKey,
		lastKey:     b.lastKey,
		minTrancID:  b.minTrancID,
		maxTrancID:  b.maxTrancID,
	}
	if b.bloom != nil {
		sst.bloom = b.bloom
	}
	return sst, nil
}

// --- tableWriter: thin file-oriented wrapper used by callers that think in
// terms of "open a writer, Add repeatedly, Finish" rather than constructing
// an SSTBuilder directly. ---

type tableWriter struct {
	f       *os.File
	builder *SSTBuilder
}

func NewTableWriter(f *os.File, opts Options) (*tableWriter, error) {
	return &tableWriter{f: f, builder: NewSSTBuilder(opts)}, nil
}

func (tw *tableWriter) Add(key InternalKey, value []byte) error {
	return tw.builder.Add(key, value)
}

func (tw *tableWriter) Finish() (Footer, error) {
	sst, err := tw.builder.Build(0, tw.f)
	if err != nil {
		return Footer{}, err
	}
	bloomLen := 0
	if sst.bloom != nil {
		buf, _ := sst.bloom.WriteToBuffer()
		bloomLen = len(buf)
	}
	metaSectionLen := len(EncodeBlockMetas(sst.metaEntries))
	return Footer{
		IndexHandle:  BlockHandle{Offset: sst.metaOffset, Length: uint32(metaSectionLen)},
		FilterHandle: BlockHandle{Offset: sst.metaOffset + uint32(metaSectionLen), Length: uint32(bloomLen)},
		Magic:        sstMagic,
	}, nil
}

func (tw *tableWriter) Close() error { return tw.f.Close() }

// --- SST: the on-disk table descriptor ---

type SST struct {
	file        *os.File
	id          uint64
	metaEntries []BlockMeta
	metaOffset  uint32
	fileSize    int64
	firstKey    []byte
	lastKey     []byte
	minTrancID  uint64
	maxTrancID  uint64
	bloom       *BloomPolicy
	cache       BlockCache
}

// OpenSST opens an existing SST file on disk, reading its meta and bloom
// sections.
func OpenSST(id uint64, f *os.File, cache BlockCache) (*SST, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat SST: %v", ErrIO, err)
	}
	size := st.Size()
	if size < footerSize {
		return nil, fmt.Errorf("%w: file shorter than footer", ErrCorruptMeta)
	}

	trailer := make([]byte, footerSize)
	if _, err := f.ReadAt(trailer, size-footerSize); err != nil {
		return nil, fmt.Errorf("%w: reading footer: %v", ErrIO, err)
	}
	metaOffset := binary.LittleEndian.Uint32(trailer[0:4])
	bloomOffset := binary.LittleEndian.Uint32(trailer[4:8])
	magic := binary.LittleEndian.Uint64(trailer[8:16])
	if magic != sstMagic {
		return nil, fmt.Errorf("%w: bad magic trailer", ErrCorruptMeta)
	}

	metaSection := make([]byte, int64(bloomOffset)-int64(metaOffset))
	if _, err := f.ReadAt(metaSection, int64(metaOffset)); err != nil {
		return nil, fmt.Errorf("%w: reading meta section: %v", ErrIO, err)
	}
	metas, err := DecodeBlockMetas(metaSection)
	if err != nil {
		return nil, err
	}

	sst := &SST{
		file:        f,
		id:          id,
		metaEntries: metas,
		metaOffset:  metaOffset,
		fileSize:    size,
		cache:       cache,
	}
	if len(metas) > 0 {
		sst.firstKey = metas[0].FirstKey
		sst.lastKey = metas[len(metas)-1].LastKey
	}

	bloomLen := size - footerSize - int64(bloomOffset)
	if bloomLen > 0 {
		bloomSection := make([]byte, bloomLen)
		if _, err := f.ReadAt(bloomSection, int64(bloomOffset)); err != nil {
			return nil, fmt.Errorf("%w: reading bloom section: %v", ErrIO, err)
		}
		bp := &BloomPolicy{}
		if err := bp.ReadFromBuffer(bloomSection); err == nil {
			sst.bloom = bp
		}
	}
	return sst, nil
}

func (s *SST) ID() uint64        { return s.id }
func (s *SST) FirstKey() []byte  { return s.firstKey }
func (s *SST) LastKey() []byte   { return s.lastKey }
func (s *SST) NumBlocks() int    { return len(s.metaEntries) }
func (s *SST) SizeBytes() int64  { return s.fileSize }
func (s *SST) TrancIDRange() (lo, hi uint64) { return s.minTrancID, s.maxTrancID }

func (s *SST) Close() error { return s.file.Close() }

// ReadBlock decodes block blockIdx, consulting the cache first.
func (s *SST) ReadBlock(blockIdx int) (*Block, error) {
	if blockIdx < 0 || blockIdx >= len(s.metaEntries) {
		return nil, fmt.Errorf("%w: block index %d out of range", ErrInvariantViolation, blockIdx)
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(s.id, blockIdx); ok {
			return DecodeBlock(data)
		}
	}

	offset := int64(s.metaEntries[blockIdx].Offset)
	var length int64
	if blockIdx == len(s.metaEntries)-1 {
		length = int64(s.metaOffset) - offset
	} else {
		length = int64(s.metaEntries[blockIdx+1].Offset) - offset
	}
	raw := make([]byte, length)
	if _, err := s.file.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("%w: reading block %d: %v", ErrIO, blockIdx, err)
	}
	if s.cache != nil {
		s.cache.Put(s.id, blockIdx, raw)
	}
	return DecodeBlock(raw)
}

// FindBlockIdx returns the index of the block that would contain key, or -1.
func (s *SST) FindBlockIdx(key []byte) int {
	lo, hi := 0, len(s.metaEntries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		m := s.metaEntries[mid]
		switch {
		case compareBytes(key, m.FirstKey) < 0:
			hi = mid - 1
		case compareBytes(key, m.LastKey) > 0:
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}

// MayContain consults the bloom filter (if any); true means "maybe", false
// means "definitely not".
func (s *SST) MayContain(key []byte) bool {
	if s.bloom == nil {
		return true
	}
	return s.bloom.MayContain(key)
}

// Get looks up key's version visible at trancID.
func (s *SST) Get(key []byte, trancID uint64) ([]byte, bool, error) {
	if s.firstKey == nil || compareBytes(key, s.firstKey) < 0 || compareBytes(key, s.lastKey) > 0 {
		return nil, false, nil
	}
	if !s.MayContain(key) {
		return nil, false, nil
	}
	idx := s.FindBlockIdx(key)
	if idx < 0 {
		return nil, false, nil
	}
	// The versions of one key may span adjacent blocks, newest first: start
	// at the first block holding key and move right until one is visible.
	for idx > 0 && compareBytes(s.metaEntries[idx-1].LastKey, key) >= 0 {
		idx--
	}
	for ; idx < len(s.metaEntries) && compareBytes(s.metaEntries[idx].FirstKey, key) <= 0; idx++ {
		block, err := s.ReadBlock(idx)
		if err != nil {
			return nil, false, err
		}
		if val, ok := block.GetValueBinary(key, trancID); ok {
			return val, true, nil
		}
	}
	return nil, false, nil
}

// --- tableReader: the file-oriented counterpart to tableWriter ---

type tableReader struct {
	sst *SST
}

func OpenTable(f *os.File, opts Options) (*tableReader, error) {
	sst, err := OpenSST(0, f, nil)
	if err != nil {
		return nil, err
	}
	return &tableReader{sst: sst}, nil
}

func (tr *tableReader) Get(key []byte, trancID uint64) ([]byte, bool, error) {
	return tr.sst.Get(key, trancID)
}

func (tr *tableReader) Close() error { return tr.sst.Close() }

// --- tableIter: ascending iteration across every block of one SST ---

type tableIter struct {
	tr         *tableReader
	blockIdx   int
	blockIter  *BlockIterator
	trancID    uint64
}

func (it *tableIter) First() {
	it.blockIdx = 0
	it.loadBlock()
}

func (it *tableIter) Seek(target []byte) {
	idx := it.tr.sst.FindBlockIdx(target)
	if idx < 0 {
		idx = 0
		for i, m := range it.tr.sst.metaEntries {
			if compareBytes(m.FirstKey, target) >= 0 {
				idx = i
				break
			}
			idx = i + 1
		}
	}
	it.blockIdx = idx
	if it.blockIdx >= len(it.tr.sst.metaEntries) {
		it.blockIter = nil
		return
	}
	block, err := it.tr.sst.ReadBlock(it.blockIdx)
	if err != nil {
		it.blockIter = nil
		return
	}
	it.blockIter = NewBlockIteratorAt(block, target, it.trancID)
	it.advancePastEmptyBlocks()
}

func (it *tableIter) loadBlock() {
	if it.blockIdx >= len(it.tr.sst.metaEntries) {
		it.blockIter = nil
		return
	}
	block, err := it.tr.sst.ReadBlock(it.blockIdx)
	if err != nil {
		it.blockIter = nil
		return
	}
	it.blockIter = NewBlockIterator(block, it.trancID)
	it.blockIter.First()
	it.advancePastEmptyBlocks()
}

func (it *tableIter) advancePastEmptyBlocks() {
	for (it.blockIter == nil || !it.blockIter.Valid()) && it.blockIdx+1 < len(it.tr.sst.metaEntries) {
		it.blockIdx++
		block, err := it.tr.sst.ReadBlock(it.blockIdx)
		if err != nil {
			it.blockIter = nil
			return
		}
		it.blockIter = NewBlockIterator(block, it.trancID)
		it.blockIter.First()
	}
}

func (it *tableIter) Valid() bool { return it.blockIter != nil && it.blockIter.Valid() }

func (it *tableIter) Key() []byte { return it.blockIter.Key() }

func (it *tableIter) Value() []byte { return it.blockIter.Value() }

func (it *tableIter) TrancID() uint64 { return it.blockIter.TrancID() }

// Next moves to the next distinct key. A key whose versions span a block
// boundary shows up in each of those blocks; only the first (newest) is kept.
func (it *tableIter) Next() error {
	var prev []byte
	if it.Valid() {
		prev = append([]byte(nil), it.Key()...)
	}
	for {
		if it.blockIter != nil {
			it.blockIter.Next()
		}
		it.advancePastEmptyBlocks()
		if prev == nil || !it.Valid() || compareBytes(it.Key(), prev) != 0 {
			return nil
		}
	}
}

func newSSTStorageIterator(sst *SST, trancID uint64) *tableIter {
	tr := &tableReader{sst: sst}
	it := &tableIter{tr: tr, trancID: trancID}
	it.First()
	return it
}
