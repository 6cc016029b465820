package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// BlockMeta describes one data block's placement and key range within an
// SST, so a lookup can pick the right block without scanning the file.
type BlockMeta struct {
	Offset   uint32
	FirstKey []byte
	LastKey  []byte
}

// EncodeBlockMetas serializes a slice of BlockMeta as:
//
//	N (u32 LE) | (offset u32 LE, first_key_len u16 LE, first_key,
//	             last_key_len u16 LE, last_key)* | hash (u32 LE)
//
// The hash covers everything after the count field and before itself, using
// crc32 (IEEE) — a content hash that is stable across processes and
// architectures, unlike a language runtime's in-memory hash.
func EncodeBlockMetas(metas []BlockMeta) []byte {
	buf := make([]byte, 4, 64*len(metas)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(metas)))

	for _, m := range metas {
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], m.Offset)
		buf = append(buf, u32[:]...)

		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(m.FirstKey)))
		buf = append(buf, u16[:]...)
		buf = append(buf, m.FirstKey...)

		binary.LittleEndian.PutUint16(u16[:], uint16(len(m.LastKey)))
		buf = append(buf, u16[:]...)
		buf = append(buf, m.LastKey...)
	}

	sum := crc32.ChecksumIEEE(buf[4:])
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)
	return buf
}

// DecodeBlockMetas parses the format produced by EncodeBlockMetas, verifying
// the trailing content hash.
func DecodeBlockMetas(data []byte) ([]BlockMeta, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: meta section shorter than header+hash", ErrCorruptMeta)
	}

	gotHash := binary.LittleEndian.Uint32(data[len(data)-4:])
	wantHash := crc32.ChecksumIEEE(data[4 : len(data)-4])
	if gotHash != wantHash {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrCorruptMeta)
	}

	cur := 4
	end := len(data) - 4
	var metas []BlockMeta
	for cur < end {
		if cur+4+2 > end {
			return nil, fmt.Errorf("%w: truncated meta entry", ErrCorruptMeta)
		}
		offset := binary.LittleEndian.Uint32(data[cur : cur+4])
		cur += 4
		firstLen := int(binary.LittleEndian.Uint16(data[cur : cur+2]))
		cur += 2
		if cur+firstLen+2 > end {
			return nil, fmt.Errorf("%w: truncated first_key", ErrCorruptMeta)
		}
		firstKey := append([]byte(nil), data[cur:cur+firstLen]...)
		cur += firstLen

		lastLen := int(binary.LittleEndian.Uint16(data[cur : cur+2]))
		cur += 2
		if cur+lastLen > end {
			return nil, fmt.Errorf("%w: truncated last_key", ErrCorruptMeta)
		}
		lastKey := append([]byte(nil), data[cur:cur+lastLen]...)
		cur += lastLen

		metas = append(metas, BlockMeta{Offset: offset, FirstKey: firstKey, LastKey: lastKey})
	}
	return metas, nil
}
