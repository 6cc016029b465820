package lsm

import (
	"bytes"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

// BloomFilter is the narrow membership-oracle interface an SST's read path
// depends on: "might contain" (never a false negative) to skip a disk read
// for keys that are definitely absent.
type BloomFilter interface {
	Add(key []byte)
	MayContain(key []byte) bool
	WriteToBuffer() ([]byte, error)
	ReadFromBuffer(data []byte) error
}

// BloomPolicy adapts github.com/bits-and-blooms/bloom/v3 to BloomFilter.
type BloomPolicy struct {
	FpRate float64
	Filter *bloom.BloomFilter
}

func newBloomPolicy(expectedKeys uint, fpRate float64) *BloomPolicy {
	return &BloomPolicy{FpRate: fpRate, Filter: bloom.NewWithEstimates(expectedKeys, fpRate)}
}

func (b *BloomPolicy) Add(key []byte) { b.Filter.Add(key) }

func (b *BloomPolicy) MayContain(key []byte) bool {
	if b.Filter == nil {
		return true
	}
	return b.Filter.Test(key)
}

func (b *BloomPolicy) WriteToBuffer() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.Filter.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *BloomPolicy) ReadFromBuffer(data []byte) error {
	if b.Filter == nil {
		b.Filter = &bloom.BloomFilter{}
	}
	_, err := b.Filter.ReadFrom(bytes.NewReader(data))
	return err
}
