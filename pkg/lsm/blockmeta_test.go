package lsm

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlockMetas_EncodeDecodeRoundTrip(t *testing.T) {
	metas := []BlockMeta{
		{Offset: 0, FirstKey: []byte("a"), LastKey: []byte("c")},
		{Offset: 128, FirstKey: []byte("d"), LastKey: []byte("f")},
		{Offset: 256, FirstKey: []byte(""), LastKey: []byte("")}, // degenerate empty-key block
	}

	encoded := EncodeBlockMetas(metas)
	decoded, err := DecodeBlockMetas(encoded)
	if err != nil {
		t.Fatalf("DecodeBlockMetas: %v", err)
	}
	if len(decoded) != len(metas) {
		t.Fatalf("len(decoded) = %d, want %d", len(decoded), len(metas))
	}
	for i, m := range metas {
		if decoded[i].Offset != m.Offset {
			t.Fatalf("meta %d Offset = %d, want %d", i, decoded[i].Offset, m.Offset)
		}
		if !bytes.Equal(decoded[i].FirstKey, m.FirstKey) {
			t.Fatalf("meta %d FirstKey = %q, want %q", i, decoded[i].FirstKey, m.FirstKey)
		}
		if !bytes.Equal(decoded[i].LastKey, m.LastKey) {
			t.Fatalf("meta %d LastKey = %q, want %q", i, decoded[i].LastKey, m.LastKey)
		}
	}
}

func TestBlockMetas_DecodeRejectsTamperedPayload(t *testing.T) {
	metas := []BlockMeta{
		{Offset: 0, FirstKey: []byte("a"), LastKey: []byte("z")},
	}
	encoded := EncodeBlockMetas(metas)

	tampered := append([]byte(nil), encoded...)
	tampered[4] ^= 0xFF // flip a byte inside the first entry's offset field

	if _, err := DecodeBlockMetas(tampered); !errors.Is(err, ErrCorruptMeta) {
		t.Fatalf("DecodeBlockMetas(tampered) error = %v, want ErrCorruptMeta", err)
	}
}

func TestBlockMetas_DecodeRejectsTooShortInput(t *testing.T) {
	if _, err := DecodeBlockMetas([]byte{1, 2, 3}); !errors.Is(err, ErrCorruptMeta) {
		t.Fatalf("DecodeBlockMetas(3 bytes) error = %v, want ErrCorruptMeta", err)
	}
}

func TestBlockMetas_EmptyInputRoundTrips(t *testing.T) {
	encoded := EncodeBlockMetas(nil)
	decoded, err := DecodeBlockMetas(encoded)
	if err != nil {
		t.Fatalf("DecodeBlockMetas(empty): %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("decoded = %v, want empty", decoded)
	}
}
