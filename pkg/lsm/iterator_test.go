package lsm

import "testing"

type sliceIter struct {
	keys, vals [][]byte
	trancIDs   []uint64
	pos        int
}

func (s *sliceIter) Valid() bool     { return s.pos < len(s.keys) }
func (s *sliceIter) Key() []byte     { return s.keys[s.pos] }
func (s *sliceIter) Value() []byte   { return s.vals[s.pos] }
func (s *sliceIter) TrancID() uint64 { return s.trancIDs[s.pos] }
func (s *sliceIter) Next() error     { s.pos++; return nil }

func newSliceIter(pairs ...[2]string) *sliceIter {
	it := &sliceIter{}
	for _, p := range pairs {
		it.keys = append(it.keys, []byte(p[0]))
		it.vals = append(it.vals, []byte(p[1]))
		it.trancIDs = append(it.trancIDs, 0)
	}
	return it
}

func drain(it StorageIterator) []string {
	var out []string
	for it.Valid() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
		if err := it.Next(); err != nil {
			panic(err)
		}
	}
	return out
}

func TestHeapIterator_MergesAndPrefersLowerIndexOnTie(t *testing.T) {
	a := newSliceIter([2]string{"a", "fromA"}, [2]string{"c", "fromA"})
	b := newSliceIter([2]string{"a", "fromB"}, [2]string{"b", "fromB"})

	hi := NewHeapIterator([]StorageIterator{a, b}) // a is idx 0, wins ties
	got := drain(hi)
	want := []string{"a=fromA", "b=fromB", "c=fromA"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTwoMergeIterator_AWinsTies(t *testing.T) {
	a := newSliceIter([2]string{"a", "fromA"}, [2]string{"b", "fromA"})
	b := newSliceIter([2]string{"b", "fromB"}, [2]string{"c", "fromB"})

	tm := NewTwoMergeIterator(a, b)
	got := drain(tm)
	want := []string{"a=fromA", "b=fromA", "c=fromB"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTwoMergeIterator_EmptySide(t *testing.T) {
	a := newSliceIter()
	b := newSliceIter([2]string{"x", "1"})
	tm := NewTwoMergeIterator(a, b)
	got := drain(tm)
	if len(got) != 1 || got[0] != "x=1" {
		t.Fatalf("got %v, want [x=1]", got)
	}
}
