package lsm

import "testing"

func TestSkipList_PutGetOverwrite(t *testing.T) {
	s := newSkipList(defaultMaxSkipListLevel)
	s.Put([]byte("a"), []byte("1"), 1)
	s.Put([]byte("b"), []byte("2"), 2)
	s.Put([]byte("a"), []byte("1-updated"), 1) // same (key,tranc_id): overwrite in place

	val, foundID, ok := s.Get([]byte("a"), 0)
	if !ok || string(val) != "1-updated" || foundID != 1 {
		t.Fatalf("Get(a) = %q,%d,%v; want 1-updated,1,true", val, foundID, ok)
	}
}

func TestSkipList_MultiVersionVisibility(t *testing.T) {
	s := newSkipList(defaultMaxSkipListLevel)
	s.Put([]byte("k"), []byte("v1"), 1)
	s.Put([]byte("k"), []byte("v2"), 3)
	s.Put([]byte("k"), []byte("v3"), 5)

	cases := []struct {
		trancID uint64
		want    string
		wantOK  bool
	}{
		{0, "v3", true}, // 0 == latest
		{5, "v3", true},
		{4, "v2", true},
		{3, "v2", true},
		{2, "v1", true},
		{1, "v1", true},
		{0, "v3", true},
	}
	for _, c := range cases {
		val, _, ok := s.Get([]byte("k"), c.trancID)
		if ok != c.wantOK || (ok && string(val) != c.want) {
			t.Fatalf("Get(k, %d) = %q,%v; want %q,%v", c.trancID, val, ok, c.want, c.wantOK)
		}
	}

	if _, _, ok := s.Get([]byte("k"), 0); !ok {
		t.Fatalf("Get(k, 0) should always resolve to the latest version")
	}
}

func TestSkipList_RemoveDropsAllVersions(t *testing.T) {
	s := newSkipList(defaultMaxSkipListLevel)
	s.Put([]byte("k"), []byte("v1"), 1)
	s.Put([]byte("k"), []byte("v2"), 2)
	s.Remove([]byte("k"))
	if _, _, ok := s.Get([]byte("k"), 0); ok {
		t.Fatalf("Get after Remove should find nothing, got ok=true")
	}
}

func TestSkipList_FlushOrdering(t *testing.T) {
	s := newSkipList(defaultMaxSkipListLevel)
	s.Put([]byte("b"), []byte("b1"), 2)
	s.Put([]byte("a"), []byte("a2"), 2)
	s.Put([]byte("a"), []byte("a1"), 1)

	entries := s.Flush()
	if len(entries) != 3 {
		t.Fatalf("Flush() returned %d entries, want 3", len(entries))
	}
	// Ascending key, then descending tranc_id within a key.
	want := []struct {
		key     string
		trancID uint64
	}{
		{"a", 2}, {"a", 1}, {"b", 2},
	}
	for i, w := range want {
		if string(entries[i].Key) != w.key || entries[i].TrancID != w.trancID {
			t.Fatalf("entries[%d] = (%q,%d), want (%q,%d)", i, entries[i].Key, entries[i].TrancID, w.key, w.trancID)
		}
	}
}

func TestSkipList_IterMonotonyPredicate(t *testing.T) {
	s := newSkipList(defaultMaxSkipListLevel)
	for _, k := range []string{"apple", "apricot", "banana", "cherry"} {
		s.Put([]byte(k), []byte(k), 1)
	}

	// Bisect for keys with the "ap" prefix.
	predicate := func(key []byte) int {
		k := string(key)
		switch {
		case len(k) >= 2 && k[:2] == "ap":
			return 0
		case k < "ap":
			return 1
		default:
			return -1
		}
	}
	first, last, ok := s.IterMonotonyPredicate(predicate)
	if !ok {
		t.Fatalf("IterMonotonyPredicate found no match, expected apple/apricot")
	}
	var got []string
	for {
		got = append(got, string(first.Key()))
		if string(first.Key()) == string(last.Key()) {
			break
		}
		first.Next()
	}
	want := []string{"apple", "apricot"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
