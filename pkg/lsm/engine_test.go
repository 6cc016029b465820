package lsm

import "testing"

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.BlockSize = 256
	opts.PerMemSizeLimit = 1 << 20
	opts.TolMemSizeLimit = 1 << 20
	opts.BloomExpectedSize = 64
	return opts
}

func TestEngine_PutGetRemove(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k1"), []byte("v1"), 1, false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := e.Get([]byte("k1"), 0)
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("Get(k1) = %q,%v,%v; want v1,true,nil", val, ok, err)
	}

	if err := e.Remove([]byte("k1"), 2, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := e.Get([]byte("k1"), 0); err != nil || ok {
		t.Fatalf("Get(k1) after Remove = ok=%v, err=%v; want false, nil", ok, err)
	}

	if _, ok, err := e.Get([]byte("missing"), 0); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v, err=%v; want false, nil", ok, err)
	}
}

func TestEngine_FlushToSSTAndReadBack(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.TolMemSizeLimit = 1 // force every write to flush
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		if err := e.Put(k, []byte("val"), uint64(i+1), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	e.mu.RLock()
	numL0 := len(e.levels[0])
	e.mu.RUnlock()
	if numL0 == 0 {
		t.Fatalf("expected at least one L0 SST after forcing flush on every write")
	}

	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		val, ok, err := e.Get(k, 0)
		if err != nil || !ok || string(val) != "val" {
			t.Fatalf("Get(%q) = %q,%v,%v; want val,true,nil", k, val, ok, err)
		}
	}
}

func TestEngine_FullCompactMergesL0IntoL1(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.TolMemSizeLimit = 1
	opts.SSTLevelRatio = 2
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		if err := e.Put(k, []byte("val"), uint64(i+1), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if err := e.FullCompact(0); err != nil {
		t.Fatalf("FullCompact: %v", err)
	}

	e.mu.RLock()
	numL1 := len(e.levels[1])
	e.mu.RUnlock()
	if numL1 == 0 {
		t.Fatalf("expected FullCompact(0) to populate L1")
	}

	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		val, ok, err := e.Get(k, 0)
		if err != nil || !ok || string(val) != "val" {
			t.Fatalf("Get(%q) after compaction = %q,%v,%v; want val,true,nil", k, val, ok, err)
		}
	}
}

func TestEngine_GetBatchAcrossMemtableAndSST(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.TolMemSizeLimit = 1 // force every write to flush to an SST
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put([]byte("flushed"), []byte("on-disk"), 1, false); err != nil {
		t.Fatalf("Put flushed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen with a large threshold so these writes stay in the memtable.
	opts2 := opts
	opts2.TolMemSizeLimit = 1 << 30
	e, err = Open(opts2)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("in-memtable"), []byte("hot"), 2, false); err != nil {
		t.Fatalf("Put in-memtable: %v", err)
	}
	if err := e.Put([]byte("tombstoned"), []byte("x"), 3, false); err != nil {
		t.Fatalf("Put tombstoned: %v", err)
	}
	if err := e.Remove([]byte("tombstoned"), 4, false); err != nil {
		t.Fatalf("Remove tombstoned: %v", err)
	}

	results, err := e.GetBatch([][]byte{
		[]byte("flushed"), []byte("in-memtable"), []byte("tombstoned"), []byte("missing"),
	}, 0)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}

	byKey := map[string]KVPair{}
	for _, r := range results {
		byKey[string(r.Key)] = r
	}
	if r := byKey["flushed"]; !r.Found || string(r.Value) != "on-disk" {
		t.Fatalf("GetBatch[flushed] = %+v, want Found=true Value=on-disk", r)
	}
	if r := byKey["in-memtable"]; !r.Found || string(r.Value) != "hot" {
		t.Fatalf("GetBatch[in-memtable] = %+v, want Found=true Value=hot", r)
	}
	if r := byKey["tombstoned"]; r.Found {
		t.Fatalf("GetBatch[tombstoned] = %+v, want Found=false", r)
	}
	if r := byKey["missing"]; r.Found {
		t.Fatalf("GetBatch[missing] = %+v, want Found=false", r)
	}
}

func TestEngine_IteratorMatchesMapOracle(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.TolMemSizeLimit = 1 << 10
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	oracle := map[string]string{}
	id := uint64(1)
	for _, kv := range []struct{ k, v string }{
		{"a", "1"}, {"b", "2"}, {"c", "3"}, {"a", "1-updated"},
	} {
		if err := e.Put([]byte(kv.k), []byte(kv.v), id, false); err != nil {
			t.Fatalf("Put: %v", err)
		}
		oracle[kv.k] = kv.v
		id++
	}
	if err := e.Remove([]byte("b"), id, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	delete(oracle, "b")

	it := e.NewIterator(0)
	got := map[string]string{}
	for it.Valid() {
		if len(it.Value()) > 0 {
			got[string(it.Key())] = string(it.Value())
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(got) != len(oracle) {
		t.Fatalf("iterator produced %v, want %v", got, oracle)
	}
	for k, v := range oracle {
		if got[k] != v {
			t.Fatalf("iterator[%q] = %q, want %q", k, got[k], v)
		}
	}
}
