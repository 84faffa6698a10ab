package hashtable

import "testing"

func testSettings() Settings {
	return Settings{
		MinSize:       4,
		MaxSize:       1024,
		RehashingWork: 2,
		MinLoadFactor: 0.1,
		MaxLoadFactor: 0.75,
	}
}

func TestInsertLookupDelete(t *testing.T) {
	tab := New[uint64, string](testSettings(), HashUint64)

	tab.Insert(1, "one")
	tab.Insert(2, "two")

	if v, ok := tab.Lookup(1); !ok || v != "one" {
		t.Fatalf("Lookup(1) = %q, %v", v, ok)
	}
	if v, ok := tab.Lookup(2); !ok || v != "two" {
		t.Fatalf("Lookup(2) = %q, %v", v, ok)
	}
	if _, ok := tab.Lookup(3); ok {
		t.Fatal("Lookup(3) found an entry that was never inserted")
	}

	if v, ok := tab.Delete(1); !ok || v != "one" {
		t.Fatalf("Delete(1) = %q, %v", v, ok)
	}
	if _, ok := tab.Lookup(1); ok {
		t.Fatal("Lookup(1) found an entry after Delete")
	}
	if tab.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", tab.Size())
	}
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	tab := New[uint64, int](testSettings(), HashUint64)
	tab.Insert(5, 1)
	tab.Insert(5, 2)
	if v, ok := tab.Lookup(5); !ok || v != 2 {
		t.Fatalf("Lookup(5) = %d, %v, want 2, true", v, ok)
	}
	if tab.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", tab.Size())
	}
}

func TestGrowthAcrossIncrementalRehash(t *testing.T) {
	tab := New[uint32, int](testSettings(), HashUint32)
	const n = 500
	for i := 0; i < n; i++ {
		tab.Insert(uint32(i), i)
	}
	if tab.Size() != n {
		t.Fatalf("Size() = %d, want %d", tab.Size(), n)
	}
	for i := 0; i < n; i++ {
		v, ok := tab.Lookup(uint32(i))
		if !ok || v != i {
			t.Fatalf("Lookup(%d) = %d, %v, want %d, true", i, v, ok, i)
		}
	}
}

func TestShrinkAfterBulkDelete(t *testing.T) {
	tab := New[uint32, int](testSettings(), HashUint32)
	const n = 200
	for i := 0; i < n; i++ {
		tab.Insert(uint32(i), i)
	}
	for i := 0; i < n-5; i++ {
		if _, ok := tab.Delete(uint32(i)); !ok {
			t.Fatalf("Delete(%d) missing", i)
		}
	}
	if tab.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", tab.Size())
	}
	for i := n - 5; i < n; i++ {
		if _, ok := tab.Lookup(uint32(i)); !ok {
			t.Fatalf("Lookup(%d) missing after shrink", i)
		}
	}
}

func TestForEachVisitsEveryEntry(t *testing.T) {
	tab := New[uint32, int](testSettings(), HashUint32)
	const n = 100
	for i := 0; i < n; i++ {
		tab.Insert(uint32(i), i)
	}
	seen := make(map[uint32]bool)
	tab.ForEach(func(k uint32, v int) {
		seen[k] = true
		if int(k) != v {
			t.Fatalf("ForEach key %d paired with value %d", k, v)
		}
	})
	if len(seen) != n {
		t.Fatalf("ForEach visited %d entries, want %d", len(seen), n)
	}
}

func TestHashUint32And64Deterministic(t *testing.T) {
	if HashUint32(7) != HashUint32(7) {
		t.Fatal("HashUint32 not deterministic")
	}
	if HashUint64(7) != HashUint64(7) {
		t.Fatal("HashUint64 not deterministic")
	}
}
