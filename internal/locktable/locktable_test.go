package locktable

import (
	"testing"
	"time"
)

func TestLockGrantsIntentionLocksOnAncestors(t *testing.T) {
	lt := NewTable()
	if err := lt.Lock(1, ResourceVarNext, 5, ModeX); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if m, ok := lt.Held(1, ResourceVarNext, 5); !ok || m != ModeX {
		t.Fatalf("Held(VarNext) = %v, %v", m, ok)
	}
	if m, ok := lt.Held(1, ResourceVar, 5); !ok || m != ModeIX {
		t.Fatalf("Held(Var) = %v, %v, want IX", m, ok)
	}
	if m, ok := lt.Held(1, ResourceDB, 0); !ok || m != ModeIX {
		t.Fatalf("Held(DB) = %v, %v, want IX", m, ok)
	}
}

func TestLockIsIdempotentAtSameMode(t *testing.T) {
	lt := NewTable()
	if err := lt.Lock(1, ResourceRptree, 1, ModeX); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := lt.Lock(1, ResourceRptree, 1, ModeX); err != nil {
		t.Fatalf("re-Lock same mode: %v", err)
	}
}

func TestConflictingLockBlocksUntilRelease(t *testing.T) {
	lt := NewTable()
	if err := lt.Lock(1, ResourceRptree, 1, ModeX); err != nil {
		t.Fatalf("Lock tid 1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := lt.Lock(2, ResourceRptree, 1, ModeX); err != nil {
			t.Errorf("Lock tid 2: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("tid 2 acquired X while tid 1 still held it")
	case <-time.After(50 * time.Millisecond):
	}

	lt.ReleaseAll(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tid 2 never acquired the lock after tid 1 released it")
	}
}

func TestCompatibleModesDoNotBlock(t *testing.T) {
	lt := NewTable()
	if err := lt.Lock(1, ResourceRptree, 1, ModeIS); err != nil {
		t.Fatalf("Lock tid 1: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- lt.Lock(2, ResourceRptree, 1, ModeIS) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock tid 2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("compatible IS/IS locks should not block")
	}
}

func TestReleaseAllDropsEveryHandle(t *testing.T) {
	lt := NewTable()
	if err := lt.Lock(1, ResourceVar, 3, ModeX); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	lt.ReleaseAll(1)
	if _, ok := lt.Held(1, ResourceVar, 3); ok {
		t.Fatal("Held still reports a lock after ReleaseAll")
	}
	if _, ok := lt.Held(1, ResourceDB, 0); ok {
		t.Fatal("Held still reports the ancestor intention lock after ReleaseAll")
	}
}

func TestParentModeMapping(t *testing.T) {
	cases := map[Mode]Mode{
		ModeIS:  ModeIS,
		ModeS:   ModeIS,
		ModeIX:  ModeIX,
		ModeSIX: ModeIX,
		ModeX:   ModeIX,
	}
	for m, want := range cases {
		if got := ParentMode(m); got != want {
			t.Fatalf("ParentMode(%v) = %v, want %v", m, got, want)
		}
	}
}
