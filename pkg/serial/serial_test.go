package serial

import (
	"sync"
	"testing"
)

func TestDispatcher_PerKeyOrder(t *testing.T) {
	d := New(WithWorkers(4), WithQueueSize(8))

	const perKey = 200
	keys := []string{"device/r1", "device/r2", "topology/t1"}

	var mu sync.Mutex
	seen := make(map[string][]int)

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			k, i := k, i
			if !d.Submit(k, func() {
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			}) {
				t.Fatal("Submit() returned false on open dispatcher")
			}
		}
	}
	d.Close()

	for _, k := range keys {
		got := seen[k]
		if len(got) != perKey {
			t.Fatalf("key %s ran %d tasks, want %d", k, len(got), perKey)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %s task %d ran at position %d", k, v, i)
			}
		}
	}
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	d := New(WithWorkers(1))
	d.Close()
	d.Close()

	if d.Submit("k", func() {}) {
		t.Error("Submit() after Close() should return false")
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := New(WithWorkers(1))

	ran := make(chan struct{})
	d.Submit("k", func() { panic("boom") })
	d.Submit("k", func() { close(ran) })
	d.Close()

	select {
	case <-ran:
	default:
		t.Fatal("task after a panicking task did not run")
	}
}

func TestDispatcher_IndexStable(t *testing.T) {
	a := New(WithWorkers(7))
	defer a.Close()
	b := New(WithWorkers(7))
	defer b.Close()

	if got := a.index(""); got != 0 {
		t.Errorf("index(\"\") = %d, want 0", got)
	}
	used := make(map[int]bool)
	for i := 0; i < 200; i++ {
		key := "device/r" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		got := a.index(key)
		if got < 0 || got >= 7 {
			t.Fatalf("index(%q) = %d out of range", key, got)
		}
		if b.index(key) != got {
			t.Fatalf("index(%q) differs between dispatchers", key)
		}
		used[got] = true
	}
	if len(used) < 4 {
		t.Errorf("200 keys hashed onto %d of 7 workers", len(used))
	}
}
