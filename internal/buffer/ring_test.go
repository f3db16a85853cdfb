package buffer

import (
	"sync"
	"testing"
	"time"
)

func TestRing_PushPop(t *testing.T) {
	r := NewRing[int](10)

	for i := 0; i < 5; i++ {
		if !r.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if r.Len() != 5 {
		t.Errorf("Len() = %d, want 5", r.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := r.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}

	if _, ok := r.TryPop(); ok {
		t.Error("TryPop() on empty ring returned true")
	}
}

func TestRing_DropsOldestWhenFull(t *testing.T) {
	r := NewRing[int](3)

	for i := 0; i < 3; i++ {
		if !r.Push(i) {
			t.Fatalf("Push(%d) returned false before full", i)
		}
	}
	if r.Push(3) {
		t.Error("Push into full ring returned true, want false")
	}
	if r.Push(4) {
		t.Error("Push into full ring returned true, want false")
	}

	got := r.DrainTo(0)
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("DrainTo() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DrainTo()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	stats := r.Stats()
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if stats.TotalPushed != 5 {
		t.Errorf("TotalPushed = %d, want 5", stats.TotalPushed)
	}
	if stats.Capacity != 3 {
		t.Errorf("Capacity = %d, want 3", stats.Capacity)
	}
}

func TestRing_DrainToMax(t *testing.T) {
	r := NewRing[int](10)
	for i := 0; i < 7; i++ {
		r.Push(i)
	}

	first := r.DrainTo(4)
	if len(first) != 4 || first[0] != 0 || first[3] != 3 {
		t.Errorf("DrainTo(4) = %v", first)
	}

	// Leftovers re-arm the wakeup.
	select {
	case <-r.Ready():
	default:
		t.Error("Ready() not signalled with items still queued")
	}

	rest := r.DrainTo(0)
	if len(rest) != 3 || rest[0] != 4 {
		t.Errorf("DrainTo(0) = %v", rest)
	}
	if r.DrainTo(0) != nil {
		t.Error("DrainTo on empty ring should return nil")
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := NewRing[int](4)
	next := 0
	expect := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			r.Push(next)
			next++
		}
		for _, v := range r.DrainTo(0) {
			if v != expect {
				t.Fatalf("round %d: got %d, want %d", round, v, expect)
			}
			expect++
		}
	}
}

func TestRing_ReadyCoalesces(t *testing.T) {
	r := NewRing[int](10)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	select {
	case <-r.Ready():
	default:
		t.Fatal("Ready() not signalled after Push")
	}
	select {
	case <-r.Ready():
		t.Error("Ready() signalled twice for one batch")
	default:
	}

	if n := len(r.DrainTo(0)); n != 3 {
		t.Errorf("DrainTo() drained %d, want 3", n)
	}
}

func TestRing_Close(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1)
	r.Close()
	r.Close()

	if !r.Closed() {
		t.Error("Closed() = false after Close")
	}
	if r.Push(2) {
		t.Error("Push after Close returned true")
	}
	got := r.DrainTo(0)
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("DrainTo() after Close = %v, want [1]", got)
	}
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	r := NewRing[int](64)
	const total = 10000

	done := make(chan struct{})
	var received []int
	go func() {
		defer close(done)
		for {
			select {
			case <-r.Ready():
				received = append(received, r.DrainTo(0)...)
				if r.Closed() && r.Len() == 0 {
					return
				}
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			r.Push(i)
		}
	}()
	wg.Wait()
	r.Close()
	<-done

	// Drops are allowed but order must hold.
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("out of order at %d: %d after %d", i, received[i], received[i-1])
		}
	}
	stats := r.Stats()
	if stats.TotalPopped+stats.Dropped != total {
		t.Errorf("popped %d + dropped %d != %d", stats.TotalPopped, stats.Dropped, total)
	}
	if len(received) == 0 || received[len(received)-1] != total-1 {
		t.Errorf("last item not delivered")
	}
}
