package ringbuffer

import (
	"sync"
	"testing"
)

func TestRingBuffer_CapacityRoundsToPowerOfTwo(t *testing.T) {
	tests := []struct {
		requested int
		wantCap   int
	}{
		{1, 2},
		{2, 2},
		{3, 4},
		{5, 8},
		{16, 16},
	}
	for _, tt := range tests {
		rb := New[int](tt.requested)
		if rb.Cap() != tt.wantCap {
			t.Errorf("New(%d).Cap() = %d, want %d", tt.requested, rb.Cap(), tt.wantCap)
		}
	}
}

func TestRingBuffer_PushPopOrder(t *testing.T) {
	rb := New[int](4)
	for i := 0; i < 4; i++ {
		if !rb.Push(i) {
			t.Fatalf("push %d should succeed", i)
		}
	}
	if rb.Push(99) {
		t.Fatalf("push into a full buffer should fail")
	}
	for i := 0; i < 4; i++ {
		v, ok := rb.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%v, %v)", i, v, ok)
		}
	}
	if _, ok := rb.Pop(); ok {
		t.Fatalf("pop from an empty buffer should fail")
	}
}

func TestRingBuffer_SPSCStress(t *testing.T) {
	const n = 100_000
	rb := New[int](256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !rb.Push(i) {
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			var v int
			var ok bool
			for !ok {
				v, ok = rb.Pop()
			}
			if v != i {
				t.Errorf("pop out of order: got %d, want %d", v, i)
			}
		}
	}()

	wg.Wait()
}
