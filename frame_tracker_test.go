package nvcodec

import (
	"sync"
	"testing"
)

func TestFrameTrackerMarks(t *testing.T) {
	var tr frameTracker
	for _, idx := range []int{0, 5, 63} {
		if tr.inUse(idx) {
			t.Fatalf("surface %d in use before mark", idx)
		}
		tr.markInUse(idx)
		if !tr.inUse(idx) {
			t.Fatalf("surface %d not in use after mark", idx)
		}
	}
	if got, want := tr.snapshot(), uint64(1|1<<5|1<<63); got != want {
		t.Errorf("snapshot = %#x, want %#x", got, want)
	}

	tr.markFree(5)
	if tr.inUse(5) || !tr.inUse(0) || !tr.inUse(63) {
		t.Errorf("markFree(5) left snapshot %#x", tr.snapshot())
	}
	tr.markFree(5)
	if tr.inUse(5) {
		t.Error("double markFree set the bit")
	}

	tr.reset()
	if tr.snapshot() != 0 {
		t.Errorf("snapshot after reset = %#x", tr.snapshot())
	}
}

func TestFrameTrackerOutOfRange(t *testing.T) {
	for _, idx := range []int{-1, MaxDecodeSurfaces} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("index %d did not panic", idx)
				}
			}()
			var tr frameTracker
			tr.markInUse(idx)
		}()
	}
}

func TestFrameTrackerConcurrent(t *testing.T) {
	var tr frameTracker
	var wg sync.WaitGroup
	for idx := 0; idx < MaxDecodeSurfaces; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tr.markInUse(idx)
				if !tr.inUse(idx) {
					t.Errorf("surface %d lost its bit", idx)
					return
				}
				tr.markFree(idx)
			}
			if idx%2 == 0 {
				tr.markInUse(idx)
			}
		}()
	}
	wg.Wait()

	var want uint64
	for idx := 0; idx < MaxDecodeSurfaces; idx += 2 {
		want |= 1 << uint(idx)
	}
	if got := tr.snapshot(); got != want {
		t.Errorf("snapshot = %#x, want %#x", got, want)
	}
}

func (t *frameTracker) snapshot() uint64 {
	return t.bits.Load()
}
