package nvcodec

import (
	"fmt"
	"sync/atomic"
)

// MaxDecodeSurfaces is the number of decode surfaces the in-use tracker can
// represent. Surface indices must lie in [0, MaxDecodeSurfaces).
const MaxDecodeSurfaces = 64

// frameTracker records which decode surfaces are held by either a pending
// decode submission or a live GpuFrame. The engine must not reuse a surface
// whose bit is set.
type frameTracker struct {
	bits atomic.Uint64
}

func surfaceBit(idx int) uint64 {
	if idx < 0 || idx >= MaxDecodeSurfaces {
		panic(fmt.Sprintf("nvcodec: decode surface index %d out of range [0,%d)", idx, MaxDecodeSurfaces))
	}
	return 1 << uint(idx)
}

func (t *frameTracker) inUse(idx int) bool {
	return t.bits.Load()&surfaceBit(idx) != 0
}

func (t *frameTracker) markInUse(idx int) {
	t.bits.Or(surfaceBit(idx))
}

func (t *frameTracker) markFree(idx int) {
	t.bits.And(^surfaceBit(idx))
}

func (t *frameTracker) reset() {
	t.bits.Store(0)
}
