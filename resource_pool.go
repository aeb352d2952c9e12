package nvcodec

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Permit grants exclusive use of one pooled slot. For the encoder a slot is
// an input buffer paired with a bitstream buffer.
type Permit int

// ResourcePool hands out a fixed set of permits. Acquire blocks while none
// are free; Release returns a permit and wakes one waiter. Released permits
// are reused in release order.
type ResourcePool struct {
	sem  *semaphore.Weighted
	size int

	mu   sync.Mutex
	free []Permit
	held []bool
}

// NewResourcePool creates a pool of n permits numbered 0..n-1.
func NewResourcePool(n int) *ResourcePool {
	if n < 1 {
		n = 1
	}
	p := &ResourcePool{
		sem:  semaphore.NewWeighted(int64(n)),
		size: n,
		free: make([]Permit, n),
		held: make([]bool, n),
	}
	for i := range p.free {
		p.free[i] = Permit(i)
	}
	return p
}

// Acquire blocks until a permit is free or ctx is done.
func (p *ResourcePool) Acquire(ctx context.Context) (Permit, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return -1, err
	}
	return p.take(), nil
}

// TryAcquire returns a permit if one is free without blocking.
func (p *ResourcePool) TryAcquire() (Permit, bool) {
	if !p.sem.TryAcquire(1) {
		return -1, false
	}
	return p.take(), true
}

func (p *ResourcePool) take() Permit {
	p.mu.Lock()
	defer p.mu.Unlock()
	permit := p.free[0]
	p.free = p.free[1:]
	p.held[permit] = true
	return permit
}

// Release returns permit to the pool. Releasing a permit that is not held
// panics.
func (p *ResourcePool) Release(permit Permit) {
	p.mu.Lock()
	if int(permit) < 0 || int(permit) >= p.size || !p.held[permit] {
		p.mu.Unlock()
		panic("nvcodec: release of permit not held")
	}
	p.held[permit] = false
	p.free = append(p.free, permit)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Size returns the total number of permits.
func (p *ResourcePool) Size() int { return p.size }

// Available returns the number of permits currently free.
func (p *ResourcePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
