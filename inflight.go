package nvcodec

import "sync"

// inflightGate bounds the number of mapped frames held by consumers.
// count never exceeds bound; acquire blocks at the bound until a release.
// While draining, acquisitions block even below the bound so the holder of
// the drain can observe count reaching zero and mutate decoder state.
type inflightGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int
	bound    int
	draining bool
}

func newInflightGate(bound int) *inflightGate {
	if bound < 1 {
		bound = 1
	}
	g := &inflightGate{bound: bound}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *inflightGate) acquire() {
	g.mu.Lock()
	for g.draining || g.count >= g.bound {
		g.cond.Wait()
	}
	g.count++
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *inflightGate) release() {
	g.mu.Lock()
	if g.count == 0 {
		g.mu.Unlock()
		panic("nvcodec: in-flight frame released more times than acquired")
	}
	g.count--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// setBound changes the maximum number of frames in flight. Lowering it below
// the current count only blocks new acquisitions.
func (g *inflightGate) setBound(n int) {
	if n < 1 {
		n = 1
	}
	g.mu.Lock()
	g.bound = n
	g.mu.Unlock()
	g.cond.Broadcast()
}

// drain closes the gate to new acquisitions and waits for count to reach
// zero. Every drain must be paired with resume.
func (g *inflightGate) drain() {
	g.mu.Lock()
	g.draining = true
	for g.count > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *inflightGate) resume() {
	g.mu.Lock()
	g.draining = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *inflightGate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
