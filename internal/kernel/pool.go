package kernel

import (
	"runtime"
	"sync"
)

type poolTask struct {
	fn         func(start, end int)
	start, end int
	wg         *sync.WaitGroup
}

// Pool is a fixed set of worker goroutines that run disjoint index ranges.
// Callers must not submit work from inside a running range.
type Pool struct {
	size  int
	tasks chan poolTask

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines. workers <= 0 means GOMAXPROCS.
// A pool of size 1 runs everything on the calling goroutine.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}
	p := &Pool{size: workers}
	if workers == 1 {
		return p
	}
	p.tasks = make(chan poolTask, workers*2)
	// The caller runs one range itself, so one fewer goroutine is needed.
	for w := 0; w < workers-1; w++ {
		go func() {
			for t := range p.tasks {
				t.fn(t.start, t.end)
				t.wg.Done()
			}
		}()
	}
	return p
}

// Size returns the number of concurrent ranges the pool runs.
func (p *Pool) Size() int {
	if p == nil {
		return 1
	}
	return p.size
}

// ParallelFor splits [0, n) into at most Size() contiguous ranges of at
// least grain indices and blocks until fn has run on all of them.
func (p *Pool) ParallelFor(n, grain int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	chunks := min(p.Size(), (n+grain-1)/grain)
	if chunks <= 1 {
		fn(0, n)
		return
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		fn(0, n)
		return
	}
	chunk := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	start := 0
	for start+chunk < n {
		wg.Add(1)
		p.tasks <- poolTask{fn: fn, start: start, end: start + chunk, wg: &wg}
		start += chunk
	}
	p.mu.RUnlock()

	fn(start, n)
	wg.Wait()
}

// Close stops the workers. Later ParallelFor calls run inline.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.tasks != nil {
		close(p.tasks)
	}
}
