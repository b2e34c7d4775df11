// Package ports implements the preview-server port allocator shared by all
// concurrently running build pipelines.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Allocate when every port in the range is held.
var ErrExhausted = errors.New("ports: range exhausted")

// Pool hands out TCP ports from a fixed range. All methods are safe for
// concurrent use; no two live jobs ever hold the same port.
type Pool struct {
	min, max int

	mu   sync.Mutex
	used map[int]bool
}

// NewPool creates a pool covering [min, max] inclusive.
func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("ports: invalid range %d-%d", min, max)
	}
	return &Pool{
		min:  min,
		max:  max,
		used: make(map[int]bool),
	}, nil
}

// Allocate reserves and returns the lowest free port in the range. It fails
// fast with ErrExhausted when the range is saturated; callers must not retry
// in a loop without releasing something first.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.min; port <= p.max; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a port that is not held is a
// no-op, so cleanup paths can call it unconditionally.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// Held reports whether the given port is currently allocated.
func (p *Pool) Held(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[port]
}

// InUse returns the number of currently allocated ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
