package allocation

import (
	"slices"
	"sync"
)

// Pool hands out a fixed set of instances, one holder at a time.
type Pool[T any] struct {
	mu    sync.Mutex
	free  []T
	inUse int
}

func NewPool[T any](items ...T) *Pool[T] {
	return &Pool[T]{free: slices.Clone(items)}
}

// Acquire takes the first free instance. It fails with ErrUnavailable when
// every instance is held.
func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if len(p.free) == 0 {
		return zero, ErrUnavailable
	}
	item := p.free[0]
	p.free = p.free[1:]
	p.inUse++
	return item, nil
}

// Put returns an instance to the pool.
func (p *Pool[T]) Put(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		p.inUse--
	}
	p.free = append(p.free, item)
}

func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
