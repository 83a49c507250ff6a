package utils

import "sync"

// Cell memoizes a lazily loaded value. Concurrent callers of Get on an
// empty cell block on the mutex while the first one loads, then all of
// them observe the same value. A failed load leaves the cell empty.
type Cell[T any] struct {
	mu     sync.Mutex
	loaded bool
	value  T
}

func (c *Cell[T]) Get(load func() (T, error)) (T, error) {
	return c.GetFresh(func(T) bool { return true }, load)
}

// GetFresh is Get, except that a cached value rejected by fresh is loaded
// again.
func (c *Cell[T]) GetFresh(fresh func(T) bool, load func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && fresh(c.value) {
		return c.value, nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = v
	c.loaded = true
	return v, nil
}

// Set stores v as if it had been loaded.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.loaded = true
	c.mu.Unlock()
}

// Peek returns the cached value without loading it.
func (c *Cell[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.loaded
}

func (c *Cell[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.loaded = false
	c.mu.Unlock()
}
