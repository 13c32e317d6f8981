package qcflow

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrFunctionNotRegistered is returned when a function index has no pool.
var ErrFunctionNotRegistered = errors.New("inspection function not registered")

// PoolStats defines an interface for objects that provide pool statistics.
type PoolStats interface {
	// Stats returns statistics about the pool usage.
	Stats() map[string]int64

	// Name returns the name of the pool.
	Name() string
}

// ObjectPool is a generic object pool with usage statistics.
type ObjectPool[T any] struct {
	pool         sync.Pool
	name         string
	gets         int64
	puts         int64
	misses       int64
	maxCapacity  int
	currentCount int64
}

// ObjectPoolOption is a function that configures an ObjectPool.
type ObjectPoolOption[T any] func(*ObjectPool[T])

// WithPoolName adds a name to the object pool for debugging and metrics.
func WithPoolName[T any](name string) ObjectPoolOption[T] {
	return func(p *ObjectPool[T]) {
		p.name = name
	}
}

// WithMaxCapacity sets a maximum number of idle objects kept by the pool.
func WithMaxCapacity[T any](maxCapacity int) ObjectPoolOption[T] {
	return func(p *ObjectPool[T]) {
		p.maxCapacity = maxCapacity
	}
}

// NewObjectPool creates a new ObjectPool with the given factory function.
func NewObjectPool[T any](factory func() T, options ...ObjectPoolOption[T]) *ObjectPool[T] {
	p := &ObjectPool[T]{
		name:        "generic_pool",
		maxCapacity: -1,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.misses, 1)
		return factory()
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// Get retrieves an object from the pool, creating one when the pool is empty.
func (p *ObjectPool[T]) Get() T {
	atomic.AddInt64(&p.gets, 1)

	obj, ok := p.pool.Get().(T)
	if !ok {
		var zero T
		return zero
	}

	// Never go below zero: fresh objects from the factory were never counted.
	for {
		cur := atomic.LoadInt64(&p.currentCount)
		if cur <= 0 || atomic.CompareAndSwapInt64(&p.currentCount, cur, cur-1) {
			break
		}
	}

	return obj
}

// Put returns an object to the pool if there's capacity available.
func (p *ObjectPool[T]) Put(obj T) {
	if p.maxCapacity > 0 {
		if count := atomic.LoadInt64(&p.currentCount); count >= int64(p.maxCapacity) {
			return
		}
	}

	atomic.AddInt64(&p.puts, 1)
	atomic.AddInt64(&p.currentCount, 1)
	p.pool.Put(obj)
}

// Stats returns statistics about the pool usage.
func (p *ObjectPool[T]) Stats() map[string]int64 {
	gets := atomic.LoadInt64(&p.gets)
	misses := atomic.LoadInt64(&p.misses)

	hitRatio := int64(0)
	if gets > 0 && gets >= misses {
		hitRatio = int64(float64(gets-misses) / float64(gets) * 100)
	}

	return map[string]int64{
		"gets":         gets,
		"puts":         atomic.LoadInt64(&p.puts),
		"misses":       misses,
		"current_size": atomic.LoadInt64(&p.currentCount),
		"hit_ratio":    hitRatio,
	}
}

// Name returns the name of the pool.
func (p *ObjectPool[T]) Name() string {
	return p.name
}

var _ PoolStats = (*ObjectPool[string])(nil)

// ObjectFunctionPool is a FunctionPool keeping one ObjectPool per function index.
type ObjectFunctionPool struct {
	mu          sync.RWMutex
	pools       map[int]*ObjectPool[InspectionFunction]
	outstanding int64
}

// NewObjectFunctionPool creates an empty function pool.
func NewObjectFunctionPool() *ObjectFunctionPool {
	return &ObjectFunctionPool{
		pools: make(map[int]*ObjectPool[InspectionFunction]),
	}
}

// Register installs a factory for functionIndex.
func (fp *ObjectFunctionPool) Register(
	functionIndex int,
	name string,
	factory func() InspectionFunction,
	options ...ObjectPoolOption[InspectionFunction],
) error {
	if factory == nil {
		return fmt.Errorf("function %d (%s): nil factory", functionIndex, name)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if _, exists := fp.pools[functionIndex]; exists {
		return fmt.Errorf("function %d (%s) is already registered", functionIndex, name)
	}
	opts := append([]ObjectPoolOption[InspectionFunction]{WithPoolName[InspectionFunction](name)}, options...)
	fp.pools[functionIndex] = NewObjectPool(factory, opts...)
	return nil
}

// GetFromPool implements FunctionPool.
func (fp *ObjectFunctionPool) GetFromPool(functionIndex int) (InspectionFunction, error) {
	fp.mu.RLock()
	pool, ok := fp.pools[functionIndex]
	fp.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function index %d: %w", functionIndex, ErrFunctionNotRegistered)
	}

	fn := pool.Get()
	if fn == nil {
		return nil, fmt.Errorf("function index %d: factory returned nil", functionIndex)
	}
	atomic.AddInt64(&fp.outstanding, 1)
	return fn, nil
}

// Release implements FunctionPool.
func (fp *ObjectFunctionPool) Release(functionIndex int, fn InspectionFunction) {
	if fn == nil {
		return
	}
	fp.mu.RLock()
	pool, ok := fp.pools[functionIndex]
	fp.mu.RUnlock()
	if !ok {
		return
	}
	atomic.AddInt64(&fp.outstanding, -1)
	pool.Put(fn)
}

// Outstanding returns how many instances are currently held by callers.
func (fp *ObjectFunctionPool) Outstanding() int64 {
	return atomic.LoadInt64(&fp.outstanding)
}

// Stats returns the statistics of every registered function pool keyed by name.
func (fp *ObjectFunctionPool) Stats() map[string]map[string]int64 {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	stats := make(map[string]map[string]int64, len(fp.pools))
	for _, pool := range fp.pools {
		stats[fmt.Sprintf("pool_%s", pool.Name())] = pool.Stats()
	}
	return stats
}

// PreWarmPool creates and returns the specified number of objects to the pool.
func PreWarmPool[T any](pool *ObjectPool[T], count int) {
	objects := make([]T, count)
	for i := 0; i < count; i++ {
		objects[i] = pool.Get()
	}
	for i := 0; i < count; i++ {
		pool.Put(objects[i])
	}
}

var _ FunctionPool = (*ObjectFunctionPool)(nil)
