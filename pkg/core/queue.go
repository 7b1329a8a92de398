package core

import (
	"sync"
)

// WorkQueue is a minimal FIFO queue with de-duplication and an add signal.
type WorkQueue[T comparable] struct {
	mutex  sync.Mutex
	set    map[T]struct{}
	items  []T
	signal chan struct{}
}

func NewWorkQueue[T comparable]() *WorkQueue[T] {
	return &WorkQueue[T]{set: make(map[T]struct{}), items: make([]T, 0), signal: make(chan struct{}, 1)}
}

func (queue *WorkQueue[T]) Add(item T) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if _, exists := queue.set[item]; exists {
		return
	}

	queue.set[item] = struct{}{}
	queue.items = append(queue.items, item)

	select {
	case queue.signal <- struct{}{}:
	default:
	}
}

// Drain removes and returns every queued item in FIFO order.
func (queue *WorkQueue[T]) Drain() []T {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	drained := queue.items
	queue.items = make([]T, 0)
	queue.set = make(map[T]struct{})

	return drained
}

// Signal fires at least once after items are added.
func (queue *WorkQueue[T]) Signal() <-chan struct{} { return queue.signal }
