// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"container/list"
	"sync"
)

// ConcurrentQueue is a concurrent-safe FIFO queue with unbounded capacity.
// Clients interact with the queue by pushing items into the in channel and
// popping items from the out channel. There is a goroutine that manages
// moving items from the in channel to the out channel in the correct order
// that must be started by calling Start().
type ConcurrentQueue[T any] struct {
	chanIn   chan T
	chanOut  chan T
	quit     chan struct{}
	overflow *list.List

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewConcurrentQueue constructs a ConcurrentQueue. The bufferSize parameter
// is the capacity of the output channel. When the size of the queue is below
// this threshold, pushes do not incur the overhead of the less efficient
// overflow structure.
func NewConcurrentQueue[T any](bufferSize int) *ConcurrentQueue[T] {
	return &ConcurrentQueue[T]{
		chanIn:   make(chan T),
		chanOut:  make(chan T, bufferSize),
		quit:     make(chan struct{}),
		overflow: list.New(),
	}
}

// ChanIn returns a channel that can be used to push new items into the
// queue.
func (cq *ConcurrentQueue[T]) ChanIn() chan<- T {
	return cq.chanIn
}

// ChanOut returns a channel that can be used to pop items from the queue.
func (cq *ConcurrentQueue[T]) ChanOut() <-chan T {
	return cq.chanOut
}

// Quit is closed once the queue is stopped.  Producers select on it so a
// push never blocks past shutdown.
func (cq *ConcurrentQueue[T]) Quit() <-chan struct{} {
	return cq.quit
}

// Start begins a goroutine that manages moving items from the in channel to
// the out channel. The queue tries to move items directly to the out channel
// minimize overhead, but if the out channel is full it pushes items to an
// overflow queue. This must be called before using the queue.
func (cq *ConcurrentQueue[T]) Start() {
	cq.startOnce.Do(func() {
		cq.wg.Add(1)
		go cq.run()
	})
}

func (cq *ConcurrentQueue[T]) run() {
	defer cq.wg.Done()

	for {
		nextElement := cq.overflow.Front()
		if nextElement == nil {
			// Overflow queue is empty so incoming items can be
			// pushed directly to the output channel. If output
			// channel is full though, push to overflow.
			select {
			case item := <-cq.chanIn:
				select {
				case cq.chanOut <- item:
					// Optimistically push directly to
					// chanOut.
				default:
					cq.overflow.PushBack(item)
				}
			case <-cq.quit:
				return
			}
		} else {
			// Overflow queue is not empty, so any new items get
			// pushed to the back to preserve order.
			select {
			case item := <-cq.chanIn:
				cq.overflow.PushBack(item)
			case cq.chanOut <- nextElement.Value.(T):
				cq.overflow.Remove(nextElement)
			case <-cq.quit:
				return
			}
		}
	}
}

// Stop ends the goroutine that moves items from the in channel to the out
// channel.  Items still queued are dropped.
func (cq *ConcurrentQueue[T]) Stop() {
	cq.stopOnce.Do(func() {
		close(cq.quit)
	})
	cq.wg.Wait()
}
