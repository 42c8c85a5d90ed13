package directory

import (
	"sync"

	"github.com/openhuddle/huddle/internal/util"
)

// feedBufferSize bounds the per-subscriber notification queue. With at most
// ten peers per room, 64 pending notifications already means the consumer
// stopped reading.
const feedBufferSize = 64

// feed delivers notifications to one subscriber in arrival order, on a
// dedicated goroutine, so store mutations never run subscriber callbacks
// while holding the store lock.
type feed[T any] struct {
	ch   chan T
	stop chan struct{}
	once sync.Once
}

func newFeed[T any](fn func(T)) *feed[T] {
	f := &feed[T]{
		ch:   make(chan T, feedBufferSize),
		stop: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case v := <-f.ch:
				fn(v)
			case <-f.stop:
				return
			}
		}
	}()
	return f
}

// publish enqueues a notification without blocking. A full queue drops the
// notification with a warning rather than stalling the store.
func (f *feed[T]) publish(v T) {
	select {
	case f.ch <- v:
	default:
		util.LogWarning("directory: subscriber queue full, dropping notification")
	}
}

func (f *feed[T]) close() {
	f.once.Do(func() { close(f.stop) })
}
