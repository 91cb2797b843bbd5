package scenewire

import (
	"math/rand"
	"sync"
	"time"
)

// makes a copy of the list on update, so `Get` results are safe to iterate
// without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	entry := &callbackEntry[T]{
		callback: callback,
	}

	self.mutex.Lock()
	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	self.callbacks = append(nextCallbacks, entry)
	self.mutex.Unlock()

	return func() {
		self.remove(entry)
	}
}

func (self *CallbackList[T]) remove(entry *callbackEntry[T]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, existingEntry := range self.callbacks {
		if entry == existingEntry {
			nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks)-1)
			nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
			nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
			self.callbacks = nextCallbacks
			return
		}
	}
}

// Monitor coordinates waiters on a repeating event. `NotifyAll` closes the
// current update channel and swaps in a new one, waking every waiter.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// Reconnect spaces out reconnect attempts with a jittered delay.
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	jitter := time.Duration(rand.Int63n(int64(self.timeout) / 4))
	remaining := self.timeout + jitter - time.Since(self.start)
	return time.After(remaining)
}
