package app

import (
	"log/slog"
	"sync"
)

// dispatcher runs queued callbacks one at a time, in push order, on its own
// goroutine. push never blocks, so it may be called with locks held.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		q := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, fn := range q {
			d.call(fn)
		}
	}
}

// call runs fn, containing panics from UI callbacks.
func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("app: callback panicked", "panic", r)
		}
	}()
	fn()
}

// wait blocks until every callback pushed before the call has run.
func (d *dispatcher) wait() {
	ch := make(chan struct{})
	d.push(func() { close(ch) })
	select {
	case <-ch:
	case <-d.done:
	}
}

// close runs the remaining queue and stops the goroutine.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() { close(d.quit) })
	<-d.done
}
