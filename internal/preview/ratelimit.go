package preview

import (
	"sync"
	"time"
)

// Throttle delivers at most one value per window. The first call arms a timer;
// calls made while it is armed only replace the value that will be delivered.
// A non-positive window delivers synchronously.
type Throttle[T any] struct {
	fn      func(T)
	timer   *time.Timer
	latest  T
	window  time.Duration
	mu      sync.Mutex
	stopped bool
}

// NewThrottle returns a throttle that calls fn.
func NewThrottle[T any](window time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{window: window, fn: fn}
}

// Call schedules v for delivery.
func (t *Throttle[T]) Call(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.window <= 0 {
		t.mu.Unlock()
		t.fn(v)
		return
	}
	t.latest = v
	if t.timer == nil {
		t.timer = time.AfterFunc(t.window, t.fire)
	}
	t.mu.Unlock()
}

func (t *Throttle[T]) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	v := t.latest
	t.timer = nil
	t.mu.Unlock()
	t.fn(v)
}

// Stop cancels any pending delivery. Later calls are ignored.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Debounce delivers the latest value once calls have been quiet for the window.
// A non-positive window delivers synchronously.
type Debounce[T any] struct {
	fn      func(T)
	timer   *time.Timer
	latest  T
	window  time.Duration
	mu      sync.Mutex
	stopped bool
}

// NewDebounce returns a debouncer that calls fn.
func NewDebounce[T any](window time.Duration, fn func(T)) *Debounce[T] {
	return &Debounce[T]{window: window, fn: fn}
}

// Call records v and restarts the quiet period.
func (d *Debounce[T]) Call(v T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.window <= 0 {
		d.mu.Unlock()
		d.fn(v)
		return
	}
	d.latest = v
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
	d.mu.Unlock()
}

func (d *Debounce[T]) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	v := d.latest
	d.timer = nil
	d.mu.Unlock()
	d.fn(v)
}

// Stop cancels any pending delivery. Later calls are ignored.
func (d *Debounce[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
