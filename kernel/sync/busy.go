package sync

// Busy is a non-reentrant flag guarding work that spans suspension points
// (eviction and swap-in). Its state is only read or written by the unit
// holding the Worker token; contenders park on a channel that is closed when
// the flag is released.
type Busy struct {
	held bool
	wake chan struct{}
}

// TryToAcquire attempts to set the flag and returns true if it could be set
// or false if another unit holds it.
func (b *Busy) TryToAcquire() bool {
	if b.held {
		return false
	}
	b.held = true
	return true
}

// Acquire sets the flag, parking the calling unit (and releasing w while
// parked) until the current holder releases it. Any attempt to re-acquire a
// flag already held by the current unit will cause a deadlock.
func (b *Busy) Acquire(w *Worker) {
	for b.held {
		if b.wake == nil {
			b.wake = make(chan struct{})
		}
		wake := b.wake

		w.Leave()
		<-wake
		w.Enter()
	}
	b.held = true
}

// Release clears the flag and wakes all parked units. Calling Release while
// the flag is clear has no effect.
func (b *Busy) Release() {
	if !b.held {
		return
	}
	b.held = false
	if b.wake != nil {
		close(b.wake)
		b.wake = nil
	}
}

// Held reports whether the flag is set.
func (b *Busy) Held() bool {
	return b.held
}
