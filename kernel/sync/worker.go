// Package sync provides the synchronization primitives used by the VM
// server: a cooperative Worker token that admits one unit of work at a time
// and a non-reentrant Busy flag that parks contenders instead of spinning.
package sync

// Worker models the single logical CPU of the server. A unit of work (a
// system call or fault handler) must Enter before touching shared VM state
// and Leave when done. Suspend releases the token for the duration of an
// externally-serviced I/O request so other units can run in the meantime.
type Worker struct {
	token chan struct{}
}

// NewWorker returns a Worker whose token is free.
func NewWorker() *Worker {
	w := &Worker{token: make(chan struct{}, 1)}
	w.token <- struct{}{}
	return w
}

// Enter blocks until the calling unit of work holds the token. Enter is not
// reentrant; a unit that already holds the token will deadlock.
func (w *Worker) Enter() {
	<-w.token
}

// Leave hands the token back. Calling Leave without holding the token
// corrupts the worker and is a programming error.
func (w *Worker) Leave() {
	w.token <- struct{}{}
}

// Suspend releases the token, runs ioFn and re-acquires the token before
// returning ioFn's error. Callers must leave their structures in a
// consistent state before calling Suspend and re-validate anything they
// depend on afterwards.
func (w *Worker) Suspend(ioFn func() error) error {
	w.Leave()
	err := ioFn()
	w.Enter()
	return err
}
