package coredb

import "sync"

// flight is a run-once guard for operations that must not execute twice
// concurrently. Do runs fn when idle, or waits for the in-progress call and
// returns its error. TryDo runs fn when idle and is a silent no-op when a
// call is already running. Both the lazy cache population and DeleteAll use
// this instead of duplicating the flag-and-lock pattern.
type flight struct {
	mu   sync.Mutex
	wait chan struct{} // non-nil while a call is running
	err  error         // result of the most recent call
}

// Do runs fn, or waits for the running call and returns its error.
func (f *flight) Do(fn func() error) error {
	f.mu.Lock()
	if f.wait != nil {
		ch := f.wait
		f.mu.Unlock()
		<-ch
		f.mu.Lock()
		err := f.err
		f.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	f.wait = ch
	f.mu.Unlock()

	err := fn()

	f.mu.Lock()
	f.err = err
	f.wait = nil
	f.mu.Unlock()
	close(ch)
	return err
}

// TryDo runs fn when no call is in progress. Returns false (and no error)
// when another caller holds the flight.
func (f *flight) TryDo(fn func() error) (bool, error) {
	f.mu.Lock()
	if f.wait != nil {
		f.mu.Unlock()
		return false, nil
	}
	ch := make(chan struct{})
	f.wait = ch
	f.mu.Unlock()

	err := fn()

	f.mu.Lock()
	f.err = err
	f.wait = nil
	f.mu.Unlock()
	close(ch)
	return true, err
}
