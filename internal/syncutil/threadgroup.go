package syncutil

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Add and Stop once the ThreadGroup has already
// been stopped.
var ErrStopped = errors.New("syncutil: ThreadGroup already stopped")

// ThreadGroup is a one-shot wait group with a stop signal. A caller calls
// Add before an operation starts and Done when it finishes, so Stop can
// wait for in-flight operations to drain before the resources they use are
// released. pm/pool does not use this type; its pools use
// github.com/NebulousLabs/threadgroup for the same purpose.
type ThreadGroup struct {
	onStopFns    []func()
	afterStopFns []func()

	stopChan chan struct{}
	mu       sync.Mutex
	once     sync.Once
	wg       sync.WaitGroup
}

func (tg *ThreadGroup) init() {
	tg.stopChan = make(chan struct{})
}

// StopChan returns a channel that is closed when Stop is called, letting a
// long-running goroutine select on it instead of polling isStopped.
func (tg *ThreadGroup) StopChan() <-chan struct{} {
	tg.once.Do(tg.init)
	return tg.stopChan
}

func (tg *ThreadGroup) isStopped() bool {
	tg.once.Do(tg.init)
	select {
	case <-tg.stopChan:
		return true
	default:
		return false
	}
}

// Add increments the thread group counter, returning ErrStopped if the group
// has already been stopped. Every Add must be paired with a Done.
func (tg *ThreadGroup) Add() error {
	tg.once.Do(tg.init)
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.isStopped() {
		return ErrStopped
	}
	tg.wg.Add(1)
	return nil
}

// Done decrements the thread group counter.
func (tg *ThreadGroup) Done() {
	tg.once.Do(tg.init)
	tg.wg.Done()
}

// OnStop queues fn to run when Stop is called, before Stop waits for
// outstanding Add calls to finish. Functions run in LIFO order. If the group
// has already stopped, fn runs immediately.
func (tg *ThreadGroup) OnStop(fn func()) {
	tg.once.Do(tg.init)
	tg.mu.Lock()
	if tg.isStopped() {
		tg.mu.Unlock()
		fn()
		return
	}
	tg.onStopFns = append(tg.onStopFns, fn)
	tg.mu.Unlock()
}

// AfterStop queues fn to run after Stop has waited for every outstanding Add
// call to finish. Functions run in LIFO order. If the group has already
// stopped, fn runs immediately.
func (tg *ThreadGroup) AfterStop(fn func()) {
	tg.once.Do(tg.init)
	tg.mu.Lock()
	if tg.isStopped() {
		tg.mu.Unlock()
		fn()
		return
	}
	tg.afterStopFns = append(tg.afterStopFns, fn)
	tg.mu.Unlock()
}

// Flush waits for every outstanding Add call to finish, without stopping the
// group - a later Add will still succeed after Flush returns.
func (tg *ThreadGroup) Flush() {
	tg.once.Do(tg.init)
	tg.wg.Wait()
}

// Stop closes the stop channel, runs every queued OnStop function (LIFO),
// waits for all outstanding Add calls to finish, then runs every queued
// AfterStop function (LIFO). Stop may only be called once; subsequent calls
// return ErrStopped.
func (tg *ThreadGroup) Stop() error {
	tg.once.Do(tg.init)
	tg.mu.Lock()
	if tg.isStopped() {
		tg.mu.Unlock()
		return ErrStopped
	}
	close(tg.stopChan)
	onStopFns := tg.onStopFns
	tg.mu.Unlock()

	for i := len(onStopFns) - 1; i >= 0; i-- {
		onStopFns[i]()
	}

	tg.wg.Wait()

	tg.mu.Lock()
	afterStopFns := tg.afterStopFns
	tg.mu.Unlock()
	for i := len(afterStopFns) - 1; i >= 0; i-- {
		afterStopFns[i]()
	}
	return nil
}
