// Package task manages the goroutines owned by a long running component.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-carvera/logger"
)

// ErrStopped is returned when starting a task on a stopped Manager.
var ErrStopped = errors.New("task: manager stopped")

// Func is a task body that runs until it returns or ctx is cancelled.
type Func func(ctx context.Context)

// LoopFunc is called repeatedly. It should return true to keep running, or false to stop.
type LoopFunc func() bool

// Manager starts named goroutines bound to a shared context, recovers their panics,
// and waits for them to exit.
//
// Example:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("reader", func(ctx context.Context) { ... })
//	_ = mgr.StartInterval("keepalive", poll, 50*time.Millisecond, false)
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.Mutex // serializes starts against Stop
}

// NewManager creates a Manager using ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by all tasks. It is cancelled by Stop.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// Start runs fn in a new goroutine.
func (mgr *Manager) Start(name string, fn Func) error {
	return mgr.spawn(name, func() {
		mgr.callWithRecover(name, func() { fn(mgr.ctx) })
	})
}

// StartLoop calls fn repeatedly until it returns false or the manager stops.
func (mgr *Manager) StartLoop(name string, fn LoopFunc) error {
	return mgr.spawn(name, func() {
		for {
			select {
			case <-mgr.ctx.Done():
				return
			default:
			}
			if !mgr.callWithRecoverBool(name, fn) {
				return
			}
		}
	})
}

// StartInterval calls fn every interval until it returns false or the manager stops.
// If runNow is true, fn is called once before the first tick.
func (mgr *Manager) StartInterval(name string, fn LoopFunc, interval time.Duration, runNow bool) error {
	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v for %s", interval, name)
	}

	return mgr.spawn(name, func() {
		if runNow && !mgr.callWithRecoverBool(name, fn) {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-mgr.ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecoverBool(name, fn) {
					return
				}
			}
		}
	})
}

// Stop cancels the shared context. Running tasks are expected to observe it and exit.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.cancel()
}

// Wait blocks until every started task has exited.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()
}

// Count returns the number of running tasks.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func()) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.ctx.Err() != nil {
		return fmt.Errorf("%w: cannot start %s", ErrStopped, name)
	}

	mgr.logger.Debug("start task", "name", name)
	mgr.wg.Add(1)
	mgr.count.Add(1)
	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "taskCount", mgr.Count())
		}()
		body()
	}()

	return nil
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}
