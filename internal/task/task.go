// Package task manages the lifecycle of the daemon's long-running
// goroutines, ensuring coordinated cancellation and clean shutdown.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abeljaev/fandomat/logger"
)

// Func is executed repeatedly within a goroutine managed by the Manager.
// It should return true to continue running, or false to stop the goroutine.
type Func func() bool

// Manager starts, stops and waits for goroutines.
//
// It uses a context.Context to manage the lifecycle of the goroutines: when
// the context is canceled, all running goroutines are signaled to stop. A
// sync.WaitGroup tracks termination so Wait() does not return before every
// task has exited.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	tickers sync.Map // map[string]*time.Ticker
}

// NewManager creates a new Manager with the given context as the parent
// context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)
	return mgr
}

// Context returns the context that is canceled when the manager stops.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// Start starts a new goroutine with the given name and task function.
//
// The task function runs in a loop until it returns false or the manager
// is stopped.
func (mgr *Manager) Start(name string, fn Func) {
	mgr.logger.Debug("start task", "name", name)

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		defer mgr.logger.Debug("task terminated", "name", name)

		for {
			select {
			case <-mgr.ctx.Done():
				return
			default:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	}()
}

// StartInterval starts a new goroutine that executes the given task function
// at the specified interval. If runNow is true, the task function is executed
// once before the first tick.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		defer func() {
			ticker.Stop()
			mgr.tickers.Delete(name)
			mgr.logger.Debug("interval task terminated", "name", name)
		}()

		if runNow && !mgr.callWithRecover(name, fn) {
			return
		}

		for {
			select {
			case <-mgr.ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	}()

	return nil
}

// Stop signals all running goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.cancel()
}

// Wait blocks until all goroutines started by the manager have terminated.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()
}

// callWithRecover calls a task function with panic protection so a
// panicking task cannot take the whole daemon down silently.
func (mgr *Manager) callWithRecover(name string, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = false
		}
	}()

	return fn()
}
