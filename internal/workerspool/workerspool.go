// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs per-sample tasks on a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool of workers, limiting the number of tasks running in parallel.
// It is safe for concurrent use.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool of workers running at most maxParallelism tasks in parallel.
//
// If maxParallelism is 0, tasks run inline, in the caller's goroutine.
// If maxParallelism is negative, it takes the number of cores (runtime.NumCPU()).
func New(maxParallelism int) *Pool {
	w := &Pool{}
	if maxParallelism < 0 {
		maxParallelism = runtime.NumCPU()
	}
	w.maxParallelism = maxParallelism
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism returns the limit of tasks running in parallel. 0 means tasks run inline.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// NumRunning returns the number of tasks currently running.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// WaitToStart waits until there is a worker available and starts task on it.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Map calls fn(i) for every i in [0, n) on the pool workers, and waits for all of them to finish.
//
// Once a call fails, no new calls are started. It returns the error of the lowest index that failed,
// so results don't depend on scheduling. A panic in fn is converted to an error.
func (w *Pool) Map(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var failed bool
	var muFailed sync.Mutex
	var wg sync.WaitGroup
	for ii := range n {
		muFailed.Lock()
		stop := failed
		muFailed.Unlock()
		if stop {
			break
		}
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			err := safeCall(fn, ii)
			if err != nil {
				errs[ii] = err
				muFailed.Lock()
				failed = true
				muFailed.Unlock()
			}
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// safeCall calls fn(i), converting a panic to an error.
func safeCall(fn func(i int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rErr, ok := r.(error); ok {
				err = errors.WithMessagef(rErr, "task %d panicked", i)
			} else {
				err = errors.Errorf("task %d panicked: %v", i, r)
			}
		}
	}()
	return fn(i)
}
