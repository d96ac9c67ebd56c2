// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs file copies, image writes and image decoding with a bounded number of goroutines,
// collecting the first error.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Create it with New, submit tasks with Go and collect the result with Wait.
//
// A Pool can be reused after Wait returns.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 1 tasks run inline, if negative it is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	firstErr   error
	wg         sync.WaitGroup
}

// New returns a new Pool of workers with the given parallelism.
// If maxParallelism is 0 it defaults to runtime.NumCPU(). With 1 the tasks run inline, in submission order.
func New(maxParallelism int) *Pool {
	w := &Pool{}
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w.maxParallelism = maxParallelism
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// Go waits until there is a worker available and runs the task in it.
//
// Once a task has failed, further tasks are dropped. If parallelism is disabled the task runs inline.
func (w *Pool) Go(task func() error) {
	if w.maxParallelism == 1 {
		if w.Err() != nil {
			return
		}
		w.setErr(task())
		return
	}

	w.mu.Lock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	if w.firstErr != nil {
		w.mu.Unlock()
		return
	}
	w.numRunning++
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		err := task()
		w.mu.Lock()
		if err != nil && w.firstErr == nil {
			w.firstErr = err
		}
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait for all submitted tasks to finish and returns the first error, if any. It resets the error,
// so the Pool can be reused.
func (w *Pool) Wait() error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.firstErr
	w.firstErr = nil
	return err
}

// Err returns the first error reported so far, without waiting.
func (w *Pool) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

func (w *Pool) setErr(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr == nil {
		w.firstErr = err
	}
}
