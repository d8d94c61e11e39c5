package utils

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// PanicError wraps a recovered panic so it can be returned as a regular
// error from a worker goroutine.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in worker: %v", e.Value)
}

// ConcurrentExecutor runs functions concurrently with a semaphore bounding
// parallelism. It is used to fan encoder forward passes out across replicas.
type ConcurrentExecutor struct {
	semaphore chan struct{}
}

// NewConcurrentExecutor creates an executor allowing at most maxConcurrency
// functions to run at once. A non-positive value means unbounded up to one
// slot per submitted function.
func NewConcurrentExecutor(maxConcurrency int) *ConcurrentExecutor {
	if maxConcurrency <= 0 {
		maxConcurrency = 64
	}
	return &ConcurrentExecutor{
		semaphore: make(chan struct{}, maxConcurrency),
	}
}

// Execute runs the given functions concurrently and returns one error slot
// per function, index-aligned. Panics are recovered into PanicError.
func (e *ConcurrentExecutor) Execute(ctx context.Context, functions ...func() error) []error {
	if len(functions) == 0 {
		return nil
	}

	results := make([]error, len(functions))
	var wg sync.WaitGroup

	for i, fn := range functions {
		wg.Add(1)
		go func(index int, function func() error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[index] = &PanicError{Value: r, Stack: string(debug.Stack())}
				}
			}()

			select {
			case e.semaphore <- struct{}{}:
				defer func() { <-e.semaphore }()
			case <-ctx.Done():
				results[index] = ctx.Err()
				return
			}

			results[index] = function()
		}(i, fn)
	}

	wg.Wait()
	return results
}

// FirstError returns the first non-nil error from an index-aligned error
// slice, or nil.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
