//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package batch acquires canonical links for many images in parallel.
//
// A session serves one call chain at a time, so every worker borrows its
// own client from a pool and no client is ever used by two goroutines at
// once.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/log"
)

// DefaultWorkers is the pool size used when none is set.
const DefaultWorkers = 4

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("batch: runner closed")

// Acquirer runs the acquisition pipeline on its own session.
// *client.Client implements it.
type Acquirer interface {
	Acquire(ctx context.Context, imageID int64) (*acquire.Result, error)
	Close() error
}

// Factory creates a fresh Acquirer with its own session.
type Factory func(ctx context.Context) (Acquirer, error)

// Result is the outcome for one image.
type Result struct {
	ImageID int64
	// Result is nil when Err is set.
	Result *acquire.Result
	Err    error
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets how many images are processed at once.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// Runner fans acquisitions out over a worker pool.
type Runner struct {
	factory Factory
	workers int

	mu     sync.Mutex
	idle   []Acquirer
	closed bool
}

// New creates a Runner.
func New(factory Factory, opts ...Option) *Runner {
	r := &Runner{factory: factory, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire acquires every image and returns one Result per id, in input
// order. Per-image failures are reported in the results; the error return
// is reserved for the runner itself.
func (r *Runner) Acquire(ctx context.Context, imageIDs []int64) ([]Result, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	results := make([]Result, len(imageIDs))
	if len(imageIDs) == 0 {
		return results, nil
	}
	workers := r.workers
	if len(imageIDs) < workers {
		workers = len(imageIDs)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("batch: create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, id := range imageIDs {
		wg.Add(1)
		idx, imageID := i, id
		results[idx].ImageID = imageID
		if err := pool.Submit(func() {
			defer wg.Done()
			results[idx].Result, results[idx].Err = r.acquireOne(ctx, imageID)
		}); err != nil {
			wg.Done()
			results[idx].Err = fmt.Errorf("batch: submit image %d: %w", imageID, err)
		}
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Infof("batch: %d image(s) acquired, %d failed", len(results)-failed, failed)
	return results, nil
}

func (r *Runner) acquireOne(ctx context.Context, imageID int64) (*acquire.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := r.borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer r.release(a)
	res, err := a.Acquire(ctx, imageID)
	if err != nil {
		log.Warnf("batch: image %d: %v", imageID, err)
		return nil, err
	}
	log.Debugf("batch: image %d %s", imageID, res.Outcome)
	return res, nil
}

// borrow hands out an idle client or creates one. The pool never runs
// more tasks than workers, so at most workers clients exist.
func (r *Runner) borrow(ctx context.Context) (Acquirer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(r.idle); n > 0 {
		a := r.idle[n-1]
		r.idle = r.idle[:n-1]
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	a, err := r.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: create client: %w", err)
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		closeClient(a)
		return nil, ErrClosed
	}
	return a, nil
}

// release returns a client to the idle list, or closes it when the runner
// was closed while the client was busy.
func (r *Runner) release(a Acquirer) {
	r.mu.Lock()
	if !r.closed {
		r.idle = append(r.idle, a)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	closeClient(a)
}

// Close closes the idle clients. Clients still busy in a running Acquire
// are closed as soon as they are released, and no new ones are created.
func (r *Runner) Close() error {
	r.mu.Lock()
	idle := r.idle
	r.idle, r.closed = nil, true
	r.mu.Unlock()
	var errs []error
	for _, a := range idle {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeClient(a Acquirer) {
	if err := a.Close(); err != nil {
		log.Warnf("batch: close client: %v", err)
	}
}
