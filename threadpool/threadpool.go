// Package threadpool implements the dynamic thread pool: an elastic
// worker pool that grows on demand (up to an optional max size),
// reuses idle workers, and drains its queue on shutdown before
// exiting.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package threadpool

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
)

// Task is one unit of work posted to the pool.
type Task func()

// Pool is an unbounded-by-default dynamic thread pool. Post enqueues a
// task; if every worker is busy and the worker count is below Max (or
// Max == 0, meaning unbounded), a new worker is spawned. Idle workers
// park on the shared queue instead of a per-worker condition variable,
// which gives the same "idle workers reused" behavior with much less
// bookkeeping.
type Pool struct {
	name string
	log  *nlog.Logger
	met  *metrics.Registry
	max  int

	queue chan Task
	grp   *errgroup.Group

	mu      sync.Mutex
	workers int
	queued  int

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a pool named name (used only for metrics/log tags) with
// an optional max worker count (0 = unbounded).
func New(name string, log *nlog.Logger, met *metrics.Registry, max int) *Pool {
	p := &Pool{
		name:  name,
		log:   log,
		met:   met,
		max:   max,
		queue: make(chan Task, 4096),
		grp:   &errgroup.Group{},
		done:  make(chan struct{}),
	}
	return p
}

// Post enqueues task, spawning a new worker if every existing worker is
// busy and the pool has not hit Max.
func (p *Pool) Post(task Task) {
	p.mu.Lock()
	needWorker := p.workers == 0 || (len(p.queue) >= p.workers && (p.max == 0 || p.workers < p.max))
	if needWorker {
		p.workers++
		p.spawnLocked()
	}
	p.queued++
	p.mu.Unlock()

	p.queue <- task
	p.updateMetrics()
}

func (p *Pool) spawnLocked() {
	if p.met != nil {
		p.met.ThreadPoolDepth.WithLabelValues(p.name).Set(float64(p.workers))
	}
	p.grp.Go(func() error {
		p.worker()
		return nil
	})
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.Lock()
			p.queued--
			p.mu.Unlock()
			p.updateMetrics()
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.Errorf("pool %s: task panic: %v", p.name, r)
					}
				}()
				task()
			}()
		case <-p.done:
			// drain whatever remains without blocking, then exit
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) updateMetrics() {
	if p.met == nil {
		return
	}
	p.mu.Lock()
	q := p.queued
	p.mu.Unlock()
	p.met.ThreadPoolQueued.WithLabelValues(p.name).Set(float64(q))
}

// Shutdown closes the intake; workers finish draining the queue and
// exit. Join must be called only after Shutdown.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.queue)
		close(p.done)
	})
}

// Join waits for all workers to exit.
func (p *Pool) Join() error {
	return p.grp.Wait()
}
