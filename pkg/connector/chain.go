// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrChainRetired is returned for work enqueued on a retired destination.
var ErrChainRetired = errors.New("delivery chain retired")

// Task is one unit of delivery work.
type Task func(ctx context.Context) error

type queuedTask struct {
	ctx  context.Context
	fn   Task
	done chan error
}

type chain struct {
	queue []queuedTask
	busy  bool
}

// DeliveryChains keeps one FIFO queue per destination. Task N+1 of a
// destination starts only after task N has returned. Different destinations
// run in parallel. A worker goroutine exists only while its queue is non-empty.
type DeliveryChains struct {
	mu      sync.Mutex
	chains  map[string]*chain
	retired map[string]struct{}
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewDeliveryChains creates an empty chain arena.
func NewDeliveryChains(log zerolog.Logger) *DeliveryChains {
	return &DeliveryChains{
		chains:  make(map[string]*chain),
		retired: make(map[string]struct{}),
		log:     log.With().Str("component", "delivery_chains").Logger(),
	}
}

// Enqueue appends fn to the chain of dest. The returned channel receives the
// task's result once it has run. Cancelling ctx does not cancel the task.
func (d *DeliveryChains) Enqueue(ctx context.Context, dest string, fn Task) <-chan error {
	done := make(chan error, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.retired[dest]; ok {
		done <- ErrChainRetired
		return done
	}
	c, ok := d.chains[dest]
	if !ok {
		c = &chain{}
		d.chains[dest] = c
	}
	c.queue = append(c.queue, queuedTask{ctx: context.WithoutCancel(ctx), fn: fn, done: done})
	if !c.busy {
		c.busy = true
		d.wg.Add(1)
		go d.run(dest, c)
	}
	return done
}

func (d *DeliveryChains) run(dest string, c *chain) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(c.queue) == 0 {
			c.busy = false
			if d.chains[dest] == c {
				delete(d.chains, dest)
			}
			d.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue[0] = queuedTask{}
		c.queue = c.queue[1:]
		d.mu.Unlock()

		next.done <- d.execute(dest, next)
	}
}

func (d *DeliveryChains) execute(dest string, t queuedTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error().Str("destination", dest).Any("panic", p).Msg("Delivery task panicked")
			err = fmt.Errorf("delivery task panicked: %v", p)
		}
	}()
	return t.fn(t.ctx)
}

// Retire stops accepting work for dest. Tasks already queued still run.
func (d *DeliveryChains) Retire(dest string) {
	d.mu.Lock()
	d.retired[dest] = struct{}{}
	d.mu.Unlock()
	d.log.Info().Str("destination", dest).Msg("Delivery chain retired")
}

// Reopen accepts work for a previously retired dest again.
func (d *DeliveryChains) Reopen(dest string) {
	d.mu.Lock()
	delete(d.retired, dest)
	d.mu.Unlock()
}

// IsRetired reports whether dest has been retired.
func (d *DeliveryChains) IsRetired(dest string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.retired[dest]
	return ok
}

// Pending returns the number of queued or running tasks per active destination.
func (d *DeliveryChains) Pending() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.chains))
	for dest, c := range d.chains {
		n := len(c.queue)
		if c.busy {
			n++
		}
		out[dest] = n
	}
	return out
}

// Total returns the number of queued or running tasks across all destinations.
func (d *DeliveryChains) Total() int {
	total := 0
	for _, n := range d.Pending() {
		total += n
	}
	return total
}

// Wait blocks until every chain has drained.
func (d *DeliveryChains) Wait() {
	d.wg.Wait()
}
