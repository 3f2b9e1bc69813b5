package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"streamfetch/internal"
)

// Orchestrator runs the acquisition pipeline: submitted items flow through a
// bounded queue into a fixed pool of workers, and every item's terminal
// state comes out the event stream exactly once. Expandable items spawn
// producers that feed the same queue, so backpressure from slow transfers
// reaches all the way back to listing fetches.
type Orchestrator struct {
	resolver  *Resolver
	workers   int
	queueSize int
	logger    zerolog.Logger

	ctx       context.Context
	jobs      chan internal.PendingItem
	events    chan internal.StatusEvent
	pending   sync.WaitGroup
	producers sync.WaitGroup
	wg        sync.WaitGroup
}

// NewOrchestrator builds the pipeline. Out-of-range sizes are clamped.
func NewOrchestrator(resolver *Resolver, workers, queueSize int, logger zerolog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	return &Orchestrator{
		resolver:  resolver,
		workers:   workers,
		queueSize: queueSize,
		logger:    logger,
	}
}

// Start launches the worker pool. Submissions and AwaitDrain come after.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx = ctx
	o.jobs = make(chan internal.PendingItem, o.queueSize)
	o.events = make(chan internal.StatusEvent, o.queueSize)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Debug().Int("workers", o.workers).Int("queue", o.queueSize).Msg("pipeline started")
}

// Events is the terminal-state stream. It closes when AwaitDrain finishes,
// so ranging over it is the natural way to consume a run.
func (o *Orchestrator) Events() <-chan internal.StatusEvent {
	return o.events
}

// Submit queues one item. Expandable kinds start a producer that streams
// their children into the queue; everything else is queued directly. Submit
// blocks when the queue is full and must not be called after AwaitDrain.
func (o *Orchestrator) Submit(item internal.PendingItem) error {
	if item.JobID == "" {
		item.JobID = uuid.NewString()
	}
	if !Expandable(item.Kind) {
		return o.enqueue(item)
	}

	stream, err := o.resolver.Expand(o.ctx, item)
	if err != nil {
		return err
	}
	o.producers.Add(1)
	go func() {
		defer o.producers.Done()
		count := 0
		for child := range stream {
			child.JobID = uuid.NewString()
			if err := o.enqueue(child); err != nil {
				o.emit(o.eventFor(item, Result{Outcome: internal.OutcomeFailed, Err: err}))
				return
			}
			count++
		}
		if o.ctx.Err() != nil {
			o.emit(o.eventFor(item, Result{Outcome: internal.OutcomeFailed, Err: o.ctx.Err()}))
			return
		}
		if count == 0 {
			o.logger.Warn().Str("item", item.Key().String()).Msg("expansion produced no items")
		}
		o.logger.Info().Str("item", item.Key().String()).Int("children", count).Msg("expansion complete")
		o.emit(o.eventFor(item, Result{Outcome: internal.OutcomeDone, Title: fmt.Sprintf("%d items", count)}))
	}()
	return nil
}

// AwaitDrain blocks until every submitted item, including those produced by
// expansions mid-run, has reached a terminal state. It then stops the
// workers and closes the event stream.
func (o *Orchestrator) AwaitDrain() {
	o.producers.Wait()
	o.pending.Wait()
	close(o.jobs)
	o.wg.Wait()
	close(o.events)
}

func (o *Orchestrator) enqueue(item internal.PendingItem) error {
	o.pending.Add(1)
	select {
	case o.jobs <- item:
		return nil
	case <-o.ctx.Done():
		o.pending.Done()
		return o.ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for item := range o.jobs {
		o.process(item)
	}
}

// process settles one item. A panic in resolution is contained here: the
// item reports failed and stays out of the ledger, so the next run retries
// it, and the worker lives on.
func (o *Orchestrator) process(item internal.PendingItem) {
	defer o.pending.Done()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error().Interface("panic", rec).Str("item", item.Key().String()).Msg("worker recovered from panic")
			o.emit(o.eventFor(item, Result{
				Outcome: internal.OutcomeFailed,
				Err:     fmt.Errorf("internal error: %v", rec),
			}))
		}
	}()

	res := o.resolver.Resolve(o.ctx, item)
	o.emit(o.eventFor(item, res))
}

func (o *Orchestrator) eventFor(item internal.PendingItem, res Result) internal.StatusEvent {
	event := internal.StatusEvent{
		JobID:   item.JobID,
		Backend: item.Backend,
		Kind:    item.Kind,
		ID:      item.ID,
		Title:   res.Title,
		Outcome: res.Outcome,
	}
	if res.Err != nil {
		event.Err = res.Err.Error()
	}
	return event
}

func (o *Orchestrator) emit(event internal.StatusEvent) {
	select {
	case o.events <- event:
	case <-o.ctx.Done():
		// Consumer is gone; the run is being torn down anyway.
	}
}
