// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cdc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	recordsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_cdc_records_delivered_total",
		Help: "Change records delivered to subscribers",
	})

	recordsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftlake_cdc_records_dropped_total",
		Help: "Change records dropped on full subscriber queues",
	})
)

// -----------------------------------------------------------------------------
// Subscription bus
// -----------------------------------------------------------------------------

// Handler consumes one committed change record.
type Handler func(ctx context.Context, record Record) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// Buffer is the per-subscriber queue capacity. Default: 256.
	Buffer int

	// ErrorSink receives handler errors. A sink that panics is recovered
	// and logged; delivery continues either way. Default: nil.
	ErrorSink func(error)
}

// Bus fans committed change records out to subscribers. Publishing never
// blocks: each subscriber owns a bounded queue and a slow subscriber
// drops its oldest pending records rather than stalling the commit
// pipeline.
type Bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	handler Handler
	sink    func(error)
	queue   chan Record
	done    chan struct{}
	logger  *slog.Logger
}

// NewBus creates an empty subscription bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, subs: map[string]*subscriber{}}
}

// Subscribe registers a handler. Every record published after this call
// is delivered exactly once to the handler, in publish order, until
// Unsubscribe.
func (b *Bus) Subscribe(handler Handler, opts SubscribeOptions) string {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		sink:    opts.ErrorSink,
		queue:   make(chan Record, opts.Buffer),
		done:    make(chan struct{}),
		logger:  b.logger,
	}
	go sub.run()

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription and drains its queue.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(sub.queue)
		<-sub.done
	}
}

// Close removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
}

// Publish enqueues records for every live subscriber without blocking.
// When a queue is full the oldest pending record is dropped to make
// room.
func (b *Bus) Publish(records []Record) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, record := range records {
		for _, sub := range subs {
			for {
				select {
				case sub.queue <- record:
				default:
					// Queue full: drop the oldest and retry.
					select {
					case <-sub.queue:
						recordsDroppedTotal.Inc()
						continue
					default:
					}
				}
				break
			}
		}
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for record := range s.queue {
		s.deliver(record)
	}
}

func (s *subscriber) deliver(record Record) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cdc subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	if err := s.handler(context.Background(), record); err != nil {
		s.reportError(err)
		return
	}
	recordsDeliveredTotal.Inc()
}

// reportError hands the error to the sink. A sink panic is swallowed and
// logged so one subscriber can never affect another.
func (s *subscriber) reportError(err error) {
	if s.sink == nil {
		s.logger.Error("cdc handler failed", "subscriber", s.id, "error", err.Error())
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cdc error sink panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.sink(err)
}
