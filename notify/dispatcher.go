package notify

import (
	"context"
	"fmt"
	"log"
)

// Source is the outbox read/ack surface the dispatcher drains. *Outbox
// implements it.
type Source interface {
	ListPending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, maxAttempts int) error
}

// Sink delivers one message to the broker. *Publisher implements it.
type Sink interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// DispatchResult summarizes one drain pass.
type DispatchResult struct {
	Sent   int
	Failed int
}

// Dispatcher drains committed outbox rows to the broker. Delivery is
// at-least-once: a crash between publish and MarkSent re-publishes the row,
// so consumers must dedupe on the payload's entity id.
type Dispatcher struct {
	source      Source
	sink        Sink
	batchSize   int
	maxAttempts int
}

func NewDispatcher(source Source, sink Sink, batchSize, maxAttempts int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{source: source, sink: sink, batchSize: batchSize, maxAttempts: maxAttempts}
}

// Run executes one bounded drain pass.
func (d *Dispatcher) Run(ctx context.Context) (DispatchResult, error) {
	msgs, err := d.source.ListPending(ctx, d.batchSize)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("notify: dispatch: %w", err)
	}

	var res DispatchResult
	for _, m := range msgs {
		if err := d.sink.Publish(ctx, m.Topic, m.Payload); err != nil {
			log.Printf("notify: publish outbox %d (%s): %v", m.ID, m.Topic, err)
			if err := d.source.MarkFailed(ctx, m.ID, d.maxAttempts); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		if err := d.source.MarkSent(ctx, m.ID); err != nil {
			return res, err
		}
		res.Sent++
	}
	log.Printf("notify: dispatched sent=%d failed=%d", res.Sent, res.Failed)
	return res, nil
}
