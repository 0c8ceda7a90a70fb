package pubsub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// Pusher delivers one batch to a subscription's endpoint.
type Pusher interface {
	Push(ctx context.Context, endpoint, subscriptionID string, batch []record.Record) error
}

// Flusher drains subscription queues and pushes batches through a bounded
// worker pool. Per-subscription flushes are serialized by the subscription's
// flush lock, so concurrent triggers cannot reorder batches.
type Flusher struct {
	pusher       Pusher
	sem          chan struct{}
	pushTimeout  time.Duration
	failureLimit int
	wg           sync.WaitGroup
}

// NewFlusher creates a flusher with at most concurrency in-flight pushes.
// A subscription is retired after failureLimit consecutive failed flushes.
func NewFlusher(pusher Pusher, concurrency int, pushTimeout time.Duration, failureLimit int) *Flusher {
	if concurrency <= 0 {
		concurrency = 8
	}
	if pushTimeout <= 0 {
		pushTimeout = 8 * time.Second
	}
	if failureLimit <= 0 {
		failureLimit = 3
	}
	return &Flusher{
		pusher:       pusher,
		sem:          make(chan struct{}, concurrency),
		pushTimeout:  pushTimeout,
		failureLimit: failureLimit,
	}
}

// FlushAsync schedules a flush on the worker pool. onRetire runs when the
// subscription exhausts its failure budget.
func (f *Flusher) FlushAsync(sub *Subscription, onRetire func(*Subscription)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.sem <- struct{}{}
		defer func() { <-f.sem }()
		f.Flush(sub, onRetire)
	}()
}

// Flush drains the subscription queue and pushes the batch, retrying once.
// A batch that fails both attempts is dropped; the events are not
// redelivered.
func (f *Flusher) Flush(sub *Subscription, onRetire func(*Subscription)) {
	sub.flushMu.Lock()
	defer sub.flushMu.Unlock()

	batch := sub.drain(time.Now())
	if len(batch) == 0 {
		return
	}

	if err := f.pushOnce(sub, batch); err != nil {
		if err = f.pushOnce(sub, batch); err != nil {
			sub.failures++
			log.Printf("[pubsub] push to %s failed, dropping %d events (failure %d/%d): %v",
				sub.Endpoint, len(batch), sub.failures, f.failureLimit, err)
			if sub.failures >= f.failureLimit && onRetire != nil {
				onRetire(sub)
			}
			return
		}
	}
	sub.failures = 0
}

func (f *Flusher) pushOnce(sub *Subscription, batch []record.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.pushTimeout)
	defer cancel()
	return f.pusher.Push(ctx, sub.Endpoint, sub.ID, batch)
}

// Wait blocks until all scheduled flushes finish. Used during shutdown.
func (f *Flusher) Wait() {
	f.wg.Wait()
}
