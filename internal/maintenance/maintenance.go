// Package maintenance runs the periodic hygiene jobs: record pruning,
// time-driven queue flushes, and memory release, plus the cron-scheduled
// archive compactor.
package maintenance

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/pubsub"
	"github.com/vvidic/simple-lookup-service/internal/service"
)

// Config sets the job intervals. Zero values take the defaults.
type Config struct {
	PruneInterval  time.Duration // default 30s
	PruneThreshold time.Duration // extra grace past expiry, default 0
	FlushInterval  time.Duration // flush-due check cadence, default 1s
	MemoryInterval time.Duration // default 5m
}

// Driver owns one goroutine per job category. Categories run in parallel;
// jobs within a category run serially. A tick that overruns its interval is
// coalesced into a single catch-up fire, not replayed N times.
type Driver struct {
	cfg Config
	svc *service.LookupService
	pub *pubsub.Manager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDriver creates the maintenance driver.
func NewDriver(cfg Config, svc *service.LookupService, pub *pubsub.Manager) *Driver {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 30 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MemoryInterval <= 0 {
		cfg.MemoryInterval = 5 * time.Minute
	}
	return &Driver{
		cfg:    cfg,
		svc:    svc,
		pub:    pub,
		stopCh: make(chan struct{}),
	}
}

// Start launches the three job loops.
func (d *Driver) Start() {
	d.wg.Add(3)
	go d.loop("prune", d.cfg.PruneInterval, d.prune)
	go d.loop("flush", d.cfg.FlushInterval, d.flush)
	go d.loop("memory", d.cfg.MemoryInterval, d.memory)
}

// Stop signals all loops and waits for in-flight ticks to finish.
func (d *Driver) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// loop fires fn at a fixed cadence. The next fire is planned from the
// previous planned fire, so a slow tick shifts the schedule by at most one
// interval: missed fires coalesce into a single catch-up.
func (d *Driver) loop(name string, interval time.Duration, fn func(now time.Time)) {
	defer d.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	next := time.Now().Add(interval)
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-timer.C:
			fn(now)
			next = next.Add(interval)
			if wait := time.Until(next); wait > 0 {
				timer.Reset(wait)
			} else {
				// Overran one or more intervals: one catch-up fire, then
				// realign to the cadence.
				next = time.Now()
				timer.Reset(0)
			}
		}
	}
}

// prune expires lapsed leases, sweeps overdue records, and reconciles the
// lease table with the store.
func (d *Driver) prune(now time.Time) {
	ctx := context.Background()

	if n := d.svc.ExpireDue(ctx, now); n > 0 {
		log.Printf("[maintenance] expired %d records", n)
	}
	if n, err := d.svc.Prune(ctx, now, d.cfg.PruneThreshold); err != nil {
		log.Printf("[maintenance] prune: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] pruned %d overdue records", n)
	}
	if added, removed, err := d.svc.ReconcileLeases(ctx); err != nil {
		log.Printf("[maintenance] lease reconcile: %v", err)
	} else if added > 0 || removed > 0 {
		log.Printf("[maintenance] lease reconcile: +%d -%d", added, removed)
	}
}

// flush triggers interval-due subscription flushes.
func (d *Driver) flush(now time.Time) {
	d.pub.FlushDue(now)
}

// memory returns unused pages to the OS.
func (d *Driver) memory(time.Time) {
	debug.FreeOSMemory()
}
