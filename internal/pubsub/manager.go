package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// Manager holds all live subscriptions and fans record events out to their
// queues. A single consumer goroutine drains the event channel, so events
// reach every queue in commit order.
type Manager struct {
	subs    *xsync.Map[string, *Subscription]
	events  chan record.Record
	flusher *Flusher
	dropped atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the fan-out manager. queueSize bounds the event
// channel; Publish drops events once it fills.
func NewManager(queueSize int, flusher *Flusher) *Manager {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Manager{
		subs:    xsync.NewMap[string, *Subscription](),
		events:  make(chan record.Record, queueSize),
		flusher: flusher,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the fan-out goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.fanOutLoop()
}

// Stop signals the fan-out loop to stop, drains pending events, and waits.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Get retrieves a subscription by ID.
func (m *Manager) Get(id string) (*Subscription, bool) {
	return m.subs.Load(id)
}

// Register adds a subscription to the fan-out set.
func (m *Manager) Register(sub *Subscription) {
	m.subs.Store(sub.ID, sub)
}

// Unregister removes a subscription. Queued events it still holds are
// discarded.
func (m *Manager) Unregister(id string) {
	m.subs.Delete(id)
}

// Range iterates all subscriptions.
func (m *Manager) Range(fn func(id string, sub *Subscription) bool) {
	m.subs.Range(fn)
}

// Size returns the number of live subscriptions.
func (m *Manager) Size() int {
	return m.subs.Size()
}

// Publish hands a committed record event to the fan-out loop. Non-blocking;
// drops on overflow so the write path never stalls behind slow consumers.
// Overflow drops are counted, see DroppedEvents.
func (m *Manager) Publish(rec record.Record) {
	select {
	case m.events <- rec:
	default:
		n := m.dropped.Add(1)
		log.Printf("[pubsub] event queue full, dropping event for %s (%d dropped total)", rec.URI(), n)
	}
}

// DroppedEvents returns the number of events lost to fan-out overflow since
// startup.
func (m *Manager) DroppedEvents() int64 {
	return m.dropped.Load()
}

// FlushDue triggers a flush for every subscription whose flush interval has
// elapsed with events queued. Called from the maintenance driver.
func (m *Manager) FlushDue(now time.Time) {
	m.subs.Range(func(_ string, sub *Subscription) bool {
		if sub.flushDue(now) {
			m.flusher.FlushAsync(sub, m.retire)
		}
		return true
	})
}

// fanOutLoop matches each event against every subscription in arrival
// order. Size-triggered flushes are handed to the flusher pool so matching
// never blocks on delivery.
func (m *Manager) fanOutLoop() {
	defer m.wg.Done()

	for {
		select {
		case rec := <-m.events:
			m.dispatch(rec)
		case <-m.stopCh:
			for {
				select {
				case rec := <-m.events:
					m.dispatch(rec)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) dispatch(rec record.Record) {
	m.subs.Range(func(_ string, sub *Subscription) bool {
		if !sub.Matches(rec) {
			return true
		}
		if sub.enqueue(rec) {
			m.flusher.FlushAsync(sub, m.retire)
		}
		return true
	})
}

// retire drops a subscription whose endpoint failed too many flushes in a
// row. The flusher calls it from a worker goroutine.
func (m *Manager) retire(sub *Subscription) {
	log.Printf("[pubsub] retiring subscription %s after %d failed flushes", sub.ID, sub.failures)
	m.subs.Delete(sub.ID)
}
