package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vvidic/simple-lookup-service/internal/store"
)

// ArchiveCompactor drops archive snapshots older than the retention window
// on a cron schedule.
type ArchiveCompactor struct {
	archive   store.Archive
	retention time.Duration
	cron      *cron.Cron
}

// NewArchiveCompactor schedules compaction. schedule is a standard cron
// expression (default daily at 04:10); retention <= 0 keeps 30 days.
func NewArchiveCompactor(archive store.Archive, schedule string, retention time.Duration) (*ArchiveCompactor, error) {
	if schedule == "" {
		schedule = "10 4 * * *"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	c := cron.New()
	ac := &ArchiveCompactor{archive: archive, retention: retention, cron: c}
	if _, err := c.AddFunc(schedule, ac.CompactNow); err != nil {
		return nil, fmt.Errorf("maintenance: invalid compaction schedule %q: %w", schedule, err)
	}
	return ac, nil
}

// Start begins the cron scheduler.
func (ac *ArchiveCompactor) Start() {
	ac.cron.Start()
}

// Stop halts scheduling and waits for a running compaction to finish.
func (ac *ArchiveCompactor) Stop() {
	<-ac.cron.Stop().Done()
}

// CompactNow removes snapshots archived before now minus retention.
func (ac *ArchiveCompactor) CompactNow() {
	cutoff := time.Now().Add(-ac.retention)
	n, err := ac.archive.Compact(context.Background(), cutoff)
	if err != nil {
		log.Printf("[maintenance] archive compaction: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[maintenance] archive compaction removed %d snapshots before %s", n, cutoff.Format(time.RFC3339))
	}
}
