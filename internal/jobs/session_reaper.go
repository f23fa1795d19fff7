// Package jobs contains the server's periodic background work.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mvasko/medscribe/internal/eventlog"
	"github.com/mvasko/medscribe/internal/metrics"
	"github.com/mvasko/medscribe/internal/store"
)

// SessionReaperJob force-closes sessions whose client went away without
// finalizing: a crashed capture client leaves the row in recording forever
// otherwise. Closing the row does not block the fallback audio upload.
type SessionReaperJob struct {
	store    *store.Store
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	logger   *log.Logger
	maxAge   time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSessionReaperJob creates a reaper closing sessions older than maxAge
// (default 8h), scanning every interval (default 15m).
func NewSessionReaperJob(s *store.Store, eventLog *eventlog.Logger, m *metrics.Metrics, logger *log.Logger, maxAge, interval time.Duration) *SessionReaperJob {
	if maxAge == 0 {
		maxAge = 8 * time.Hour
	}
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return &SessionReaperJob{
		store:    s,
		eventLog: eventLog,
		metrics:  m,
		logger:   logger,
		maxAge:   maxAge,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *SessionReaperJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("SessionReaperJob: started (max_age=%v interval=%v)", j.maxAge, j.interval)
}

// Stop gracefully stops the background job.
func (j *SessionReaperJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("SessionReaperJob: stopped")
}

func (j *SessionReaperJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.reap()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.reap()
		case <-j.stopCh:
			return
		}
	}
}

func (j *SessionReaperJob) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := j.store.ReapStaleSessions(ctx, time.Now().UTC().Add(-j.maxAge))
	if err != nil {
		j.logger.Printf("SessionReaperJob: reap failed: %v", err)
		return
	}
	for _, id := range ids {
		j.logger.Printf("SessionReaperJob: closed abandoned session %s", id)
		j.eventLog.LogAsync(id, eventlog.EventSessionFinalized, map[string]any{
			"via": "reaper",
		})
		if j.metrics != nil {
			j.metrics.RecordSessionFinished(j.maxAge.Seconds())
		}
	}
}
