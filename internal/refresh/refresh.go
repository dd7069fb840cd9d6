// Package refresh periodically loads the configured calendar sources and
// keeps the latest parse result of each one in memory.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"billcal/internal/ics"
	appLog "billcal/internal/log"
	"billcal/internal/model"
)

// SourceResult is the latest outcome for one source. Either FetchError is
// set (nothing could be loaded) or Result holds the parse outcome, which
// may itself be the error arm.
type SourceResult struct {
	ID         string             `json:"id"`
	Result     *model.ParseResult `json:"result,omitempty"`
	FetchError string             `json:"fetch_error,omitempty"`
	FromCache  bool               `json:"from_cache"`
	FetchedAt  time.Time          `json:"fetched_at"`
}

// Snapshot is the state after one refresh run.
type Snapshot struct {
	RunID       string         `json:"run_id"`
	RefreshedAt time.Time      `json:"refreshed_at"`
	Sources     []SourceResult `json:"sources"`
}

// Lookup returns the result for the given source ID.
func (s Snapshot) Lookup(id string) (SourceResult, bool) {
	for _, sr := range s.Sources {
		if sr.ID == id {
			return sr, true
		}
	}
	return SourceResult{}, false
}

// Refresher loads sources on demand (RunOnce) or on a cron schedule.
type Refresher struct {
	fetcher *ics.Fetcher
	sources []ics.Source
	opts    []ics.Option

	// runMu serializes runs so a slow fetch and a manual refresh never
	// interleave snapshots.
	runMu sync.Mutex

	mu   sync.RWMutex
	snap Snapshot

	cron *cron.Cron
}

// New constructs a Refresher. opts are passed to ics.Parse for every source.
func New(fetcher *ics.Fetcher, sources []ics.Source, opts ...ics.Option) *Refresher {
	return &Refresher{
		fetcher: fetcher,
		sources: sources,
		opts:    opts,
	}
}

// RunOnce fetches and parses every source and stores the new snapshot.
func (r *Refresher) RunOnce(ctx context.Context) Snapshot {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runID := uuid.NewString()
	started := time.Now()

	fetched := r.fetcher.FetchAll(ctx, r.sources)

	results := make([]SourceResult, 0, len(r.sources))
	fetchErrs := 0
	for i, src := range r.sources {
		sr := SourceResult{ID: src.ID}
		fr := fetched[i]
		if fr.Err != nil {
			fetchErrs++
			sr.FetchError = fr.Err.Error()
			var se *ics.SourceError
			if errors.As(fr.Err, &se) {
				sr.FetchError = se.Err.Error()
			}
			results = append(results, sr)
			continue
		}

		res := ics.Parse(string(fr.Document.Body), r.opts...)
		if res.Failed() {
			appLog.Error("source parse failed", errors.New(res.Err), "run_id", runID, "id", src.ID)
		}
		sr.Result = &res
		sr.FromCache = fr.Document.FromCache
		sr.FetchedAt = fr.Document.FetchedAt
		results = append(results, sr)
	}

	snap := Snapshot{RunID: runID, RefreshedAt: time.Now().UTC(), Sources: results}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	appLog.Info("refresh completed",
		"run_id", runID,
		"source_count", len(r.sources),
		"fetch_errors", fetchErrs,
		"took", time.Since(started).String(),
	)
	return snap
}

// Snapshot returns the latest snapshot (zero value before the first run).
func (r *Refresher) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Start schedules RunOnce with a standard 5-field cron expression or a
// descriptor such as "@every 1h".
func (r *Refresher) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		r.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	appLog.Info("refresh scheduled", "cron", schedule, "source_count", len(r.sources))
	return nil
}

// Stop halts the schedule and waits for a running job to finish or for
// ctx to expire.
func (r *Refresher) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
