// Package syncer keeps the local cache reconciled with the remote calendars.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/mo"

	"calmirror/internal/caldav"
	"calmirror/internal/models"
	"calmirror/internal/store"
)

// Remote is the part of the multi-calendar client the syncer needs.
type Remote interface {
	GetAllEventsFromAllCalendars(ctx context.Context) (caldav.FetchResult, error)
	DeleteEventFromCalendar(ctx context.Context, path, filename string) error
}

// Store is the part of the event cache the syncer needs.
type Store interface {
	GetEventsWithMetadata(ctx context.Context, calendar string) ([]*models.Event, error)
	SaveEvents(ctx context.Context, events []*models.Event) error
	Metadata(ctx context.Context, id string) (mo.Option[models.Metadata], error)
	TrackRemoteDeletion(ctx context.Context, id string) (models.DeletedEvent, error)
	GetDeletedEventsToSync(ctx context.Context) ([]models.DeletedEvent, error)
	MarkDeletedEventSynced(ctx context.Context, id string) error
	RecordPropagationAttempt(ctx context.Context, id string) (int, error)
	ClearOldEvents(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDeletedEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tune the sync cycle.
type Options struct {
	// Schedule is a cron spec such as "@every 5m".
	Schedule string
	// RetentionMonths drops events not seen in a fetch for this long.
	RetentionMonths int
	// DeletionRetention drops synced deletion records older than this.
	DeletionRetention time.Duration
	// MaxPropagationAttempts bounds retries for deletions that have no
	// remote location.
	MaxPropagationAttempts int
}

// CycleResult summarises one reconciliation cycle.
type CycleResult struct {
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	Propagated      int       `json:"propagated"`
	Dropped         int       `json:"dropped"`
	Fetched         int       `json:"fetched"`
	Merged          int       `json:"merged"`
	RemoteDeleted   int       `json:"remote_deleted"`
	Purged          int64     `json:"purged"`
	FailedCalendars []string  `json:"failed_calendars,omitempty"`
}

// Syncer orchestrates reconciliation between the remote calendars and the
// local cache. Cycles never overlap.
type Syncer struct {
	logger *slog.Logger
	remote Remote
	store  Store
	opts   Options
	now    func() time.Time

	cycleMu sync.Mutex
	eager   sync.WaitGroup

	mu       sync.Mutex
	cron     *cron.Cron
	lastSync time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, remote Remote, st Store, opts Options) (*Syncer, error) {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", opts.Schedule, err)
	}
	if opts.RetentionMonths <= 0 {
		opts.RetentionMonths = 6
	}
	if opts.DeletionRetention <= 0 {
		opts.DeletionRetention = 30 * 24 * time.Hour
	}
	if opts.MaxPropagationAttempts <= 0 {
		opts.MaxPropagationAttempts = 5
	}

	return &Syncer{
		logger: logger,
		remote: remote,
		store:  st,
		opts:   opts,
		now:    time.Now,
	}, nil
}

// Start runs one cycle immediately and then one per schedule tick until
// Stop is called. A tick that arrives while a cycle is running is skipped.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("syncer already started")
	}

	logger := cronLogger{logger: s.logger}
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("Sync cycle failed", "error", err)
		}
	}))

	c := cron.New(cron.WithLogger(logger))
	if _, err := c.AddJob(s.opts.Schedule, job); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Starting sync scheduler.", "schedule", s.opts.Schedule)

	s.eager.Add(1)
	go func() {
		defer s.eager.Done()
		job.Run()
	}()
	return nil
}

// Stop prevents further ticks. A cycle already running is not interrupted;
// the returned context is done once it has finished.
func (s *Syncer) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	cronDone := s.cron.Stop()
	s.cron = nil
	s.logger.Info("Stopped sync scheduler.")

	// The eager first run is not tracked by cron.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.eager.Wait()
		cancel()
	}()
	return ctx
}

// LastSync returns when the last successful cycle finished.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// RunCycle performs one full reconciliation: propagate pending deletions,
// fetch all calendars, merge into the cache, detect remote deletions and
// apply retention.
func (s *Syncer) RunCycle(ctx context.Context) (CycleResult, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	res := CycleResult{Started: s.now()}
	s.logger.Info("Starting sync cycle.")

	pending, err := s.propagateDeletions(ctx, &res)
	if err != nil {
		return res, err
	}

	fetch, err := s.remote.GetAllEventsFromAllCalendars(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch calendars: %w", err)
	}
	res.Fetched = len(fetch.Events)
	for name := range fetch.Failed {
		res.FailedCalendars = append(res.FailedCalendars, name)
	}
	sort.Strings(res.FailedCalendars)
	s.logger.Info("Fetched remote events.", "count", res.Fetched, "failed_calendars", len(res.FailedCalendars))

	existing, err := s.merge(ctx, fetch.Events, pending, &res)
	if err != nil {
		return res, err
	}

	if err := s.detectRemoteDeletions(ctx, fetch, existing, &res); err != nil {
		return res, err
	}

	if err := s.applyRetention(ctx, &res); err != nil {
		return res, err
	}

	res.Finished = s.now()
	s.mu.Lock()
	s.lastSync = res.Finished
	s.mu.Unlock()

	s.logger.Info("Sync cycle finished.",
		"propagated", res.Propagated, "dropped", res.Dropped, "merged", res.Merged,
		"remote_deleted", res.RemoteDeleted, "purged", res.Purged,
		"elapsed", res.Finished.Sub(res.Started))
	return res, nil
}

// propagateDeletions replays unsynced local deletions to the remote side and
// returns the ids that were pending when the cycle started.
func (s *Syncer) propagateDeletions(ctx context.Context, res *CycleResult) (map[string]bool, error) {
	records, err := s.store.GetDeletedEventsToSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending deletions: %w", err)
	}

	pending := make(map[string]bool, len(records))
	for _, rec := range records {
		pending[rec.ID] = true

		calendarPath, filename := rec.CalendarPath, rec.Filename
		if calendarPath == "" || filename == "" {
			meta, err := s.store.Metadata(ctx, rec.ID)
			if err != nil {
				s.logger.Error("Failed to look up metadata for deletion", "id", rec.ID, "error", err)
				continue
			}
			if m, ok := meta.Get(); ok {
				calendarPath, filename = m.CalendarPath, m.Filename
			}
		}

		if calendarPath == "" || filename == "" {
			s.recordFailedAttempt(ctx, rec, true, res)
			continue
		}

		err := s.remote.DeleteEventFromCalendar(ctx, calendarPath, filename)
		if err != nil && !caldav.IsNotFound(err) {
			s.logger.Error("Failed to propagate deletion", "id", rec.ID, "calendar", rec.CalendarName, "error", err)
			s.recordFailedAttempt(ctx, rec, false, res)
			continue
		}
		if err := s.store.MarkDeletedEventSynced(ctx, rec.ID); err != nil {
			s.logger.Error("Failed to mark deletion synced", "id", rec.ID, "error", err)
			continue
		}
		res.Propagated++
		s.logger.Debug("Propagated deletion", "id", rec.ID, "calendar", rec.CalendarName)
	}
	return pending, nil
}

// recordFailedAttempt counts a failed propagation. Records without a remote
// location are dropped once they reach the attempt limit.
func (s *Syncer) recordFailedAttempt(ctx context.Context, rec models.DeletedEvent, noLocation bool, res *CycleResult) {
	attempts, err := s.store.RecordPropagationAttempt(ctx, rec.ID)
	if err != nil {
		s.logger.Error("Failed to record propagation attempt", "id", rec.ID, "error", err)
		return
	}
	if !noLocation {
		return
	}
	if attempts < s.opts.MaxPropagationAttempts {
		s.logger.Debug("Deletion has no remote location yet", "id", rec.ID, "attempts", attempts)
		return
	}
	if err := s.store.MarkDeletedEventSynced(ctx, rec.ID); err != nil {
		s.logger.Error("Failed to drop deletion", "id", rec.ID, "error", err)
		return
	}
	res.Dropped++
	s.logger.Warn("Dropped deletion without remote location.", "id", rec.ID, "attempts", attempts)
}

// merge upserts the fetched events and returns the cache rows as they were
// before the merge, keyed by id.
func (s *Syncer) merge(ctx context.Context, fetched []*models.Event, pending map[string]bool, res *CycleResult) (map[string]*models.Event, error) {
	rows, err := s.store.GetEventsWithMetadata(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load cached events: %w", err)
	}
	existing := make(map[string]*models.Event, len(rows))
	for _, row := range rows {
		existing[row.ID] = row
	}

	merged := make([]*models.Event, 0, len(fetched))
	for _, e := range fetched {
		if pending[e.ID] {
			s.logger.Debug("Skipping fetched event with pending deletion", "id", e.ID)
			continue
		}
		merged = append(merged, Merge(existing[e.ID], e))
	}
	if err := s.store.SaveEvents(ctx, merged); err != nil {
		return nil, fmt.Errorf("failed to save merged events: %w", err)
	}
	res.Merged = len(merged)
	return existing, nil
}

// detectRemoteDeletions moves cached events that vanished from a calendar
// into the deletion log. Only calendars fetched in this cycle are checked,
// and events touched locally since the cycle started are left alone.
func (s *Syncer) detectRemoteDeletions(ctx context.Context, fetch caldav.FetchResult, existing map[string]*models.Event, res *CycleResult) error {
	fetchedCalendars := make(map[string]bool, len(fetch.Fetched))
	for _, name := range fetch.Fetched {
		fetchedCalendars[name] = true
	}
	seen := make(map[string]bool, len(fetch.Events))
	for _, e := range fetch.Events {
		seen[e.ID] = true
	}

	for id, row := range existing {
		switch {
		case seen[id],
			row.Meta.Filename == "",
			!fetchedCalendars[row.Meta.CalendarName],
			row.Meta.LocalModified.After(res.Started):
			continue
		}
		if _, err := s.store.TrackRemoteDeletion(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to track remote deletion of %s: %w", id, err)
		}
		res.RemoteDeleted++
		s.logger.Info("Event deleted remotely.", "id", id, "calendar", row.Meta.CalendarName)
	}
	return nil
}

func (s *Syncer) applyRetention(ctx context.Context, res *CycleResult) error {
	now := s.now()
	n, err := s.store.ClearOldEvents(ctx, now.AddDate(0, -s.opts.RetentionMonths, 0))
	if err != nil {
		return fmt.Errorf("failed to clear old events: %w", err)
	}
	res.Purged += n

	n, err = s.store.PurgeDeletedEvents(ctx, now.Add(-s.opts.DeletionRetention))
	if err != nil {
		return fmt.Errorf("failed to purge deletion log: %w", err)
	}
	res.Purged += n
	return nil
}
