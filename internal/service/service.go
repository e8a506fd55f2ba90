// Package service is the entry point used by the outer layers: cached
// queries with optional recurrence expansion, and user edits applied to
// both the remote calendar and the cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"calmirror/internal/caldav"
	"calmirror/internal/models"
	"calmirror/internal/recurrence"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

// ErrNoMetadata is returned when an event exists in the cache but has no
// remote location to update.
var ErrNoMetadata = errors.New("event has no remote metadata")

// Remote is the part of the multi-calendar client the service needs.
type Remote interface {
	GetAllCalendars(ctx context.Context) []caldav.CalendarInfo
	CreateEventInCalendar(ctx context.Context, name string, event *models.Event) (models.CalendarDescriptor, string, error)
	DeleteEventFromCalendar(ctx context.Context, path, filename string) error
}

// Store is the part of the event cache the service needs.
type Store interface {
	GetEvents(ctx context.Context, f store.Filter) ([]*models.Event, error)
	GetEventsWithMetadata(ctx context.Context, calendar string) ([]*models.Event, error)
	GetCalendarStats(ctx context.Context) ([]store.CalendarStat, error)
	Event(ctx context.Context, id string) (mo.Option[*models.Event], error)
	SaveEvents(ctx context.Context, events []*models.Event) error
	DeleteEvent(ctx context.Context, id string) (models.DeletedEvent, error)
	MarkDeletedEventSynced(ctx context.Context, id string) error
}

// Syncer runs reconciliation cycles on demand.
type Syncer interface {
	RunCycle(ctx context.Context) (syncer.CycleResult, error)
}

// Query selects events for GetEvents. Expand replaces recurring events with
// their occurrences and requires both Start and End.
type Query struct {
	Start    time.Time
	End      time.Time
	Calendar string
	Expand   bool
}

// Service coordinates the remote calendars, the cache and the syncer.
type Service struct {
	logger   *slog.Logger
	remote   Remote
	store    Store
	syncer   Syncer
	expander *recurrence.Expander
	location *time.Location
	now      func() time.Time
}

// New creates a new Service. loc is the display zone for events without a
// zone of their own.
func New(logger *slog.Logger, remote Remote, st Store, sy Syncer, expander *recurrence.Expander, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		location: loc,
		logger:   logger,
		remote:   remote,
		store:    st,
		syncer:   sy,
		expander: expander,
		now:      time.Now,
	}
}

// GetEvents returns cached events matching q.
func (s *Service) GetEvents(ctx context.Context, q Query) ([]*models.Event, error) {
	if !q.Expand {
		return s.store.GetEvents(ctx, store.Filter{Start: q.Start, End: q.End, Calendar: q.Calendar})
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return nil, fmt.Errorf("%w: expansion needs a start and an end", models.ErrValidation)
	}
	events, err := s.store.GetEvents(ctx, store.Filter{Start: q.Start, End: q.End, Calendar: q.Calendar, IncludeRecurring: true})
	if err != nil {
		return nil, err
	}
	return s.expander.Expand(events, q.Start, q.End), nil
}

// GetEventsWithMetadata returns cached events with provenance. An empty
// calendar means all calendars.
func (s *Service) GetEventsWithMetadata(ctx context.Context, calendar string) ([]*models.Event, error) {
	return s.store.GetEventsWithMetadata(ctx, calendar)
}

// GetCalendars lists the registered calendars with their remote event
// counts.
func (s *Service) GetCalendars(ctx context.Context) []caldav.CalendarInfo {
	return s.remote.GetAllCalendars(ctx)
}

// GetCalendarStats counts cached events per calendar.
func (s *Service) GetCalendarStats(ctx context.Context) ([]store.CalendarStat, error) {
	return s.store.GetCalendarStats(ctx)
}

// ForceSync runs a reconciliation cycle now.
func (s *Service) ForceSync(ctx context.Context) (syncer.CycleResult, error) {
	return s.syncer.RunCycle(ctx)
}

// CreateEvent creates event remotely in the named calendar, then caches it.
// Nothing is cached when the remote create fails. An empty calendar name
// selects the default calendar.
func (s *Service) CreateEvent(ctx context.Context, event *models.Event, calendarName string) (*models.Event, error) {
	e := *event
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if err := s.normalizeTimes(&e); err != nil {
		return nil, err
	}

	cal, filename, err := s.remote.CreateEventInCalendar(ctx, calendarName, &e)
	if err != nil {
		s.logger.Error("Failed to create event remotely", "id", e.ID, "calendar", calendarName, "error", err)
		return nil, err
	}

	e.Meta = models.Metadata{
		CalendarName:     cal.Name,
		CalendarPath:     cal.Path,
		Filename:         filename,
		OriginalDate:     e.Date,
		OriginalTime:     strings.TrimSpace(e.Time),
		OriginalDuration: e.Duration,
		CreationSource:   models.SourceLocal,
		SyncStatus:       models.SyncStatusSynced,
		LocalModified:    s.now().UTC(),
	}
	if err := s.store.SaveEvents(ctx, []*models.Event{&e}); err != nil {
		return nil, fmt.Errorf("event %s created remotely but not cached: %w", e.ID, err)
	}
	s.logger.Info("Created event.", "id", e.ID, "calendar", cal.Name, "filename", filename)
	return &e, nil
}

// UpdateEvent replaces an event by deleting its remote object and creating
// a new one with the new content. The cache is updated only once the new
// object exists. If the create fails after the delete succeeded the remote
// copy is lost until the event is saved again.
func (s *Service) UpdateEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	e := *event
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	if err := s.normalizeTimes(&e); err != nil {
		return nil, err
	}

	cached, err := s.store.Event(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	old, ok := cached.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, e.ID)
	}
	if !old.Meta.HasRemote() {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, e.ID)
	}

	if err := s.remote.DeleteEventFromCalendar(ctx, old.Meta.CalendarPath, old.Meta.Filename); err != nil && !caldav.IsNotFound(err) {
		s.logger.Error("Failed to delete old remote event", "id", e.ID, "filename", old.Meta.Filename, "error", err)
		return nil, err
	}

	e.Sequence = old.Sequence + 1
	cal, filename, err := s.remote.CreateEventInCalendar(ctx, old.Meta.CalendarName, &e)
	if err != nil {
		s.logger.Error("Failed to recreate event after deleting it remotely", "id", e.ID,
			"calendar", old.Meta.CalendarName, "old_filename", old.Meta.Filename, "error", err)
		return nil, err
	}

	e.Meta = old.Meta
	e.Meta.CalendarName = cal.Name
	e.Meta.CalendarPath = cal.Path
	e.Meta.Filename = filename
	e.Meta.SyncStatus = models.SyncStatusSynced
	e.Meta.LocalModified = s.now().UTC()
	if err := s.store.SaveEvents(ctx, []*models.Event{&e}); err != nil {
		return nil, fmt.Errorf("event %s updated remotely but not cached: %w", e.ID, err)
	}
	s.logger.Info("Updated event.", "id", e.ID, "calendar", cal.Name, "filename", filename)
	return &e, nil
}

// DeleteEvent removes an event from the cache, queueing the remote delete,
// and then tries the remote delete once. A failed remote delete is left to
// the next sync cycle and does not fail the call.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	rec, err := s.store.DeleteEvent(ctx, id)
	if err != nil {
		return err
	}
	if rec.CalendarPath == "" || rec.Filename == "" {
		s.logger.Info("Deleted local event without remote copy.", "id", id)
		return nil
	}

	err = s.remote.DeleteEventFromCalendar(ctx, rec.CalendarPath, rec.Filename)
	if err != nil && !caldav.IsNotFound(err) {
		s.logger.Warn("Remote delete failed, will retry on next sync", "id", id, "error", err)
		return nil
	}
	if err := s.store.MarkDeletedEventSynced(ctx, id); err != nil {
		s.logger.Error("Failed to mark deletion synced", "id", id, "error", err)
	}
	s.logger.Info("Deleted event.", "id", id, "calendar", rec.CalendarName)
	return nil
}

// normalizeTimes validates e and makes its date, time and start agree. A
// start instant without a local date is localized into the event's zone;
// otherwise the start is recomputed from date and time, and an empty time
// makes the event all-day.
func (s *Service) normalizeTimes(e *models.Event) error {
	if e.Start != "" && strings.TrimSpace(e.Date) == "" {
		e.Localize()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.IsAllDay() {
		e.Start = ""
		return nil
	}
	start, err := e.StartInstant(s.location)
	if err != nil {
		return err
	}
	e.Start = start.UTC().Format(time.RFC3339)
	return nil
}
