package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"calmirror/internal/models"
)

const eventColumns = `id, title, event_date, event_time, start_at, start_instant, end_instant,
	duration, timezone, description, location, organizer, attendees, categories,
	priority, status, visibility, transparency, geo_lat, geo_lon, url, attachments,
	rrule, sequence, calendar_name, calendar_path, caldav_filename,
	original_date, original_time, original_duration, creation_source, sync_status,
	local_modified, last_synced`

// Content columns always take the incoming value. Location columns take it
// when non-empty, provenance columns keep the stored value unless the
// incoming one is non-empty.
const upsertEvent = `INSERT INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		event_date = excluded.event_date,
		event_time = excluded.event_time,
		start_at = excluded.start_at,
		start_instant = excluded.start_instant,
		end_instant = excluded.end_instant,
		duration = excluded.duration,
		timezone = excluded.timezone,
		description = excluded.description,
		location = excluded.location,
		organizer = excluded.organizer,
		attendees = excluded.attendees,
		categories = excluded.categories,
		priority = excluded.priority,
		status = excluded.status,
		visibility = excluded.visibility,
		transparency = excluded.transparency,
		geo_lat = excluded.geo_lat,
		geo_lon = excluded.geo_lon,
		url = excluded.url,
		attachments = excluded.attachments,
		rrule = excluded.rrule,
		sequence = excluded.sequence,
		calendar_name = COALESCE(NULLIF(excluded.calendar_name, ''), events.calendar_name),
		calendar_path = COALESCE(NULLIF(excluded.calendar_path, ''), events.calendar_path),
		caldav_filename = COALESCE(NULLIF(excluded.caldav_filename, ''), events.caldav_filename),
		original_date = COALESCE(NULLIF(excluded.original_date, ''), events.original_date),
		original_time = COALESCE(NULLIF(excluded.original_time, ''), events.original_time),
		original_duration = COALESCE(NULLIF(excluded.original_duration, ''), events.original_duration),
		creation_source = COALESCE(NULLIF(excluded.creation_source, ''), events.creation_source),
		sync_status = COALESCE(NULLIF(excluded.sync_status, ''), events.sync_status),
		local_modified = CASE WHEN excluded.local_modified > 0 THEN excluded.local_modified ELSE events.local_modified END,
		last_synced = excluded.last_synced`

// Filter narrows GetEvents. Zero times leave that side of the range open.
type Filter struct {
	Start    time.Time
	End      time.Time
	Calendar string
	// IncludeRecurring also returns recurring events that start before the
	// range, so that their occurrences can be expanded into it.
	IncludeRecurring bool
}

// CalendarStat is the number of cached events in one calendar.
type CalendarStat struct {
	Calendar string `json:"calendar"`
	Count    int    `json:"count"`
}

// GetEvents returns cached events ordered by start. Only the calendar name
// is filled in Meta.
func (s *Store) GetEvents(ctx context.Context, f Filter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Calendar != "" {
		where = append(where, "calendar_name = ?")
		args = append(args, f.Calendar)
	}
	if !f.End.IsZero() {
		where = append(where, "start_at <= ?")
		args = append(args, f.End.UnixMilli())
	}
	if !f.Start.IsZero() {
		if f.IncludeRecurring {
			where = append(where, "(start_at >= ? OR rrule <> '')")
		} else {
			where = append(where, "start_at >= ?")
		}
		args = append(args, f.Start.UnixMilli())
	}

	events, err := s.queryEvents(ctx, where, args)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		e.Meta = models.Metadata{CalendarName: e.Meta.CalendarName}
	}
	return events, nil
}

// GetEventsWithMetadata returns cached events with their provenance and sync
// fields. An empty calendar means all calendars.
func (s *Store) GetEventsWithMetadata(ctx context.Context, calendar string) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	if calendar != "" {
		where = append(where, "calendar_name = ?")
		args = append(args, calendar)
	}
	return s.queryEvents(ctx, where, args)
}

// Event returns one cached event with metadata.
func (s *Store) Event(ctx context.Context, id string) (mo.Option[*models.Event], error) {
	events, err := s.queryEvents(ctx, []string{"id = ?"}, []any{id})
	if err != nil {
		return mo.None[*models.Event](), err
	}
	if len(events) == 0 {
		return mo.None[*models.Event](), nil
	}
	return mo.Some(events[0]), nil
}

// Metadata returns the provenance of one cached event. None means the id is
// not cached; an error means the lookup itself failed.
func (s *Store) Metadata(ctx context.Context, id string) (mo.Option[models.Metadata], error) {
	event, err := s.Event(ctx, id)
	if err != nil {
		return mo.None[models.Metadata](), err
	}
	e, ok := event.Get()
	if !ok {
		return mo.None[models.Metadata](), nil
	}
	return mo.Some(e.Meta), nil
}

// GetCalendarStats counts cached events per calendar, largest first.
func (s *Store) GetCalendarStats(ctx context.Context) ([]CalendarStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar_name, COUNT(*) AS n
		FROM events
		GROUP BY calendar_name
		ORDER BY n DESC, calendar_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query calendar stats: %w", err)
	}
	defer rows.Close()

	var stats []CalendarStat
	for rows.Next() {
		var st CalendarStat
		if err := rows.Scan(&st.Calendar, &st.Count); err != nil {
			return nil, fmt.Errorf("scan calendar stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SaveEvents upserts events by id in one transaction. Every saved row gets
// a fresh last-synced time.
func (s *Store) SaveEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := s.now()
	query := s.rebind(upsertEvent)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			args, err := s.eventArgs(e, now)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("save event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// ClearOldEvents removes events last synced before cutoff and returns how
// many were removed. Deletion records are not touched.
func (s *Store) ClearOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM events WHERE last_synced < ?"), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("clear old events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryEvents(ctx context.Context, where []string, args []any) ([]*models.Event, error) {
	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

func (s *Store) eventArgs(e *models.Event, now time.Time) ([]any, error) {
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	day, err := e.Day(s.location)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	startAt, err := s.startAt(e)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}

	attendees, err := encodeList(e.Attendees)
	if err != nil {
		return nil, err
	}
	categories, err := encodeList(e.Categories)
	if err != nil {
		return nil, err
	}
	attachments, err := encodeList(e.Attachments)
	if err != nil {
		return nil, err
	}
	var lat, lon sql.NullFloat64
	if e.Geo != nil {
		lat = sql.NullFloat64{Float64: e.Geo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: e.Geo.Lon, Valid: true}
	}

	m := e.Meta
	return []any{
		e.ID, e.Title, day, strings.TrimSpace(e.Time), startAt, e.Start, e.End,
		e.Duration, e.Timezone, e.Description, e.Location, e.Organizer, attendees, categories,
		e.Priority, e.Status, e.Visibility, e.Transparency, lat, lon, e.URL, attachments,
		e.RRule, e.Sequence, m.CalendarName, m.CalendarPath, m.Filename,
		m.OriginalDate, m.OriginalTime, m.OriginalDuration, m.CreationSource, m.SyncStatus,
		millis(m.LocalModified), now.UnixMilli(),
	}, nil
}

// startAt prefers the stored instant and falls back to date and time.
func (s *Store) startAt(e *models.Event) (int64, error) {
	if e.Start != "" && !e.IsAllDay() {
		if t, err := time.Parse(time.RFC3339, e.Start); err == nil {
			return t.UnixMilli(), nil
		}
	}
	t, err := e.StartInstant(s.location)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		e                                  models.Event
		startAt, localModified, lastSynced int64
		attendees, categories, attachments string
		lat, lon                           sql.NullFloat64
	)
	m := &e.Meta
	err := row.Scan(
		&e.ID, &e.Title, &e.Date, &e.Time, &startAt, &e.Start, &e.End,
		&e.Duration, &e.Timezone, &e.Description, &e.Location, &e.Organizer, &attendees, &categories,
		&e.Priority, &e.Status, &e.Visibility, &e.Transparency, &lat, &lon, &e.URL, &attachments,
		&e.RRule, &e.Sequence, &m.CalendarName, &m.CalendarPath, &m.Filename,
		&m.OriginalDate, &m.OriginalTime, &m.OriginalDuration, &m.CreationSource, &m.SyncStatus,
		&localModified, &lastSynced,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	m.LocalModified = fromMillis(localModified)
	m.LastSynced = fromMillis(lastSynced)
	if lat.Valid && lon.Valid {
		e.Geo = &models.Geo{Lat: lat.Float64, Lon: lon.Float64}
	}
	if e.Attendees, err = decodeList(attendees); err != nil {
		return nil, fmt.Errorf("event %s attendees: %w", e.ID, err)
	}
	if e.Categories, err = decodeList(categories); err != nil {
		return nil, fmt.Errorf("event %s categories: %w", e.ID, err)
	}
	if e.Attachments, err = decodeList(attachments); err != nil {
		return nil, fmt.Errorf("event %s attachments: %w", e.ID, err)
	}
	return &e, nil
}

func encodeList(list []string) (string, error) {
	if len(list) == 0 {
		return "", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
