package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/caldav"
	"calmirror/internal/models"
	"calmirror/internal/recurrence"
	"calmirror/internal/store"
	"calmirror/internal/syncer"
)

type fakeRemote struct {
	mu        sync.Mutex
	calls     []string
	createErr error
	deleteErr error
}

var calendars = map[string]models.CalendarDescriptor{
	"work": {Name: "work", Path: "/cal/work/", DisplayName: "Work"},
	"home": {Name: "home", Path: "/cal/home/", DisplayName: "Home"},
}

func (f *fakeRemote) GetAllCalendars(context.Context) []caldav.CalendarInfo {
	return []caldav.CalendarInfo{{Name: "work", DisplayName: "Work", Path: "/cal/work/", Count: 1}}
}

func (f *fakeRemote) CreateEventInCalendar(_ context.Context, name string, e *models.Event) (models.CalendarDescriptor, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+name+" "+e.ID)
	if name == "" {
		name = "work"
	}
	cal, ok := calendars[name]
	if !ok {
		return models.CalendarDescriptor{}, "", caldav.ErrUnknownCalendar
	}
	if f.createErr != nil {
		return cal, "", f.createErr
	}
	return cal, e.ID + ".ics", nil
}

func (f *fakeRemote) DeleteEventFromCalendar(_ context.Context, path, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+path+filename)
	return f.deleteErr
}

type fakeSyncer struct{ runs int }

func (f *fakeSyncer) RunCycle(context.Context) (syncer.CycleResult, error) {
	f.runs++
	return syncer.CycleResult{Merged: 3}, nil
}

func newTestService(t *testing.T) (*Service, *fakeRemote, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), logger, store.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"), time.UTC)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	remote := &fakeRemote{}
	svc := New(logger, remote, st, &fakeSyncer{}, recurrence.NewExpander(time.UTC, logger), time.UTC)
	return svc, remote, st
}

func TestCreateEventScenario(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateEvent(ctx, &models.Event{ID: "e1", Title: "Lunch", Date: "2025-08-22", Time: "14:00"}, "work")
	require.NoError(t, err)
	assert.Equal(t, "e1.ics", created.Meta.Filename)
	assert.Equal(t, []string{"create work e1"}, remote.calls)

	meta, err := st.Metadata(ctx, "e1")
	require.NoError(t, err)
	m := meta.MustGet()
	assert.Equal(t, "work", m.CalendarName)
	assert.Equal(t, "/cal/work/", m.CalendarPath)
	assert.Equal(t, "e1.ics", m.Filename)
	assert.Equal(t, models.SyncStatusSynced, m.SyncStatus)
	assert.Equal(t, models.SourceLocal, m.CreationSource)
	assert.Equal(t, "2025-08-22", m.OriginalDate)
	assert.Equal(t, "14:00", m.OriginalTime)
	assert.False(t, m.LocalModified.IsZero())
}

func TestCreateEventGeneratesIDAndLocalizes(t *testing.T) {
	svc, _, _ := newTestService(t)

	created, err := svc.CreateEvent(context.Background(), &models.Event{
		Title:    "Call",
		Start:    "2025-08-22T23:30:00Z",
		Timezone: "Asia/Seoul",
	}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "2025-08-23", created.Date)
	assert.Equal(t, "08:30", created.Time)
	assert.Equal(t, "work", created.Meta.CalendarName)
}

func TestCreateEventFailures(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, &models.Event{ID: "x", Date: "2025-08-22"}, "work")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, remote.calls, "validation happens before any remote call")

	_, err = svc.CreateEvent(ctx, &models.Event{ID: "x", Title: "T", Date: "2025-08-22"}, "nope")
	assert.ErrorIs(t, err, caldav.ErrUnknownCalendar)

	remote.createErr = &caldav.RemoteError{Op: "create", StatusCode: 500, Err: errors.New("boom")}
	_, err = svc.CreateEvent(ctx, &models.Event{ID: "x", Title: "T", Date: "2025-08-22"}, "work")
	assert.Error(t, err)

	events, err := st.GetEvents(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUpdateEventDeleteThenRecreate(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, &models.Event{ID: "e1", Title: "Lunch", Date: "2025-08-22", Time: "14:00"}, "home")
	require.NoError(t, err)

	updated, err := svc.UpdateEvent(ctx, &models.Event{ID: "e1", Title: "Late lunch", Date: "2025-08-22", Time: "15:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"create home e1", "delete /cal/home/e1.ics", "create home e1"}, remote.calls)
	assert.Equal(t, 1, updated.Sequence)

	row, err := st.Event(ctx, "e1")
	require.NoError(t, err)
	e := row.MustGet()
	assert.Equal(t, "Late lunch", e.Title)
	assert.Equal(t, "15:00", e.Time)
	assert.Equal(t, "2025-08-22T15:00:00Z", e.Start)
	assert.Equal(t, "home", e.Meta.CalendarName)
	assert.Equal(t, "14:00", e.Meta.OriginalTime)
	assert.Equal(t, models.SourceLocal, e.Meta.CreationSource)
}

func TestUpdateEventToAllDay(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateEvent(ctx, &models.Event{ID: "e1", Title: "Lunch", Date: "2025-08-22", Time: "14:00"}, "work")
	require.NoError(t, err)
	require.Equal(t, "2025-08-22T14:00:00Z", created.Start)

	edit := *created
	edit.Time = ""
	updated, err := svc.UpdateEvent(ctx, &edit)
	require.NoError(t, err)
	assert.True(t, updated.IsAllDay())
	assert.Empty(t, updated.Time)
	assert.Empty(t, updated.Start)

	row, err := st.Event(ctx, "e1")
	require.NoError(t, err)
	e := row.MustGet()
	assert.True(t, e.IsAllDay())
	assert.Equal(t, "2025-08-22", e.Date)
}

func TestUpdateEventRecreateFailureKeepsCache(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, &models.Event{ID: "e1", Title: "Lunch", Date: "2025-08-22", Time: "14:00"}, "work")
	require.NoError(t, err)
	before, err := st.Event(ctx, "e1")
	require.NoError(t, err)

	remote.createErr = errors.New("create failed")
	_, err = svc.UpdateEvent(ctx, &models.Event{ID: "e1", Title: "Dinner", Date: "2025-08-22", Time: "19:00"})
	require.Error(t, err)
	assert.Contains(t, remote.calls, "delete /cal/work/e1.ics")

	after, err := st.Event(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, before.MustGet(), after.MustGet())
}

func TestUpdateEventRejections(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateEvent(ctx, &models.Event{ID: "missing", Title: "T", Date: "2025-08-22"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.SaveEvents(ctx, []*models.Event{{ID: "bare", Title: "T", Date: "2025-08-22"}}))
	_, err = svc.UpdateEvent(ctx, &models.Event{ID: "bare", Title: "T2", Date: "2025-08-22"})
	assert.ErrorIs(t, err, ErrNoMetadata)

	_, err = svc.UpdateEvent(ctx, &models.Event{ID: "bare", Date: "2025-08-22"})
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Empty(t, remote.calls)
}

func TestDeleteEvent(t *testing.T) {
	svc, remote, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, &models.Event{ID: "ok", Title: "A", Date: "2025-08-22"}, "work")
	require.NoError(t, err)
	_, err = svc.CreateEvent(ctx, &models.Event{ID: "retry", Title: "B", Date: "2025-08-22"}, "work")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteEvent(ctx, "ok"))

	remote.deleteErr = errors.New("offline")
	require.NoError(t, svc.DeleteEvent(ctx, "retry"), "remote failure does not fail the delete")

	events, err := svc.GetEvents(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, events)

	pending, err := st.GetDeletedEventsToSync(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "retry", pending[0].ID)

	assert.ErrorIs(t, svc.DeleteEvent(ctx, "ok"), store.ErrNotFound)
}

func TestGetEventsExpanded(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEvents(ctx, []*models.Event{
		{ID: "weekly", Title: "Standup", Date: "2025-07-04", Time: "10:00", RRule: "FREQ=WEEKLY"},
		{ID: "once", Title: "Party", Date: "2025-08-10", Time: "20:00"},
	}))

	q := Query{Start: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC)}
	plain, err := svc.GetEvents(ctx, q)
	require.NoError(t, err)
	assert.Len(t, plain, 1)

	q.Expand = true
	expanded, err := svc.GetEvents(ctx, q)
	require.NoError(t, err)
	assert.Len(t, expanded, 6, "five weekly occurrences plus the one-off")

	_, err = svc.GetEvents(ctx, Query{Expand: true})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestPassThroughs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEvent(ctx, &models.Event{ID: "a", Title: "A", Date: "2025-08-22"}, "home")
	require.NoError(t, err)

	stats, err := svc.GetCalendarStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.CalendarStat{{Calendar: "home", Count: 1}}, stats)

	assert.Len(t, svc.GetCalendars(ctx), 1)

	res, err := svc.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Merged)

	withMeta, err := svc.GetEventsWithMetadata(ctx, "home")
	require.NoError(t, err)
	require.Len(t, withMeta, 1)
	assert.Equal(t, "a.ics", withMeta[0].Meta.Filename)
}
