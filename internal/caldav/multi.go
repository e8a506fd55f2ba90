package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"calmirror/internal/models"
)

// CalendarInfo summarises one registered calendar. Count is -1 when the
// calendar could not be queried.
type CalendarInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Path        string `json:"path"`
	Count       int    `json:"count"`
}

// FetchResult is the union of all calendars fetched in one pass.
type FetchResult struct {
	Events []*models.Event
	// Fetched names the calendars whose listing succeeded.
	Fetched []string
	// Failed maps calendar name to the error its listing returned.
	Failed map[string]error
}

// MultiClient routes calendar operations over the registry.
type MultiClient struct {
	registry    *Registry
	open        func(path string) Calendar
	logger      *slog.Logger
	concurrency int

	mu      sync.Mutex
	clients map[string]Calendar
}

// NewMultiClient creates a MultiClient. open builds the adapter for a
// collection path; concurrency bounds parallel per-calendar requests.
func NewMultiClient(registry *Registry, open func(path string) Calendar, concurrency int, logger *slog.Logger) *MultiClient {
	if concurrency < 1 {
		concurrency = 1
	}
	m := &MultiClient{
		registry:    registry,
		open:        open,
		logger:      logger,
		concurrency: concurrency,
		clients:     make(map[string]Calendar),
	}
	for _, cal := range registry.Calendars() {
		m.clients[cal.Path] = open(cal.Path)
	}
	return m
}

// SessionOpener adapts a Session to NewMultiClient.
func SessionOpener(s *Session) func(path string) Calendar {
	return func(path string) Calendar { return s.Calendar(path) }
}

// client returns the adapter for a path, opening one for paths outside the
// registry so that events stored under a retired calendar can still be
// removed.
func (m *MultiClient) client(path string) Calendar {
	path = normalizePath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[path]
	if !ok {
		c = m.open(path)
		m.clients[path] = c
	}
	return c
}

// GetAllCalendars counts the events of every registered calendar. A failed
// calendar reports a count of -1 and does not affect the others.
func (m *MultiClient) GetAllCalendars(ctx context.Context) []CalendarInfo {
	calendars := m.registry.Calendars()
	out := make([]CalendarInfo, len(calendars))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, cal := range calendars {
		i, cal := i, cal
		g.Go(func() error {
			info := CalendarInfo{Name: cal.Name, DisplayName: cal.DisplayName, Path: cal.Path}
			n, err := m.client(cal.Path).Count(ctx)
			if err != nil {
				m.logger.Error("Failed to count calendar events", "calendar", cal.Name, "error", err)
				n = -1
			}
			info.Count = n
			out[i] = info
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// GetAllEventsFromAllCalendars lists every registered calendar and stamps
// each event with its calendar name, path and filename. Failed calendars are
// logged and reported in FetchResult.Failed; an error is returned only when
// every calendar failed.
func (m *MultiClient) GetAllEventsFromAllCalendars(ctx context.Context) (FetchResult, error) {
	calendars := m.registry.Calendars()
	entries := make([][]Entry, len(calendars))
	errs := make([]error, len(calendars))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, cal := range calendars {
		i, cal := i, cal
		g.Go(func() error {
			entries[i], errs[i] = m.client(cal.Path).List(ctx)
			return nil
		})
	}
	_ = g.Wait()

	result := FetchResult{Failed: make(map[string]error)}
	for i, cal := range calendars {
		if errs[i] != nil {
			m.logger.Error("Failed to fetch calendar", "calendar", cal.Name, "error", errs[i])
			result.Failed[cal.Name] = errs[i]
			continue
		}
		result.Fetched = append(result.Fetched, cal.Name)
		for _, entry := range entries[i] {
			entry.Event.Meta.CalendarName = cal.Name
			entry.Event.Meta.CalendarPath = cal.Path
			entry.Event.Meta.Filename = entry.Filename
			result.Events = append(result.Events, entry.Event)
		}
		m.logger.Debug("Fetched calendar", "calendar", cal.Name, "count", len(entries[i]))
	}

	if len(result.Fetched) == 0 {
		return result, fmt.Errorf("all %d calendars failed: %w", len(calendars), errors.Join(errs...))
	}
	return result, nil
}

// CreateEventInCalendar creates event in the named calendar and returns the
// calendar it landed in and the new filename.
func (m *MultiClient) CreateEventInCalendar(ctx context.Context, name string, event *models.Event) (models.CalendarDescriptor, string, error) {
	cal, err := m.registry.Resolve(name)
	if err != nil {
		return models.CalendarDescriptor{}, "", err
	}
	filename, err := m.client(cal.Path).Create(ctx, event)
	if err != nil {
		return cal, "", err
	}
	return cal, filename, nil
}

// UpdateEventInCalendar replaces the object stored under filename in the
// calendar at path.
func (m *MultiClient) UpdateEventInCalendar(ctx context.Context, path string, event *models.Event, filename string) error {
	if path == "" {
		return fmt.Errorf("%w: calendar path is required", models.ErrValidation)
	}
	return m.client(path).Update(ctx, event, filename)
}

// DeleteEventFromCalendar removes the object stored under filename in the
// calendar at path.
func (m *MultiClient) DeleteEventFromCalendar(ctx context.Context, path, filename string) error {
	if path == "" {
		return fmt.Errorf("%w: calendar path is required", models.ErrValidation)
	}
	return m.client(path).Delete(ctx, filename)
}
