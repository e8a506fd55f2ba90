package caldav

import (
	"context"
	"fmt"
	"path"
	"strings"

	"calmirror/internal/models"
)

// Discover lists the calendars in the account's calendar home set. The
// returned descriptors use the last path segment as their name, which can be
// pasted into the registry configuration.
func (s *Session) Discover(ctx context.Context) ([]models.CalendarDescriptor, error) {
	principalPath, err := s.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := s.dav.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := s.dav.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}

	out := make([]models.CalendarDescriptor, 0, len(calendars))
	for _, cal := range calendars {
		display := cal.Name
		name := strings.ToLower(path.Base(strings.TrimSuffix(cal.Path, "/")))
		if display == "" {
			display = name
		}
		out = append(out, models.CalendarDescriptor{Name: name, Path: cal.Path, DisplayName: display})
	}
	s.logger.Info("Discovered calendars", "principal", principalPath, "home", homeSetPath, "count", len(out))
	return out, nil
}
