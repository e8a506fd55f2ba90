package caldav

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/mo"

	"calmirror/internal/models"
)

// Registry is the fixed set of calendars the process syncs. It is built and
// validated once at startup and never changes afterwards.
type Registry struct {
	calendars   []models.CalendarDescriptor
	byName      map[string]int
	byPath      map[string]int
	defaultName string
}

// NewRegistry validates the descriptors and the default calendar name. An
// empty default selects the first descriptor.
func NewRegistry(calendars []models.CalendarDescriptor, defaultName string) (*Registry, error) {
	if len(calendars) == 0 {
		return nil, errors.New("calendar registry is empty")
	}

	r := &Registry{
		calendars: make([]models.CalendarDescriptor, 0, len(calendars)),
		byName:    make(map[string]int, len(calendars)),
		byPath:    make(map[string]int, len(calendars)),
	}
	for i, cal := range calendars {
		cal.Name = strings.TrimSpace(cal.Name)
		cal.Path = normalizePath(cal.Path)
		switch {
		case cal.Name == "":
			return nil, fmt.Errorf("calendar %d: name is required", i)
		case cal.Path == "":
			return nil, fmt.Errorf("calendar %q: path is required", cal.Name)
		}
		if _, dup := r.byName[cal.Name]; dup {
			return nil, fmt.Errorf("calendar %q: duplicate name", cal.Name)
		}
		if _, dup := r.byPath[cal.Path]; dup {
			return nil, fmt.Errorf("calendar %q: duplicate path %s", cal.Name, cal.Path)
		}
		if cal.DisplayName == "" {
			cal.DisplayName = cal.Name
		}
		r.byName[cal.Name] = len(r.calendars)
		r.byPath[cal.Path] = len(r.calendars)
		r.calendars = append(r.calendars, cal)
	}

	if defaultName == "" {
		defaultName = r.calendars[0].Name
	}
	if _, ok := r.byName[defaultName]; !ok {
		return nil, fmt.Errorf("default calendar %q: %w", defaultName, ErrUnknownCalendar)
	}
	r.defaultName = defaultName
	return r, nil
}

// Calendars returns the descriptors in configuration order.
func (r *Registry) Calendars() []models.CalendarDescriptor {
	out := make([]models.CalendarDescriptor, len(r.calendars))
	copy(out, r.calendars)
	return out
}

// Default returns the calendar used when no name is given.
func (r *Registry) Default() models.CalendarDescriptor {
	return r.calendars[r.byName[r.defaultName]]
}

// Lookup finds a calendar by name.
func (r *Registry) Lookup(name string) mo.Option[models.CalendarDescriptor] {
	if i, ok := r.byName[name]; ok {
		return mo.Some(r.calendars[i])
	}
	return mo.None[models.CalendarDescriptor]()
}

// LookupPath finds a calendar by its collection path.
func (r *Registry) LookupPath(p string) mo.Option[models.CalendarDescriptor] {
	if i, ok := r.byPath[normalizePath(p)]; ok {
		return mo.Some(r.calendars[i])
	}
	return mo.None[models.CalendarDescriptor]()
}

// Resolve maps a requested calendar name to its descriptor. The empty name
// means the default calendar; any other unregistered name is an error.
func (r *Registry) Resolve(name string) (models.CalendarDescriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return r.Default(), nil
	}
	cal, ok := r.Lookup(name).Get()
	if !ok {
		return models.CalendarDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownCalendar, name)
	}
	return cal, nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
