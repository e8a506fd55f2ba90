package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Creation sources recorded in Metadata.CreationSource.
const (
	SourceCalDAV = "caldav"
	SourceLocal  = "local"
)

// Sync states recorded in Metadata.SyncStatus.
const (
	SyncStatusSynced  = "synced"
	SyncStatusPending = "pending"
)

// AllDayMarker is accepted in Event.Time as an explicit all-day value.
const AllDayMarker = "All Day"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ErrValidation is returned when an event is missing required fields or
// carries values outside their allowed set.
var ErrValidation = errors.New("invalid event")

var (
	validStatuses     = []string{"CONFIRMED", "TENTATIVE", "CANCELLED"}
	validVisibilities = []string{"PUBLIC", "PRIVATE", "CONFIDENTIAL"}
	validTransparency = []string{"OPAQUE", "TRANSPARENT"}
)

// Geo is a latitude/longitude pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event represents a calendar event as held in the local cache.
// Content fields mirror the remote calendar object; Meta holds the
// locally owned provenance fields that a remote fetch never overwrites.
type Event struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Date     string `json:"date"`               // YYYY-MM-DD in the event's zone
	Time     string `json:"time,omitempty"`     // HH:MM, empty for all-day events
	Start    string `json:"start,omitempty"`    // RFC 3339 instant
	End      string `json:"end,omitempty"`      // RFC 3339 instant
	Duration string `json:"duration,omitempty"` // RFC 5545 duration, e.g. PT1H30M
	Timezone string `json:"timezone,omitempty"`

	Description  string   `json:"description,omitempty"`
	Location     string   `json:"location,omitempty"`
	Organizer    string   `json:"organizer,omitempty"`
	Attendees    []string `json:"attendees,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Status       string   `json:"status,omitempty"`
	Visibility   string   `json:"visibility,omitempty"`
	Transparency string   `json:"transparency,omitempty"`
	Geo          *Geo     `json:"geo,omitempty"`
	URL          string   `json:"url,omitempty"`
	Attachments  []string `json:"attachments,omitempty"`
	RRule        string   `json:"rrule,omitempty"`
	Sequence     int      `json:"sequence,omitempty"`

	// Set only on occurrences generated from a recurrence rule.
	RecurringInstance bool   `json:"isRecurringInstance,omitempty"`
	OriginalEventID   string `json:"originalEventId,omitempty"`

	Meta Metadata `json:"meta"`
}

// Metadata is the provenance and sync bookkeeping attached to a cached event.
type Metadata struct {
	CalendarName     string    `json:"calendar_name,omitempty"`
	CalendarPath     string    `json:"calendar_path,omitempty"`
	Filename         string    `json:"caldav_filename,omitempty"`
	OriginalDate     string    `json:"original_date,omitempty"`
	OriginalTime     string    `json:"original_time,omitempty"`
	OriginalDuration string    `json:"original_duration,omitempty"`
	CreationSource   string    `json:"creation_source,omitempty"`
	SyncStatus       string    `json:"sync_status,omitempty"`
	LocalModified    time.Time `json:"local_modified,omitzero"`
	LastSynced       time.Time `json:"last_synced,omitzero"`
}

// HasRemote reports whether the metadata locates a remote calendar object.
func (m Metadata) HasRemote() bool {
	return m.Filename != "" && m.CalendarPath != ""
}

// DeletedEvent is an entry in the local deletion log.
type DeletedEvent struct {
	ID           string    `json:"id"`
	DeletedAt    time.Time `json:"deleted_at"`
	Synced       bool      `json:"synced_to_caldav"`
	CalendarName string    `json:"calendar_name,omitempty"`
	CalendarPath string    `json:"calendar_path,omitempty"`
	Filename     string    `json:"caldav_filename,omitempty"`
	Attempts     int       `json:"attempts"`
}

// CalendarDescriptor is a static registry entry for one remote calendar.
type CalendarDescriptor struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
}

// IsAllDay reports whether the event has no time of day.
func (e *Event) IsAllDay() bool {
	t := strings.TrimSpace(e.Time)
	return t == "" || strings.EqualFold(t, AllDayMarker)
}

// IsRecurring reports whether the event carries a recurrence rule.
func (e *Event) IsRecurring() bool {
	return strings.TrimSpace(e.RRule) != ""
}

// Zone returns the zone named by the event's Timezone, or fallback when
// the event has none or it cannot be resolved. A nil fallback means UTC.
func (e *Event) Zone(fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if e.Timezone == "" {
		return fallback
	}
	if loc, ok := LookupLocation(e.Timezone); ok {
		return loc
	}
	return fallback
}

// Day returns the calendar day of the event as YYYY-MM-DD.
func (e *Event) Day(fallback *time.Location) (string, error) {
	d := strings.TrimSpace(e.Date)
	if d == "" && e.Start != "" {
		t, err := time.Parse(time.RFC3339, e.Start)
		if err != nil {
			return "", fmt.Errorf("%w: start %q: %v", ErrValidation, e.Start, err)
		}
		return t.In(e.Zone(fallback)).Format(DateLayout), nil
	}
	if len(d) > len(DateLayout) {
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return t.In(e.Zone(fallback)).Format(DateLayout), nil
		}
		d = d[:len(DateLayout)]
	}
	if _, err := time.Parse(DateLayout, d); err != nil {
		return "", fmt.Errorf("%w: date %q", ErrValidation, e.Date)
	}
	return d, nil
}

// StartInstant combines the event's date and time in its zone. All-day
// events start at midnight of their day.
func (e *Event) StartInstant(fallback *time.Location) (time.Time, error) {
	loc := e.Zone(fallback)
	day, err := e.Day(fallback)
	if err != nil {
		return time.Time{}, err
	}
	if e.IsAllDay() {
		return time.ParseInLocation(DateLayout, day, loc)
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, day+" "+strings.TrimSpace(e.Time), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q", ErrValidation, e.Time)
	}
	return t, nil
}

// Localize fills Date and Time from Start, converting into the event's
// timezone. Conversion falls back to UTC when the zone is unknown.
func (e *Event) Localize() {
	if e.Start == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, e.Start)
	if err != nil {
		return
	}
	loc := time.UTC
	if e.Timezone != "" {
		if l, ok := LookupLocation(e.Timezone); ok {
			loc = l
		}
	}
	local := t.In(loc)
	e.Date = local.Format(DateLayout)
	if !strings.EqualFold(strings.TrimSpace(e.Time), AllDayMarker) {
		e.Time = local.Format(TimeLayout)
	}
}

// Validate checks the fields required before any remote or local write.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(e.Date) == "" && e.Start == "" {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if _, err := e.StartInstant(time.UTC); err != nil {
		return err
	}
	if e.Status != "" && !oneOf(e.Status, validStatuses) {
		return fmt.Errorf("%w: status %q", ErrValidation, e.Status)
	}
	if e.Visibility != "" && !oneOf(e.Visibility, validVisibilities) {
		return fmt.Errorf("%w: visibility %q", ErrValidation, e.Visibility)
	}
	if e.Transparency != "" && !oneOf(e.Transparency, validTransparency) {
		return fmt.Errorf("%w: transparency %q", ErrValidation, e.Transparency)
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
