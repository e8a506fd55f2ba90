// Package recurrence expands recurring events into concrete occurrences.
package recurrence

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calmirror/internal/models"
)

const (
	// Lookahead used by IsVisible for recurring events.
	visibilityLookahead = 3 // months
	// Upper bound on occurrences generated for one event and window.
	maxOccurrences = 1000
)

// Expander generates occurrences of recurring events.
type Expander struct {
	location *time.Location
	logger   *slog.Logger
}

// NewExpander creates an Expander. loc places events that have a local date
// and time but no zone of their own; nil means UTC.
func NewExpander(loc *time.Location, logger *slog.Logger) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Expander{location: loc, logger: logger}
}

// Expand returns events with every recurring event replaced by its
// occurrences in [start, end], both ends inclusive. A recurring event whose
// own start lies in the window is kept as well. Non-recurring events and
// events whose rule cannot be parsed pass through unchanged.
func (x *Expander) Expand(events []*models.Event, start, end time.Time) []*models.Event {
	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		if !e.IsRecurring() {
			out = append(out, e)
			continue
		}

		anchor, times, err := x.occurrences(e, start, end)
		if err != nil {
			x.logger.Error("Failed to expand recurrence rule", "id", e.ID, "rrule", e.RRule, "error", err)
			out = append(out, e)
			continue
		}
		if !anchor.Before(start) && !anchor.After(end) {
			out = append(out, e)
		}
		for _, t := range times {
			out = append(out, x.occurrence(e, anchor, t))
		}
	}
	return out
}

// IsVisible reports whether e should be listed as upcoming at ref. A
// one-off event is visible from ref onwards up to its day; a recurring one
// while it has an occurrence within the next three months.
func (x *Expander) IsVisible(e *models.Event, ref time.Time) bool {
	if e.IsRecurring() {
		_, times, err := x.occurrences(e, ref, ref.AddDate(0, visibilityLookahead, 0))
		if err == nil {
			return len(times) > 0
		}
		x.logger.Warn("Treating unparseable recurring event as one-off", "id", e.ID, "error", err)
	}

	loc := e.Zone(x.location)
	startAt, err := e.StartInstant(x.location)
	if err != nil {
		return false
	}
	if e.IsAllDay() {
		r := ref.In(loc)
		refDay := time.Date(r.Year(), r.Month(), r.Day(), 0, 0, 0, 0, loc)
		return !startAt.Before(refDay)
	}
	return !startAt.Before(ref)
}

// occurrences parses e's rule and lists its instants in [start, end]. The
// event's own start anchors rules that do not carry a DTSTART.
func (x *Expander) occurrences(e *models.Event, start, end time.Time) (time.Time, []time.Time, error) {
	anchor, err := e.StartInstant(x.location)
	if err != nil {
		return time.Time{}, nil, err
	}

	raw := strings.TrimSpace(e.RRule)
	var set *rrule.Set
	if strings.Contains(strings.ToUpper(raw), "DTSTART") {
		set, err = rrule.StrToRRuleSet(raw)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("parse rrule: %w", err)
		}
		anchor = set.GetDTStart()
	} else {
		opt, err := rrule.StrToROption(strings.TrimPrefix(raw, "RRULE:"))
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("parse rrule: %w", err)
		}
		opt.Dtstart = anchor
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("build rrule: %w", err)
		}
		set = &rrule.Set{}
		set.RRule(r)
	}

	loc := anchor.Location()
	times := set.Between(start.In(loc), end.In(loc), true)
	if len(times) > maxOccurrences {
		x.logger.Warn("Truncating recurrence expansion", "id", e.ID, "occurrences", len(times))
		times = times[:maxOccurrences]
	}
	return anchor, times, nil
}

// occurrence copies e onto the instant t.
func (x *Expander) occurrence(e *models.Event, anchor, t time.Time) *models.Event {
	occ := *e
	occ.ID = fmt.Sprintf("%s_recur_%d", e.ID, t.UnixMilli())
	occ.RecurringInstance = true
	occ.OriginalEventID = e.ID

	local := t.In(e.Zone(x.location))
	occ.Date = local.Format(models.DateLayout)
	if !e.IsAllDay() {
		occ.Time = local.Format(models.TimeLayout)
		occ.Start = t.UTC().Format(time.RFC3339)
		if end, err := time.Parse(time.RFC3339, e.End); err == nil {
			occ.End = t.Add(end.Sub(anchor)).UTC().Format(time.RFC3339)
		}
	}
	occ.Attendees = append([]string(nil), e.Attendees...)
	occ.Categories = append([]string(nil), e.Categories...)
	occ.Attachments = append([]string(nil), e.Attachments...)
	return &occ
}
