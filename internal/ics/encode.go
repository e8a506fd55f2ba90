package ics

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calmirror/internal/models"
)

// Encode serializes an event into a VCALENDAR object holding one VEVENT.
// Timed events are written as UTC instants with seconds cleared; all-day
// events get a date-only start and an end one day later.
func (c *Codec) Encode(e *models.Event) (string, error) {
	if strings.TrimSpace(e.ID) == "" {
		return "", fmt.Errorf("%w: id is required", models.ErrValidation)
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	vevent := ical.NewEvent()
	vevent.Props.Set(textProp(ical.PropUID, e.ID))
	vevent.Props.Set(textProp(ical.PropSummary, e.Title))
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC().Truncate(time.Second))
	vevent.Props.Set(rawProp(ical.PropSequence, strconv.Itoa(e.Sequence)))

	if err := c.setDates(vevent.Component, e); err != nil {
		return "", err
	}

	if e.Description != "" {
		vevent.Props.Set(textProp(ical.PropDescription, e.Description))
	}
	if e.Location != "" {
		vevent.Props.Set(textProp(ical.PropLocation, e.Location))
	}
	if e.Organizer != "" {
		vevent.Props.Set(rawProp(ical.PropOrganizer, mailto(e.Organizer)))
	}
	for _, a := range e.Attendees {
		if a = strings.TrimSpace(a); a != "" {
			vevent.Props.Add(rawProp(ical.PropAttendee, mailto(a)))
		}
	}
	if len(e.Categories) > 0 {
		cats := make([]string, 0, len(e.Categories))
		for _, cat := range e.Categories {
			cats = append(cats, stripCR(cat))
		}
		p := ical.NewProp(ical.PropCategories)
		p.SetTextList(cats)
		vevent.Props.Set(p)
	}
	if e.Priority > 0 {
		vevent.Props.Set(rawProp(ical.PropPriority, strconv.Itoa(e.Priority)))
	}
	if e.Status != "" {
		vevent.Props.Set(rawProp(ical.PropStatus, strings.ToUpper(e.Status)))
	}
	if e.Visibility != "" {
		vevent.Props.Set(rawProp(ical.PropClass, strings.ToUpper(e.Visibility)))
	}
	if e.Transparency != "" {
		vevent.Props.Set(rawProp(ical.PropTransparency, strings.ToUpper(e.Transparency)))
	}
	if e.Geo != nil {
		vevent.Props.Set(rawProp(ical.PropGeo,
			strconv.FormatFloat(e.Geo.Lat, 'f', -1, 64)+";"+strconv.FormatFloat(e.Geo.Lon, 'f', -1, 64)))
	}
	if e.URL != "" {
		vevent.Props.Set(rawProp(ical.PropURL, e.URL))
	}
	for _, a := range e.Attachments {
		if a != "" {
			vevent.Props.Add(rawProp(ical.PropAttach, a))
		}
	}
	if rule := strings.TrimPrefix(strings.TrimSpace(e.RRule), "RRULE:"); rule != "" {
		vevent.Props.Set(rawProp(ical.PropRecurrenceRule, rule))
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, vevent.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar object: %w", err)
	}
	return buf.String(), nil
}

func (c *Codec) setDates(vevent *ical.Component, e *models.Event) error {
	start, err := e.StartInstant(c.location)
	if err != nil {
		return err
	}

	if e.IsAllDay() {
		vevent.Props.Set(dateProp(ical.PropDateTimeStart, start))
		vevent.Props.Set(dateProp(ical.PropDateTimeEnd, start.AddDate(0, 0, 1)))
		return nil
	}

	start = start.UTC().Truncate(time.Minute)
	vevent.Props.Set(rawProp(ical.PropDateTimeStart, start.Format(utcLayout)))

	end, ok, err := c.explicitEnd(e, start)
	if err != nil {
		return err
	}
	switch {
	case ok:
		vevent.Props.Set(rawProp(ical.PropDateTimeEnd, end.UTC().Truncate(time.Minute).Format(utcLayout)))
	case e.Duration != "":
		vevent.Props.Set(rawProp(ical.PropDuration, e.Duration))
	default:
		vevent.Props.Set(rawProp(ical.PropDateTimeEnd, start.Add(time.Hour).Format(utcLayout)))
	}
	return nil
}

// explicitEnd resolves Event.End, which may be an RFC 3339 instant or a
// bare HH:MM on the start day. An HH:MM at or before the start rolls over
// to the next day.
func (c *Codec) explicitEnd(e *models.Event, start time.Time) (time.Time, bool, error) {
	raw := strings.TrimSpace(e.End)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true, nil
	}
	clock, err := time.Parse(models.TimeLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: end %q", models.ErrValidation, e.End)
	}
	local := start.In(e.Zone(c.location))
	end := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, local.Location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true, nil
}

func textProp(name, value string) *ical.Prop {
	p := ical.NewProp(name)
	p.SetText(stripCR(value))
	return p
}

func rawProp(name, value string) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = stripCR(value)
	return p
}

func stripCR(s string) string {
	return strings.ReplaceAll(s, "\r", "")
}

func dateProp(name string, t time.Time) *ical.Prop {
	p := ical.NewProp(name)
	if p.Params == nil {
		p.Params = make(ical.Params)
	}
	p.Params.Set(ical.ParamValue, string(ical.ValueDate))
	p.Value = t.Format(dateLayout)
	return p
}

func mailto(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return "mailto:" + addr
}
