package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calmirror/internal/models"
)

// Decode parses one calendar object. UID, SUMMARY and DTSTART are required.
// A date-only DTSTART yields an all-day event; otherwise the start is kept
// as an RFC 3339 instant and localized into Date and Time.
func (c *Codec) Decode(text string) (*models.Event, error) {
	cal, err := ical.NewDecoder(strings.NewReader(normalizeNewlines(text))).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	vevent := masterEvent(cal.Events())
	if vevent == nil {
		return nil, fmt.Errorf("%w: no VEVENT", ErrMalformed)
	}

	uid := propValue(vevent.Component, ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrMalformed)
	}
	summary := textValue(vevent.Component, ical.PropSummary)
	if strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("%w: missing SUMMARY (uid %s)", ErrMalformed, uid)
	}
	dtstart := vevent.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil || dtstart.Value == "" {
		return nil, fmt.Errorf("%w: missing DTSTART (uid %s)", ErrMalformed, uid)
	}

	e := &models.Event{ID: uid, Title: summary}
	if err := c.decodeStart(e, dtstart); err != nil {
		return nil, fmt.Errorf("%w: uid %s: %v", ErrMalformed, uid, err)
	}
	if dtend := vevent.Props.Get(ical.PropDateTimeEnd); dtend != nil && !e.IsAllDay() {
		if end, _, err := c.parseTime(dtend); err == nil {
			e.End = end.UTC().Format(time.RFC3339)
		}
	}

	e.Duration = propValue(vevent.Component, ical.PropDuration)
	e.Description = textValue(vevent.Component, ical.PropDescription)
	e.Location = textValue(vevent.Component, ical.PropLocation)
	e.Organizer = stripMailto(propValue(vevent.Component, ical.PropOrganizer))
	for _, p := range vevent.Props[ical.PropAttendee] {
		if v := stripMailto(p.Value); v != "" {
			e.Attendees = append(e.Attendees, v)
		}
	}
	for _, p := range vevent.Props[ical.PropCategories] {
		cats, err := p.TextList()
		if err != nil {
			c.logger.Warn("Ignoring malformed CATEGORIES", "uid", uid, "error", err)
			continue
		}
		e.Categories = append(e.Categories, cats...)
	}
	if v := propValue(vevent.Component, ical.PropPriority); v != "" {
		e.Priority, _ = strconv.Atoi(v)
	}
	if v := propValue(vevent.Component, ical.PropSequence); v != "" {
		e.Sequence, _ = strconv.Atoi(v)
	}
	e.Status = strings.ToUpper(propValue(vevent.Component, ical.PropStatus))
	e.Visibility = strings.ToUpper(propValue(vevent.Component, ical.PropClass))
	e.Transparency = strings.ToUpper(propValue(vevent.Component, ical.PropTransparency))
	if v := propValue(vevent.Component, ical.PropGeo); v != "" {
		e.Geo = parseGeo(v)
	}
	e.URL = propValue(vevent.Component, ical.PropURL)
	for _, p := range vevent.Props[ical.PropAttach] {
		if p.Value != "" {
			e.Attachments = append(e.Attachments, p.Value)
		}
	}
	e.RRule = propValue(vevent.Component, ical.PropRecurrenceRule)

	return e, nil
}

func (c *Codec) decodeStart(e *models.Event, p *ical.Prop) error {
	t, allDay, err := c.parseTime(p)
	if err != nil {
		return err
	}
	if allDay {
		e.Date = t.Format(models.DateLayout)
		return nil
	}

	loc := c.location
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, ok := models.LookupLocation(tzid); ok {
			e.Timezone = tzid
			loc = l
		}
	}
	local := t.In(loc)
	e.Start = t.UTC().Format(time.RFC3339)
	e.Date = local.Format(models.DateLayout)
	e.Time = local.Format(models.TimeLayout)
	return nil
}

// parseTime reads a DATE or DATE-TIME property value. Floating times are
// read in the property's TZID zone, falling back to the codec's zone.
func (c *Codec) parseTime(p *ical.Prop) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation(dateLayout, v, time.UTC)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(utcLayout, v)
		return t, false, err
	}
	loc := c.location
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, ok := models.LookupLocation(tzid); ok {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}

// masterEvent picks the VEVENT that is not a RECURRENCE-ID override.
func masterEvent(events []ical.Event) *ical.Event {
	for i := range events {
		if events[i].Props.Get(ical.PropRecurrenceID) == nil {
			return &events[i]
		}
	}
	if len(events) > 0 {
		return &events[0]
	}
	return nil
}

// textValue reads an unescaped TEXT property, falling back to the raw value
// when the property declares another value type.
func textValue(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		return strings.TrimSpace(p.Value)
	}
	return strings.TrimSpace(v)
}

func propValue(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func stripMailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

func parseGeo(v string) *models.Geo {
	parts := strings.SplitN(v, ";", 2)
	if len(parts) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &models.Geo{Lat: lat, Lon: lon}
}

// normalizeNewlines restores CRLF line endings, which XML parsing folds to LF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}
