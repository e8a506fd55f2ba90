// Package ics converts between cached events and the remote calendar's
// iCalendar objects, and unpacks CalDAV multistatus listings.
package ics

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

const (
	utcLayout  = "20060102T150405Z"
	dateLayout = "20060102"
	prodID     = "-//calmirror//EN"
)

// ErrMalformed is returned when a calendar object cannot be decoded.
var ErrMalformed = errors.New("malformed calendar object")

// Codec encodes and decodes calendar objects. Decoded local dates and times
// are expressed in the event's own zone when it has one, otherwise in
// Location.
type Codec struct {
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewCodec creates a Codec. A nil location means UTC.
func NewCodec(location *time.Location, logger *slog.Logger) *Codec {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Codec{location: location, logger: logger, now: time.Now}
}
