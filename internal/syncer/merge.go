package syncer

import (
	"strings"

	"calmirror/internal/models"
)

// Merge builds the cache row for a fetched event, given the cached row with
// the same id or nil. Field precedence:
//
//	content (title, dates, text, people, rrule, ...)   fetched
//	calendar_name, calendar_path, caldav_filename      fetched, else cached
//	original_date, original_time, original_duration    cached if set, else fetched date/time/duration
//	creation_source                                    cached if set, else "caldav"
//	sync_status                                        "synced"
//	local_modified                                     cached
//
// Neither argument is modified.
func Merge(existing, fetched *models.Event) *models.Event {
	merged := *fetched
	merged.RecurringInstance = false
	merged.OriginalEventID = ""

	var cached models.Metadata
	if existing != nil {
		cached = existing.Meta
	}
	in := fetched.Meta

	merged.Meta = models.Metadata{
		CalendarName:     firstNonEmpty(in.CalendarName, cached.CalendarName),
		CalendarPath:     firstNonEmpty(in.CalendarPath, cached.CalendarPath),
		Filename:         firstNonEmpty(in.Filename, cached.Filename),
		OriginalDate:     firstNonEmpty(cached.OriginalDate, fetched.Date),
		OriginalTime:     firstNonEmpty(cached.OriginalTime, strings.TrimSpace(fetched.Time)),
		OriginalDuration: firstNonEmpty(cached.OriginalDuration, fetched.Duration),
		CreationSource:   firstNonEmpty(cached.CreationSource, models.SourceCalDAV),
		SyncStatus:       models.SyncStatusSynced,
		LocalModified:    cached.LocalModified,
	}
	return &merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
