package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"calmirror/internal/models"
	"calmirror/internal/service"
	"calmirror/internal/store"
)

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Query and edit events through the local cache.",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List cached events.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Usage: "Range start, YYYY-MM-DD or RFC 3339."},
					&cli.StringFlag{Name: "end", Usage: "Range end, YYYY-MM-DD or RFC 3339."},
					&cli.StringFlag{Name: "calendar", Usage: "Only events from this calendar."},
					&cli.BoolFlag{Name: "expand", Usage: "Expand recurring events into occurrences. Needs --start and --end."},
					&cli.BoolFlag{Name: "meta", Usage: "Return every cached event with its sync metadata, ignoring the range."},
				},
				Action: withApp(listEvents),
			},
			{
				Name:   "create",
				Usage:  "Create an event on the server and cache it.",
				Flags:  append(eventFlags(), &cli.StringFlag{Name: "calendar", Usage: "Target calendar name. Defaults to calendars.default."}),
				Action: withApp(createEvent),
			},
			{
				Name:   "update",
				Usage:  "Replace an event on the server and in the cache.",
				Flags:  append(eventFlags(), &cli.StringFlag{Name: "id", Required: true, Usage: "Event id."}),
				Action: withApp(updateEvent),
			},
			{
				Name:  "delete",
				Usage: "Delete an event locally and on the server.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "Event id."},
				},
				Action: withApp(func(ctx context.Context, c *cli.Context, a *app) error {
					if err := a.service.DeleteEvent(ctx, c.String("id")); err != nil {
						return err
					}
					a.logger.Info("Deleted event.", "id", c.String("id"))
					return nil
				}),
			},
			{
				Name:  "stats",
				Usage: "Show cached event counts per calendar.",
				Action: withApp(func(ctx context.Context, c *cli.Context, a *app) error {
					stats, err := a.service.GetCalendarStats(ctx)
					if err != nil {
						return err
					}
					return printJSON(stats)
				}),
			},
		},
	}
}

func eventFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "file", Usage: "Read the event as JSON from this file; other flags override its fields."},
		&cli.StringFlag{Name: "title"},
		&cli.StringFlag{Name: "date", Usage: "YYYY-MM-DD."},
		&cli.StringFlag{Name: "time", Usage: "HH:MM, or empty for an all-day event."},
		&cli.StringFlag{Name: "duration", Usage: "RFC 5545 duration such as PT1H."},
		&cli.StringFlag{Name: "end", Usage: "RFC 3339 end instant."},
		&cli.StringFlag{Name: "timezone", Usage: "IANA zone of date and time."},
		&cli.StringFlag{Name: "description"},
		&cli.StringFlag{Name: "location"},
		&cli.StringFlag{Name: "rrule", Usage: "Recurrence rule such as FREQ=WEEKLY;COUNT=4."},
		&cli.StringFlag{Name: "status", Usage: "CONFIRMED, TENTATIVE or CANCELLED."},
		&cli.StringSliceFlag{Name: "category"},
		&cli.StringSliceFlag{Name: "attendee"},
	}
}

func listEvents(ctx context.Context, c *cli.Context, a *app) error {
	if c.Bool("meta") {
		events, err := a.service.GetEventsWithMetadata(ctx, c.String("calendar"))
		if err != nil {
			return err
		}
		return printJSON(events)
	}

	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	q := service.Query{Calendar: c.String("calendar"), Expand: c.Bool("expand")}
	if q.Start, err = parseBound(c.String("start"), loc); err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	if q.End, err = parseBound(c.String("end"), loc); err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	events, err := a.service.GetEvents(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func createEvent(ctx context.Context, c *cli.Context, a *app) error {
	event := &models.Event{}
	if err := readEventFile(c.String("file"), event); err != nil {
		return err
	}
	applyEventFlags(c, event)

	created, err := a.service.CreateEvent(ctx, event, c.String("calendar"))
	if err != nil {
		return err
	}
	return printJSON(created)
}

func updateEvent(ctx context.Context, c *cli.Context, a *app) error {
	id := c.String("id")
	existing, err := a.store.Event(ctx, id)
	if err != nil {
		return err
	}
	event, ok := existing.Get()
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err := readEventFile(c.String("file"), event); err != nil {
		return err
	}
	event.ID = id
	applyEventFlags(c, event)

	updated, err := a.service.UpdateEvent(ctx, event)
	if err != nil {
		return err
	}
	return printJSON(updated)
}

func readEventFile(path string, event *models.Event) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, event); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEventFlags(c *cli.Context, event *models.Event) {
	set := func(dst *string, name string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	set(&event.Title, "title")
	set(&event.Date, "date")
	set(&event.Time, "time")
	set(&event.Duration, "duration")
	set(&event.End, "end")
	set(&event.Timezone, "timezone")
	set(&event.Description, "description")
	set(&event.Location, "location")
	set(&event.RRule, "rrule")
	set(&event.Status, "status")
	if c.IsSet("category") {
		event.Categories = c.StringSlice("category")
	}
	if c.IsSet("attendee") {
		event.Attendees = c.StringSlice("attendee")
	}
}

// parseBound accepts a plain date, taken as midnight in loc, or an RFC 3339
// instant. An empty value leaves the bound open.
func parseBound(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(models.DateLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
