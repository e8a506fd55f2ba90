// Package caldav talks to the remote CalDAV server: one Client per calendar
// collection, a Registry of the configured calendars and a MultiClient that
// fans requests out over all of them.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-webdav/caldav"

	"calmirror/internal/ics"
	"calmirror/internal/models"
)

const calendarQuery = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT"/>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

// Calendar is the set of operations available on one calendar collection.
type Calendar interface {
	List(ctx context.Context) ([]Entry, error)
	Create(ctx context.Context, event *models.Event) (string, error)
	Update(ctx context.Context, event *models.Event, filename string) error
	Delete(ctx context.Context, filename string) error
	Count(ctx context.Context) (int, error)
}

// Entry is a decoded event together with the filename it is stored under.
type Entry struct {
	Event    *models.Event
	Filename string
}

// Session holds the authenticated connection to one CalDAV server.
type Session struct {
	base       *url.URL
	httpClient *http.Client
	dav        *caldav.Client
	codec      *ics.Codec
	logger     *slog.Logger

	mu        sync.Mutex
	lastStamp int64
	now       func() time.Time
}

// NewSession creates a Session for the server at endpoint.
func NewSession(endpoint string, httpClient *http.Client, codec *ics.Codec, logger *slog.Logger) (*Session, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav url %q: %w", endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid caldav url %q: scheme and host are required", endpoint)
	}

	davClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Session{
		base:       base,
		httpClient: httpClient,
		dav:        davClient,
		codec:      codec,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Calendar returns a Client for the collection at calendarPath.
func (s *Session) Calendar(calendarPath string) *Client {
	if !strings.HasSuffix(calendarPath, "/") {
		calendarPath += "/"
	}
	return &Client{session: s, path: calendarPath}
}

// nextStamp returns a millisecond timestamp that is strictly increasing for
// the lifetime of the session, so generated filenames never repeat.
func (s *Session) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().UnixMilli()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp
	return stamp
}

func (s *Session) resolve(p string) string {
	return s.base.ResolveReference(&url.URL{Path: p}).String()
}

// do sends one request and returns the response body of a 2xx answer.
func (s *Session) do(ctx context.Context, op, method, p string, header http.Header, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.resolve(p), reader)
	if err != nil {
		return nil, &RemoteError{Op: op, Path: p, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Path: p, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Op: op, Path: p, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &RemoteError{Op: op, Path: p, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return data, nil
}

// Client performs requests against a single calendar collection.
type Client struct {
	session *Session
	path    string
}

// Path returns the collection path, always with a trailing slash.
func (c *Client) Path() string {
	return c.path
}

// List fetches every event in the collection. Objects that fail to decode
// are logged and left out.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	header := http.Header{}
	header.Set("Depth", "1")
	header.Set("Content-Type", "application/xml; charset=utf-8")

	body, err := c.session.do(ctx, "list", "REPORT", c.path, header, []byte(calendarQuery))
	if err != nil {
		return nil, err
	}

	items, err := c.session.codec.DecodeEnvelope(body)
	if err != nil {
		return nil, &RemoteError{Op: "list", Path: c.path, Err: err}
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		event, err := c.session.codec.Decode(item.Data)
		if err != nil {
			c.session.logger.Warn("Skipping malformed calendar object", "path", c.path, "filename", item.Filename, "error", err)
			continue
		}
		entries = append(entries, Entry{Event: event, Filename: item.Filename})
	}
	return entries, nil
}

// Create stores a new object for event and returns its filename. Each call
// uses a fresh filename derived from the event id.
func (c *Client) Create(ctx context.Context, event *models.Event) (string, error) {
	data, err := c.session.codec.Encode(event)
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%s-%d.ics", safeName(event.ID), c.session.nextStamp())

	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	header.Set("If-None-Match", "*")
	if _, err := c.session.do(ctx, "create", http.MethodPut, c.objectPath(filename), header, []byte(data)); err != nil {
		return "", err
	}
	c.session.logger.Debug("Created calendar object", "path", c.path, "filename", filename, "id", event.ID)
	return filename, nil
}

// Update replaces the object stored under filename.
func (c *Client) Update(ctx context.Context, event *models.Event, filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: filename is required", models.ErrValidation)
	}
	data, err := c.session.codec.Encode(event)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	_, err = c.session.do(ctx, "update", http.MethodPut, c.objectPath(filename), header, []byte(data))
	return err
}

// Delete removes the object stored under filename.
func (c *Client) Delete(ctx context.Context, filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: filename is required", models.ErrValidation)
	}
	_, err := c.session.do(ctx, "delete", http.MethodDelete, c.objectPath(filename), nil, nil)
	return err
}

// Count returns the number of objects in the collection.
func (c *Client) Count(ctx context.Context) (int, error) {
	infos, err := c.session.dav.ReadDir(ctx, c.path, false)
	if err != nil {
		return 0, &RemoteError{Op: "count", Path: c.path, Err: err}
	}
	n := 0
	for _, fi := range infos {
		if !fi.IsDir && strings.TrimSuffix(fi.Path, "/") != strings.TrimSuffix(c.path, "/") {
			n++
		}
	}
	return n, nil
}

func (c *Client) objectPath(filename string) string {
	return path.Join(c.path, path.Base(filename))
}

// safeName keeps ids usable as a path segment.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "event"
	}
	return b.String()
}
