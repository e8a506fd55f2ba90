package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmirror/internal/ics"
	"calmirror/internal/models"
)

// hrefEscaper percent-encodes hrefs the way servers commonly do.
var hrefEscaper = strings.NewReplacer(" ", "%20", "@", "%40")

// fakeServer is a minimal CalDAV server keeping objects per collection.
type fakeServer struct {
	t       *testing.T
	mu      sync.Mutex
	objects map[string]map[string]string // collection -> filename -> data
	broken  map[string]bool              // collections answering 500
	*httptest.Server
}

func newFakeServer(t *testing.T, collections ...string) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, objects: map[string]map[string]string{}, broken: map[string]bool{}}
	for _, c := range collections {
		fs.objects[c] = map[string]string{}
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) put(collection, filename, data string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.objects[collection][filename] = data
}

func (fs *fakeServer) get(collection, filename string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.objects[collection][filename]
}

func (fs *fakeServer) count(collection string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.objects[collection])
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get("User-Agent") != userAgent {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	collection, filename := r.URL.Path, ""
	if strings.HasSuffix(r.URL.Path, ".ics") {
		i := strings.LastIndex(r.URL.Path, "/")
		collection, filename = r.URL.Path[:i+1], r.URL.Path[i+1:]
	}
	if fs.broken[collection] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	objs, ok := fs.objects[collection]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case "REPORT":
		fs.writeMultistatus(w, collection, objs, true)
	case "PROPFIND":
		fs.writeMultistatus(w, collection, objs, false)
	case http.MethodPut:
		if _, exists := objs[filename]; exists && r.Header.Get("If-None-Match") == "*" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		objs[filename] = string(body)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, exists := objs[filename]; !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(objs, filename)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fs *fakeServer) writeMultistatus(w http.ResponseWriter, collection string, objs map[string]string, withData bool) {
	names := make([]string, 0, len(objs))
	for name := range objs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
	modified := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)
	if !withData {
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:resourcetype><d:collection/><c:calendar/></d:resourcetype><d:getlastmodified>%s</d:getlastmodified></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, collection, modified)
	}
	for _, name := range names {
		if withData {
			fmt.Fprintf(&b, `<d:response><d:href>%s%s</d:href><d:propstat><d:prop><d:getetag>"x"</d:getetag><c:calendar-data><![CDATA[%s]]></c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
				collection, hrefEscaper.Replace(name), objs[name])
			continue
		}
		fmt.Fprintf(&b, `<d:response><d:href>%s%s</d:href><d:propstat><d:prop><d:resourcetype/><d:getcontentlength>%d</d:getcontentlength><d:getcontenttype>text/calendar</d:getcontenttype><d:getetag>"x"</d:getetag><d:getlastmodified>%s</d:getlastmodified></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
			collection, hrefEscaper.Replace(name), len(objs[name]), modified)
	}
	b.WriteString(`</d:multistatus>`)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, b.String())
}

func newTestSession(t *testing.T, fs *fakeServer) *Session {
	t.Helper()
	httpClient := NewHTTPClient("alice", "secret", 5*time.Second, nil, nil)
	s, err := NewSession(fs.URL+"/", httpClient, ics.NewCodec(time.UTC, nil), discardLogger())
	require.NoError(t, err)
	return s
}

func objectText(uid, summary, start string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nBEGIN:VEVENT\r\nUID:" + uid +
		"\r\nDTSTAMP:20250801T000000Z\r\nSUMMARY:" + summary + "\r\nDTSTART:" + start +
		"\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
}

func TestClientList(t *testing.T) {
	fs := newFakeServer(t, "/cal/work/")
	fs.put("/cal/work/", "a.ics", objectText("a", "Alpha", "20250822T100000Z"))
	fs.put("/cal/work/", "b.ics", "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:b\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n")
	fs.put("/cal/work/", "c.ics", objectText("c", "Gamma", "20250823"))

	entries, err := newTestSession(t, fs).Calendar("/cal/work").List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a", entries[0].Event.ID)
	assert.Equal(t, "a.ics", entries[0].Filename)
	assert.Equal(t, "c", entries[1].Event.ID)
	assert.True(t, entries[1].Event.IsAllDay())
}

func TestClientEncodedHref(t *testing.T) {
	fs := newFakeServer(t, "/cal/work/")
	fs.put("/cal/work/", "my event@x.ics", objectText("m", "Meeting", "20250822T100000Z"))
	client := newTestSession(t, fs).Calendar("/cal/work")
	assert.Equal(t, "/cal/work/", client.Path())
	ctx := context.Background()

	entries, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "my event@x.ics", entries[0].Filename)

	entries[0].Event.Title = "Moved meeting"
	require.NoError(t, client.Update(ctx, entries[0].Event, entries[0].Filename))
	assert.Contains(t, fs.get("/cal/work/", "my event@x.ics"), "SUMMARY:Moved meeting")
	assert.Equal(t, 1, fs.count("/cal/work/"))

	require.NoError(t, client.Delete(ctx, entries[0].Filename))
	assert.Zero(t, fs.count("/cal/work/"))
}

func TestClientCreateUpdateDelete(t *testing.T) {
	fs := newFakeServer(t, "/cal/work/")
	client := newTestSession(t, fs).Calendar("/cal/work/")
	ctx := context.Background()

	event := &models.Event{ID: "e1", Title: "Lunch", Date: "2025-08-22", Time: "14:00"}
	first, err := client.Create(ctx, event)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "e1-"))
	assert.True(t, strings.HasSuffix(first, ".ics"))

	second, err := client.Create(ctx, event)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "filenames must never repeat")

	event.Title = "Long lunch"
	require.NoError(t, client.Update(ctx, event, first))
	assert.Contains(t, fs.get("/cal/work/", first), "SUMMARY:Long lunch")

	n, err := client.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, client.Delete(ctx, first))
	err = client.Delete(ctx, first)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestClientCreateRejectsInvalid(t *testing.T) {
	fs := newFakeServer(t, "/cal/work/")
	client := newTestSession(t, fs).Calendar("/cal/work/")

	_, err := client.Create(context.Background(), &models.Event{ID: "x", Date: "2025-08-22"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, fs.count("/cal/work/"))
}

func TestClientRemoteErrors(t *testing.T) {
	fs := newFakeServer(t, "/cal/work/")
	fs.mu.Lock()
	fs.broken["/cal/work/"] = true
	fs.mu.Unlock()
	client := newTestSession(t, fs).Calendar("/cal/work/")

	_, err := client.List(context.Background())
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	assert.Equal(t, "list", re.Op)
	assert.False(t, re.NotFound())

	wrong := NewHTTPClient("alice", "wrong", time.Second, nil, nil)
	s, err := NewSession(fs.URL, wrong, ics.NewCodec(nil, nil), discardLogger())
	require.NoError(t, err)
	_, err = s.Calendar("/cal/work/").Create(context.Background(), &models.Event{ID: "x", Title: "T", Date: "2025-08-22"})
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)
}

func TestNewSessionRejectsBadURL(t *testing.T) {
	_, err := NewSession("not a url", http.DefaultClient, ics.NewCodec(nil, nil), discardLogger())
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "abc-1_2.x", safeName("abc-1_2.x"))
	assert.Equal(t, "a_b_c", safeName("a/b c"))
	assert.Equal(t, "event", safeName(""))
}
