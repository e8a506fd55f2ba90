package caldav

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknownCalendar is returned when a calendar name is not in the registry.
var ErrUnknownCalendar = errors.New("unknown calendar")

// RemoteError describes a failed request against the CalDAV server. A zero
// StatusCode means the request never got a response.
type RemoteError struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("caldav %s %s: HTTP %d: %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("caldav %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NotFound reports whether the server answered 404.
func (e *RemoteError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err is a RemoteError for a missing resource.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.NotFound()
}
