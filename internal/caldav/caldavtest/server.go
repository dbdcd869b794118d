// Package caldavtest provides an in-memory CalDAV server for tests.
package caldavtest

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	principalPath = "/principals/user/"
	homePath      = "/calendars/"
)

// Request is a recorded request.
type Request struct {
	Method string
	Path   string // escaped path as sent
	Header http.Header
	Body   string
}

// Object is a stored calendar object.
type Object struct {
	Data string
	ETag string
}

// Server is a minimal CalDAV server: well-known redirect, principal, home set,
// one collection per calendar name, and PUT/HEAD/GET/DELETE on objects.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu        sync.Mutex
	calendars map[string]string // display name -> collection path
	objects   map[string]*Object
	requests  []Request
	queued    map[string][]int
	noETag    bool
	etagSeq   int
}

// NewServer starts a server exposing a calendar collection for each display name.
func NewServer(calendarNames ...string) *Server {
	s := &Server{
		calendars: make(map[string]string),
		objects:   make(map[string]*Object),
		queued:    make(map[string][]int),
	}
	for i, name := range calendarNames {
		s.calendars[name] = fmt.Sprintf("%scal-%d/", homePath, i+1)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// CollectionURL returns the absolute collection URL of a calendar.
func (s *Server) CollectionURL(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.URL + s.calendars[name]
}

// QueueStatus makes the next requests with method fail with the given statuses, in order.
func (s *Server) QueueStatus(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[method] = append(s.queued[method], statuses...)
}

// DisableETags stops HEAD from returning ETag headers.
func (s *Server) DisableETags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noETag = true
}

// Requests returns the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests returns how many requests used method.
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Objects returns the stored objects of a calendar keyed by object name.
func (s *Server) Objects(calendar string) map[string]Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := s.calendars[calendar]
	out := make(map[string]Object)
	for path, obj := range s.objects {
		if strings.HasPrefix(path, prefix) {
			out[strings.TrimPrefix(path, prefix)] = *obj
		}
	}
	return out
}

// ObjectNames returns the sorted object names of a calendar.
func (s *Server) ObjectNames(calendar string) []string {
	var names []string
	for name := range s.Objects(calendar) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PutObject seeds an object directly.
func (s *Server) PutObject(calendar, name, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etagSeq++
	s.objects[s.calendars[calendar]+name] = &Object{Data: data, ETag: strconv.Quote("etag-" + strconv.Itoa(s.etagSeq))}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})

	if s.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	if q := s.queued[r.Method]; len(q) > 0 {
		s.queued[r.Method] = q[1:]
		if q[0] == http.StatusServiceUnavailable || q[0] == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		w.WriteHeader(q[0])
		return
	}

	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r)
	case http.MethodPut:
		s.put(w, r, string(body))
	case http.MethodHead, http.MethodGet:
		obj, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !s.noETag {
			w.Header().Set("ETag", obj.ETag)
		}
		w.Header().Set("Content-Type", "text/calendar")
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, obj.Data)
		}
	case http.MethodDelete:
		if _, ok := s.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, body string) {
	existing, exists := s.objects[r.URL.Path]

	if r.Header.Get("If-None-Match") == "*" && exists {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && (!exists || existing.ETag != match) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	s.etagSeq++
	etag := strconv.Quote("etag-" + strconv.Itoa(s.etagSeq))
	s.objects[r.URL.Path] = &Object{Data: body, ETag: etag}
	w.Header().Set("ETag", etag)
	if exists {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) propfind(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/caldav", "/.well-known/caldav/":
		w.Header().Set("Location", principalPath)
		w.WriteHeader(http.StatusMovedPermanently)
	case "/", principalPath:
		s.multistatus(w, response(r.URL.Path,
			`<d:current-user-principal><d:href>`+principalPath+`</d:href></d:current-user-principal>`+
				`<c:calendar-home-set><d:href>`+html.EscapeString(s.URL+homePath)+`</d:href></c:calendar-home-set>`))
	case homePath:
		var b strings.Builder
		b.WriteString(response(homePath, `<d:displayname>Home</d:displayname><d:resourcetype><d:collection/></d:resourcetype>`))
		b.WriteString(response(homePath+"inbox/",
			`<d:displayname>Inbox</d:displayname><d:resourcetype><d:collection/><c:schedule-inbox/></d:resourcetype>`))

		names := make([]string, 0, len(s.calendars))
		for name := range s.calendars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(response(s.calendars[name],
				`<d:displayname>`+html.EscapeString(name)+`</d:displayname>`+
					`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>`))
		}
		s.multistatus(w, b.String())
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func response(href, props string) string {
	return `<d:response><d:href>` + href + `</d:href><d:propstat><d:prop>` + props +
		`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`
}

func (s *Server) multistatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`+responses+`</d:multistatus>`)
}
