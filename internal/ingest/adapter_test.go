package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/validator"
)

const testFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:old-1\r\n" +
	"SUMMARY:Last year\r\n" +
	"DTSTART:20200101T100000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1\r\n" +
	"SUMMARY:Planning\r\n" +
	"STATUS:TENTATIVE\r\n" +
	"DTSTART:20300105T150000Z\r\n" +
	"DTEND:20300105T160000Z\r\n" +
	"X-CUSTOM:kept\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-2\r\n" +
	"SUMMARY:  \r\n" +
	"STATUS:POSTPONED\r\n" +
	"DTSTART;VALUE=DATE:20300106\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fakeStore struct {
	mu         sync.Mutex
	cacheCalls int
	etag       string
	lastMod    string
	mappings   []*db.EventMapping
	filters    []*db.FilterRule
}

func (s *fakeStore) UpdateSourceFeedCache(_ context.Context, _ int64, etag, lastModified string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheCalls++
	s.etag = etag
	s.lastMod = lastModified
	return nil
}

func (s *fakeStore) ListActiveEventMappings(context.Context, int64) ([]*db.EventMapping, error) {
	return s.mappings, nil
}

func (s *fakeStore) ListActiveFilterRules(context.Context, int64) ([]*db.FilterRule, error) {
	return s.filters, nil
}

type fakeCredentials struct {
	creds *crypto.Credentials
}

func (f fakeCredentials) Get(context.Context, int64) (*crypto.Credentials, error) {
	return f.creds, nil
}

type feedServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
}

func newFeedServer(t *testing.T, etag string) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests = append(fs.requests, r.Clone(context.Background()))
		fs.mu.Unlock()

		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2030 00:00:00 GMT")
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(testFeed))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) lastRequest() *http.Request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func testSource(url string) *db.Source {
	return &db.Source{
		ID:                 7,
		Name:               "Team",
		IngestionURL:       url,
		CalendarIdentifier: "Work",
		TimeZone:           "America/Chicago",
		Active:             true,
		ImportStartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("parses and normalizes feed", func(t *testing.T) {
		srv := newFeedServer(t, `"v1"`)
		store := &fakeStore{}
		adapter := NewAdapter(store, fakeCredentials{creds: &crypto.Credentials{Username: "feed", Password: "pw"}}, Options{AllowPrivateIPs: true})
		source := testSource(srv.URL + "/team.ics")

		result, err := adapter.FetchEvents(ctx, source)
		if err != nil {
			t.Fatalf("FetchEvents: %v", err)
		}
		if result.NotModified {
			t.Fatal("expected a full result")
		}
		if len(result.Events) != 2 {
			t.Fatalf("expected 2 events after import-start filtering, got %d", len(result.Events))
		}

		first := result.Events[0]
		if first.UID != "evt-1" || first.Summary != "Planning" {
			t.Errorf("unexpected first event: %+v", first)
		}
		if first.Status != db.EventStatusTentative {
			t.Errorf("expected tentative, got %s", first.Status)
		}
		if first.TimeZone != "America/Chicago" {
			t.Errorf("expected source time zone, got %s", first.TimeZone)
		}
		if first.Raw["x-custom"] != "kept" {
			t.Errorf("expected raw property, got %v", first.Raw)
		}

		second := result.Events[1]
		if second.Summary != defaultSummary {
			t.Errorf("expected default summary, got %q", second.Summary)
		}
		if second.Status != db.EventStatusConfirmed {
			t.Errorf("expected unknown status coerced to confirmed, got %s", second.Status)
		}
		if !second.AllDay {
			t.Error("expected all-day event")
		}

		req := srv.lastRequest()
		if ua := req.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("expected User-Agent %s, got %s", userAgent, ua)
		}
		if user, pass, ok := req.BasicAuth(); !ok || user != "feed" || pass != "pw" {
			t.Errorf("expected basic auth, got %q %q %v", user, pass, ok)
		}
		if req.Header.Get("If-None-Match") != "" {
			t.Error("no conditional header expected without cached ETag")
		}

		if store.cacheCalls != 1 || store.etag != `"v1"` {
			t.Errorf("expected feed cache update, got %d calls etag %s", store.cacheCalls, store.etag)
		}
		if source.ETag != `"v1"` {
			t.Errorf("expected source ETag updated, got %s", source.ETag)
		}
	})

	t.Run("not modified returns no events", func(t *testing.T) {
		srv := newFeedServer(t, `"v1"`)
		store := &fakeStore{}
		adapter := NewAdapter(store, nil, Options{AllowPrivateIPs: true})
		source := testSource(srv.URL + "/team.ics")
		source.ETag = `"v1"`
		source.LastModified = "Mon, 01 Jan 2030 00:00:00 GMT"

		result, err := adapter.FetchEvents(ctx, source)
		if err != nil {
			t.Fatalf("FetchEvents: %v", err)
		}
		if !result.NotModified || len(result.Events) != 0 {
			t.Errorf("expected empty not-modified result, got %+v", result)
		}
		req := srv.lastRequest()
		if req.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("expected If-None-Match, got %q", req.Header.Get("If-None-Match"))
		}
		if req.Header.Get("If-Modified-Since") == "" {
			t.Error("expected If-Modified-Since")
		}
		if store.cacheCalls != 0 {
			t.Error("cache headers should not change on 304")
		}
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		adapter := NewAdapter(&fakeStore{}, nil, Options{AllowPrivateIPs: true})
		_, err := adapter.FetchEvents(ctx, testSource(srv.URL))
		if !errors.Is(err, ErrIngestion) {
			t.Errorf("expected ErrIngestion, got %v", err)
		}
	})

	t.Run("private address refused", func(t *testing.T) {
		srv := newFeedServer(t, "")
		adapter := NewAdapter(&fakeStore{}, nil, Options{})

		_, err := adapter.FetchEvents(ctx, testSource(srv.URL))
		if !errors.Is(err, ErrIngestion) || !errors.Is(err, validator.ErrPrivateIP) {
			t.Fatalf("expected private IP refusal, got %v", err)
		}

		srv.mu.Lock()
		defer srv.mu.Unlock()
		if len(srv.requests) != 0 {
			t.Errorf("feed server should not be reached, got %d requests", len(srv.requests))
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		adapter := NewAdapter(&fakeStore{}, nil, Options{AllowPrivateIPs: true})
		_, err := adapter.FetchEvents(ctx, testSource("ftp://example.com/feed.ics"))
		if !errors.Is(err, ErrIngestion) {
			t.Errorf("expected ErrIngestion, got %v", err)
		}
	})
}

func TestChangeHash(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		mappings: []*db.EventMapping{
			{Pattern: "Standup", Replacement: "Daily", MatchType: db.MatchContains},
		},
	}
	adapter := NewAdapter(store, nil, Options{AllowPrivateIPs: true, DefaultFrequencyMinutes: 60})
	source := testSource("https://example.com/feed.ics")

	base, err := adapter.ChangeHash(ctx, source)
	if err != nil {
		t.Fatalf("ChangeHash: %v", err)
	}
	again, _ := adapter.ChangeHash(ctx, source)
	if base != again {
		t.Error("hash must be deterministic")
	}

	t.Run("mapping change", func(t *testing.T) {
		store.mappings[0].Replacement = "Daily sync"
		defer func() { store.mappings[0].Replacement = "Daily" }()
		got, _ := adapter.ChangeHash(ctx, source)
		if got == base {
			t.Error("expected hash to change with mapping replacement")
		}
	})

	t.Run("filter change", func(t *testing.T) {
		store.filters = []*db.FilterRule{{Pattern: "Lunch", FieldName: db.FieldTitle, MatchType: db.MatchEquals}}
		defer func() { store.filters = nil }()
		got, _ := adapter.ChangeHash(ctx, source)
		if got == base {
			t.Error("expected hash to change with filter rules")
		}
	})

	t.Run("settings change", func(t *testing.T) {
		start, end := 22, 2
		changed := *source
		changed.SyncWindowStartHour = &start
		changed.SyncWindowEndHour = &end
		got, _ := adapter.ChangeHash(ctx, &changed)
		if got == base {
			t.Error("expected hash to change with sync window")
		}

		changed = *source
		changed.TimeZone = "UTC"
		got, _ = adapter.ChangeHash(ctx, &changed)
		if got == base {
			t.Error("expected hash to change with time zone")
		}
	})
}

func TestFetchWithChangeDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("unchanged settings and 304 short-circuit", func(t *testing.T) {
		srv := newFeedServer(t, `"v1"`)
		adapter := NewAdapter(&fakeStore{}, nil, Options{AllowPrivateIPs: true})
		source := testSource(srv.URL)
		source.ETag = `"v1"`
		hash, err := adapter.ChangeHash(ctx, source)
		if err != nil {
			t.Fatalf("ChangeHash: %v", err)
		}
		source.LastChangeHash = hash

		result, err := adapter.FetchWithChangeDetection(ctx, source)
		if err != nil {
			t.Fatalf("FetchWithChangeDetection: %v", err)
		}
		if result.Changed {
			t.Error("expected unchanged result")
		}
		if result.Hash != hash {
			t.Error("expected current hash to be returned")
		}
	})

	t.Run("unchanged settings but new feed content", func(t *testing.T) {
		srv := newFeedServer(t, `"v2"`)
		adapter := NewAdapter(&fakeStore{}, nil, Options{AllowPrivateIPs: true})
		source := testSource(srv.URL)
		source.ETag = `"v1"`
		source.LastChangeHash, _ = adapter.ChangeHash(ctx, source)

		result, err := adapter.FetchWithChangeDetection(ctx, source)
		if err != nil {
			t.Fatalf("FetchWithChangeDetection: %v", err)
		}
		if !result.Changed || len(result.Result.Events) != 2 {
			t.Errorf("expected changed result with events, got %+v", result)
		}
	})

	t.Run("changed settings fetch unconditionally", func(t *testing.T) {
		srv := newFeedServer(t, `"v1"`)
		adapter := NewAdapter(&fakeStore{}, nil, Options{AllowPrivateIPs: true})
		source := testSource(srv.URL)
		source.ETag = `"v1"`
		source.LastChangeHash = "stale"

		result, err := adapter.FetchWithChangeDetection(ctx, source)
		if err != nil {
			t.Fatalf("FetchWithChangeDetection: %v", err)
		}
		if !result.Changed || result.Result.NotModified {
			t.Errorf("expected full fetch, got %+v", result)
		}
		if srv.lastRequest().Header.Get("If-None-Match") != "" {
			t.Error("expected unconditional request when settings changed")
		}
	})
}
