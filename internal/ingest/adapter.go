// Package ingest fetches source ICS feeds and normalizes their events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/ics"
	"github.com/macjediwizard/calhub/internal/metrics"
	"github.com/macjediwizard/calhub/internal/validator"
)

var ErrIngestion = errors.New("feed ingestion failed")

const (
	userAgent      = "CalendarHub/1.0"
	defaultSummary = "Untitled Event"
	defaultTimeout = 60 * time.Second
	maxFeedSize    = 20 * 1024 * 1024
)

// FetchedEvent is a feed event after normalization.
type FetchedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Status      db.EventStatus
	TimeZone    string
	AllDay      bool
	Raw         map[string]string
}

// FetchResult is the outcome of a feed fetch.
type FetchResult struct {
	// NotModified is set when the server answered 304; Events is then empty.
	NotModified bool
	Events      []FetchedEvent
}

// Store is the persistence the adapter needs.
type Store interface {
	UpdateSourceFeedCache(ctx context.Context, id int64, etag, lastModified string) error
	ListActiveEventMappings(ctx context.Context, sourceID int64) ([]*db.EventMapping, error)
	ListActiveFilterRules(ctx context.Context, sourceID int64) ([]*db.FilterRule, error)
}

// CredentialSource returns decrypted feed credentials, or nil when none are stored.
type CredentialSource interface {
	Get(ctx context.Context, sourceID int64) (*crypto.Credentials, error)
}

// Options configures an Adapter.
type Options struct {
	HTTPClient *http.Client
	// AllowPrivateIPs lets feeds resolve to loopback or private addresses.
	AllowPrivateIPs         bool
	DefaultLocation         *time.Location
	DefaultFrequencyMinutes int
}

// Adapter fetches ICS feeds over HTTP.
type Adapter struct {
	store       Store
	credentials CredentialSource
	httpClient  *http.Client
	defaultLoc  *time.Location
	defaultFreq int
	validator   *validator.Validator
}

// NewAdapter creates a new Adapter.
func NewAdapter(store Store, credentials CredentialSource, opts Options) *Adapter {
	validatorOpts := []validator.Option{validator.WithWebcal()}
	if opts.AllowPrivateIPs {
		validatorOpts = append(validatorOpts, validator.WithAllowPrivateIPs())
	}
	v := validator.New(validatorOpts...)

	client := opts.HTTPClient
	if client == nil {
		client = v.HTTPClient(defaultTimeout)
	}
	loc := opts.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	return &Adapter{
		store:       store,
		credentials: credentials,
		httpClient:  client,
		defaultLoc:  loc,
		defaultFreq: opts.DefaultFrequencyMinutes,
		validator:   v,
	}
}

// FetchEvents performs a conditional GET of the source feed.
func (a *Adapter) FetchEvents(ctx context.Context, source *db.Source) (*FetchResult, error) {
	return a.fetch(ctx, source, true)
}

func (a *Adapter) fetch(ctx context.Context, source *db.Source, conditional bool) (*FetchResult, error) {
	if err := a.validator.ValidateURL(source.IngestionURL, false); err != nil {
		return nil, fmt.Errorf("%w: source %d: %w", ErrIngestion, source.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validator.NormalizeFeedURL(source.IngestionURL), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %w", ErrIngestion, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if conditional {
		if source.ETag != "" {
			req.Header.Set("If-None-Match", source.ETag)
		}
		if source.LastModified != "" {
			req.Header.Set("If-Modified-Since", source.LastModified)
		}
	}

	if a.credentials != nil {
		creds, err := a.credentials.Get(ctx, source.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials for source %d: %w", source.ID, err)
		}
		if creds != nil {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		metrics.ObserveFeedFetch("error")
		return nil, fmt.Errorf("%w: %w", ErrIngestion, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		metrics.ObserveFeedFetch("not_modified")
		return &FetchResult{NotModified: true}, nil
	case http.StatusOK:
	default:
		metrics.ObserveFeedFetch("error")
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrIngestion, resp.StatusCode, req.URL.Host)
	}

	parsed, err := ics.ParseReader(io.LimitReader(resp.Body, maxFeedSize), source.Location(a.defaultLoc))
	if err != nil {
		metrics.ObserveFeedFetch("error")
		return nil, fmt.Errorf("%w: reading feed: %w", ErrIngestion, err)
	}
	metrics.ObserveFeedFetch("ok")

	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")
	if etag != source.ETag || lastModified != source.LastModified {
		if err := a.store.UpdateSourceFeedCache(ctx, source.ID, etag, lastModified); err != nil {
			return nil, err
		}
		source.ETag = etag
		source.LastModified = lastModified
	}

	events := a.normalize(source, parsed)
	if dropped := len(parsed) - len(events); dropped > 0 {
		log.Printf("Skipped %d events before import start date for source %d", dropped, source.ID)
	}

	return &FetchResult{Events: events}, nil
}

// normalize drops events before the import start date and applies source defaults.
func (a *Adapter) normalize(source *db.Source, parsed []ics.Event) []FetchedEvent {
	loc := source.Location(a.defaultLoc)
	events := make([]FetchedEvent, 0, len(parsed))

	for _, e := range parsed {
		if !source.ImportStartDate.IsZero() && e.Start.Before(source.ImportStartDate) {
			continue
		}

		summary := strings.TrimSpace(e.Summary)
		if summary == "" {
			summary = defaultSummary
		}

		status, err := db.ParseEventStatus(e.Status)
		if err != nil {
			status = db.EventStatusConfirmed
		}

		events = append(events, FetchedEvent{
			UID:         e.UID,
			Summary:     summary,
			Description: e.Description,
			Location:    e.Location,
			Start:       e.Start,
			End:         e.End,
			Status:      status,
			TimeZone:    loc.String(),
			AllDay:      e.AllDay,
			Raw:         e.Raw,
		})
	}

	return events
}
