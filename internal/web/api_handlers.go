package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/syncer"
)

const (
	defaultAttemptLimit = 20
	maxAttemptLimit     = 200
)

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// APISource represents a source in JSON format for the API.
type APISource struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	IngestionURL         string  `json:"ingestion_url"`
	CalendarIdentifier   string  `json:"calendar_identifier"`
	TimeZone             string  `json:"time_zone"`
	Active               bool    `json:"active"`
	AutoSync             bool    `json:"auto_sync_enabled"`
	SyncFrequencyMinutes *int    `json:"sync_frequency_minutes"`
	SyncWindowStartHour  *int    `json:"sync_window_start_hour"`
	SyncWindowEndHour    *int    `json:"sync_window_end_hour"`
	LastSyncedAt         *string `json:"last_synced_at"`
	ImportStartDate      string  `json:"import_start_date"`
	Syncing              bool    `json:"syncing"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

// sourceToAPI converts a db.Source to API format.
func (h *Handlers) sourceToAPI(s *db.Source) *APISource {
	api := &APISource{
		ID:                   s.ID,
		Name:                 s.Name,
		IngestionURL:         s.IngestionURL,
		CalendarIdentifier:   s.CalendarIdentifier,
		TimeZone:             s.TimeZone,
		Active:               s.Active,
		AutoSync:             s.AutoSync,
		SyncFrequencyMinutes: s.SyncFrequencyMinutes,
		SyncWindowStartHour:  s.SyncWindowStartHour,
		SyncWindowEndHour:    s.SyncWindowEndHour,
		ImportStartDate:      s.ImportStartDate.Format(time.RFC3339),
		CreatedAt:            s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            s.UpdatedAt.Format(time.RFC3339),
	}
	if s.LastSyncedAt != nil {
		formatted := s.LastSyncedAt.Format(time.RFC3339)
		api.LastSyncedAt = &formatted
	}
	if h.tracker != nil {
		api.Syncing = h.tracker.IsSourceSyncing(s.ID)
	}
	return api
}

// APIListSources returns all sources that have not been archived.
func (h *Handlers) APIListSources(c *gin.Context) {
	sources, err := h.db.ListSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sources")})
		return
	}

	apiSources := make([]*APISource, len(sources))
	for i, s := range sources {
		apiSources[i] = h.sourceToAPI(s)
	}

	c.JSON(http.StatusOK, apiSources)
}

// APIGetSource returns a single source.
func (h *Handlers) APIGetSource(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	source, err := h.db.GetSource(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	c.JSON(http.StatusOK, h.sourceToAPI(source))
}

// APICreateSourceRequest represents the request body for creating a source.
type APICreateSourceRequest struct {
	Name                 string `json:"name"`
	IngestionURL         string `json:"ingestion_url"`
	CalendarIdentifier   string `json:"calendar_identifier"`
	TimeZone             string `json:"time_zone"`
	AutoSync             *bool  `json:"auto_sync_enabled"`
	SyncFrequencyMinutes *int   `json:"sync_frequency_minutes"`
	SyncWindowStartHour  *int   `json:"sync_window_start_hour"`
	SyncWindowEndHour    *int   `json:"sync_window_end_hour"`
	ImportStartDate      string `json:"import_start_date"`
	Username             string `json:"username"`
	Password             string `json:"password"`
}

// newSource validates the request and builds the source it describes. On failure
// it returns a user-facing message.
func (h *Handlers) newSource(req *APICreateSourceRequest) (*db.Source, string) {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return nil, "Name is required"
	case strings.TrimSpace(req.CalendarIdentifier) == "":
		return nil, "Calendar identifier is required"
	case h.validator.ValidateURL(req.IngestionURL, false) != nil:
		return nil, "Invalid ingestion URL"
	case req.SyncFrequencyMinutes != nil && *req.SyncFrequencyMinutes <= 0:
		return nil, "Sync frequency must be positive"
	case !validHour(req.SyncWindowStartHour) || !validHour(req.SyncWindowEndHour):
		return nil, "Sync window hours must be between 0 and 23"
	case (req.Username == "") != (req.Password == ""):
		return nil, "Username and password must be provided together"
	}
	if req.TimeZone != "" {
		if _, err := time.LoadLocation(req.TimeZone); err != nil {
			return nil, "Unknown time zone"
		}
	}

	source := &db.Source{
		Name:                 strings.TrimSpace(req.Name),
		IngestionURL:         strings.TrimSpace(req.IngestionURL),
		CalendarIdentifier:   strings.TrimSpace(req.CalendarIdentifier),
		TimeZone:             req.TimeZone,
		Active:               true,
		AutoSync:             req.AutoSync == nil || *req.AutoSync,
		SyncFrequencyMinutes: req.SyncFrequencyMinutes,
		SyncWindowStartHour:  req.SyncWindowStartHour,
		SyncWindowEndHour:    req.SyncWindowEndHour,
	}
	if req.ImportStartDate != "" {
		start, err := time.Parse(time.RFC3339, req.ImportStartDate)
		if err != nil {
			return nil, "Import start date must be RFC 3339"
		}
		source.ImportStartDate = start
	}
	return source, ""
}

func validHour(h *int) bool {
	return h == nil || (*h >= 0 && *h <= 23)
}

// APICreateSource creates a new source and stores its feed credentials.
func (h *Handlers) APICreateSource(c *gin.Context) {
	var req APICreateSourceRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	source, msg := h.newSource(&req)
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if req.Username != "" && h.creds == nil {
		respondUnavailable(c, "Credential storage")
		return
	}

	ctx := c.Request.Context()
	if err := h.db.CreateSource(ctx, source); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "A source for this feed and calendar already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create source")})
		return
	}

	if req.Username != "" {
		creds := &crypto.Credentials{Username: req.Username, Password: req.Password}
		if err := h.creds.Set(ctx, source.ID, creds); err != nil {
			if perr := h.db.PurgeSource(ctx, source.ID); perr != nil {
				log.Printf("Failed to remove source %d after credential error: %v", source.ID, perr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to store credentials")})
			return
		}
	}

	log.Printf("Created source %d (%s)", source.ID, source.Name)
	c.JSON(http.StatusCreated, h.sourceToAPI(source))
}

// APIDeleteSource archives a source. Archived sources stop syncing.
func (h *Handlers) APIDeleteSource(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.db.SoftDeleteSource(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to archive source")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Source archived"})
}

// APITriggerSync queues an immediate sync for a source.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if h.queue == nil {
		respondUnavailable(c, "Sync queue")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.db.GetSource(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	pending, err := h.db.HasPendingAttempt(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to check pending syncs")})
		return
	}
	if pending {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already queued or running"})
		return
	}

	attempt, err := h.db.CreateAttempt(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create sync attempt")})
		return
	}

	if err := h.queue.Enqueue(id, attempt.ID); err != nil {
		if ferr := h.db.FinishAttempt(ctx, attempt.ID, db.AttemptFailed, err.Error()); ferr != nil {
			log.Printf("Failed to finish attempt %d: %v", attempt.ID, ferr)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": sanitizeError(err, "Sync queue unavailable")})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered", "attempt_id": attempt.ID})
}

// APISyncFilters re-applies filter rules to a source's stored events.
func (h *Handlers) APISyncFilters(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if h.filters == nil {
		respondUnavailable(c, "Filter sync")
		return
	}

	result, err := h.filters.SyncFilterChanges(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, syncer.ErrConfiguration) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Filter sync failed")})
		return
	}

	c.JSON(http.StatusOK, result)
}

// APIListAttempts returns the most recent sync attempts of a source.
func (h *Handlers) APIListAttempts(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.db.GetSourceIncludingDeleted(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	limit := defaultAttemptLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxAttemptLimit)
		}
	}

	attempts, err := h.db.ListAttempts(ctx, id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load attempts")})
		return
	}
	if attempts == nil {
		attempts = []*db.SyncAttempt{}
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// APIAttemptResults returns the per-event outcomes of an attempt.
func (h *Handlers) APIAttemptResults(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	attempt, err := h.db.GetAttempt(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Attempt not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load attempt")})
		return
	}

	results, err := h.db.ListEventResults(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load results")})
		return
	}
	if results == nil {
		results = []*db.SyncEventResult{}
	}

	c.JSON(http.StatusOK, gin.H{"attempt": attempt, "results": results})
}

// APIActivity returns live and recently finished syncs.
func (h *Handlers) APIActivity(c *gin.Context) {
	if h.tracker == nil {
		respondUnavailable(c, "Activity tracking")
		return
	}
	c.JSON(http.StatusOK, h.tracker.GetAll())
}

// APIRotateKeys re-encrypts every stored credential under a new key.
func (h *Handlers) APIRotateKeys(c *gin.Context) {
	if h.keys == nil {
		respondUnavailable(c, "Key management")
		return
	}

	count, err := h.keys.Rotate(c.Request.Context())
	if err != nil {
		if errors.Is(err, crypto.ErrRotationInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "Key rotation already in progress"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Key rotation failed")})
		return
	}

	log.Printf("Rotated encryption key, re-encrypted %d credentials", count)
	c.JSON(http.StatusOK, gin.H{"reencrypted": count})
}
