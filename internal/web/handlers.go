// Package web serves the operational JSON API.
package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/activity"
	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/scheduler"
	"github.com/macjediwizard/calhub/internal/syncer"
	"github.com/macjediwizard/calhub/internal/validator"
)

// CredentialWriter stores feed credentials for a source.
type CredentialWriter interface {
	Set(ctx context.Context, sourceID int64, creds *crypto.Credentials) error
}

// FilterSyncer re-applies filter rules to stored events.
type FilterSyncer interface {
	SyncFilterChanges(ctx context.Context, sourceID int64) (*syncer.FilterSyncResult, error)
}

// KeyRotator re-encrypts stored secrets under a fresh key.
type KeyRotator interface {
	Rotate(ctx context.Context) (int, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db        *db.DB
	creds     CredentialWriter
	queue     scheduler.Enqueuer
	filters   FilterSyncer
	keys      KeyRotator
	tracker   *activity.Tracker
	validator *validator.Validator
}

// Deps holds the collaborators of the API handlers. Nil collaborators disable
// the endpoints that need them.
type Deps struct {
	DB      *db.DB
	Creds   CredentialWriter
	Queue   scheduler.Enqueuer
	Filters FilterSyncer
	Keys    KeyRotator
	Tracker *activity.Tracker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:        deps.DB,
		creds:     deps.Creds,
		queue:     deps.Queue,
		filters:   deps.Filters,
		keys:      deps.Keys,
		tracker:   deps.Tracker,
		validator: validator.New(validator.WithWebcal()),
	}
}

// Liveness reports whether the process and its database are up.
func (h *Handlers) Liveness(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  sanitizeError(err, "database unavailable"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// paramID parses a positive integer path parameter, writing a 400 on failure.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func respondUnavailable(c *gin.Context, feature string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": feature + " is not configured"})
}
