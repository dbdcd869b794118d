package syncer

import (
	"context"
	"log"
	"time"

	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/metrics"
)

// Observer receives the progress of one sync run.
type Observer interface {
	Start(total int)
	UpsertSuccess(externalID string)
	UpsertError(externalID string, err error)
	DeleteSuccess(externalID string)
	DeleteError(externalID string, err error)
}

// NullObserver discards all progress.
type NullObserver struct{}

func (NullObserver) Start(int)                 {}
func (NullObserver) UpsertSuccess(string)      {}
func (NullObserver) UpsertError(string, error) {}
func (NullObserver) DeleteSuccess(string)      {}
func (NullObserver) DeleteError(string, error) {}

// AttemptStore persists attempt progress.
type AttemptStore interface {
	StartAttempt(ctx context.Context, id int64, total int) error
	RecordEventResult(ctx context.Context, result *db.SyncEventResult) error
}

// AttemptObserver records progress on a SyncAttempt row: the total on Start and
// one SyncEventResult per event outcome.
type AttemptObserver struct {
	ctx       context.Context
	store     AttemptStore
	attemptID int64
	now       func() time.Time
}

// NewAttemptObserver creates an observer bound to an attempt.
func NewAttemptObserver(ctx context.Context, store AttemptStore, attemptID int64) *AttemptObserver {
	return &AttemptObserver{ctx: ctx, store: store, attemptID: attemptID, now: time.Now}
}

func (o *AttemptObserver) Start(total int) {
	if err := o.store.StartAttempt(o.ctx, o.attemptID, total); err != nil {
		log.Printf("Failed to start attempt %d: %v", o.attemptID, err)
	}
}

func (o *AttemptObserver) UpsertSuccess(externalID string) {
	o.record(externalID, db.ActionUpsert, nil)
}

func (o *AttemptObserver) UpsertError(externalID string, err error) {
	o.record(externalID, db.ActionUpsert, err)
}

func (o *AttemptObserver) DeleteSuccess(externalID string) {
	o.record(externalID, db.ActionDelete, nil)
}

func (o *AttemptObserver) DeleteError(externalID string, err error) {
	o.record(externalID, db.ActionDelete, err)
}

func (o *AttemptObserver) record(externalID string, action db.SyncAction, err error) {
	result := &db.SyncEventResult{
		AttemptID:  o.attemptID,
		ExternalID: externalID,
		Action:     action,
		Success:    err == nil,
		OccurredAt: o.now(),
	}
	if err != nil {
		result.ErrorMessage = err.Error()
	}
	if err := o.store.RecordEventResult(o.ctx, result); err != nil {
		log.Printf("Failed to record %s result for %s on attempt %d: %v", action, externalID, o.attemptID, err)
	}
}

// multiObserver fans progress out to several observers.
type multiObserver []Observer

func (m multiObserver) Start(total int) {
	for _, o := range m {
		o.Start(total)
	}
}

func (m multiObserver) UpsertSuccess(externalID string) {
	for _, o := range m {
		o.UpsertSuccess(externalID)
	}
}

func (m multiObserver) UpsertError(externalID string, err error) {
	for _, o := range m {
		o.UpsertError(externalID, err)
	}
}

func (m multiObserver) DeleteSuccess(externalID string) {
	for _, o := range m {
		o.DeleteSuccess(externalID)
	}
}

func (m multiObserver) DeleteError(externalID string, err error) {
	for _, o := range m {
		o.DeleteError(externalID, err)
	}
}

// stats counts outcomes for the run summary and exports them as metrics.
type stats struct {
	fetched int
	upserts int
	deletes int
	errors  int
}

func (s *stats) Start(total int) { s.fetched = total }

func (s *stats) UpsertSuccess(string) {
	s.upserts++
	metrics.ObserveSyncEvent(string(db.ActionUpsert), true)
}

func (s *stats) UpsertError(string, error) {
	s.errors++
	metrics.ObserveSyncEvent(string(db.ActionUpsert), false)
}

func (s *stats) DeleteSuccess(string) {
	s.deletes++
	metrics.ObserveSyncEvent(string(db.ActionDelete), true)
}

func (s *stats) DeleteError(string, error) {
	s.errors++
	metrics.ObserveSyncEvent(string(db.ActionDelete), false)
}
