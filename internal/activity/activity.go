package activity

import (
	"sync"
	"time"
)

// SyncActivity represents the current state of a sync operation.
type SyncActivity struct {
	SourceID      int64      `json:"source_id"`
	SourceName    string     `json:"source_name"`
	Status        string     `json:"status"` // "running", "completed", "partial", "error"
	TotalEvents   int        `json:"total_events"`
	EventsUpdated int        `json:"events_upserted"`
	EventsDeleted int        `json:"events_deleted"`
	EventsFailed  int        `json:"events_failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	Message       string     `json:"message,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

const maxErrorsPerSync = 20

// Tracker tracks sync activity across all sources.
type Tracker struct {
	mu             sync.RWMutex
	active         map[int64]*SyncActivity
	recent         []*SyncActivity
	maxRecentSyncs int
	now            func() time.Time
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[int64]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20,
		now:            time.Now,
	}
}

// Run reports the progress of one sync. It satisfies the sync observer interface.
type Run struct {
	tracker  *Tracker
	sourceID int64
}

// Begin starts tracking a sync for a source and returns its progress handle.
func (t *Tracker) Begin(sourceID int64, sourceName string) *Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[sourceID] = &SyncActivity{
		SourceID:   sourceID,
		SourceName: sourceName,
		Status:     "running",
		StartedAt:  t.now(),
	}
	return &Run{tracker: t, sourceID: sourceID}
}

func (r *Run) update(fn func(a *SyncActivity)) {
	r.tracker.mu.Lock()
	defer r.tracker.mu.Unlock()
	if a, exists := r.tracker.active[r.sourceID]; exists {
		fn(a)
	}
}

func (r *Run) Start(total int) {
	r.update(func(a *SyncActivity) { a.TotalEvents = total })
}

func (r *Run) UpsertSuccess(string) {
	r.update(func(a *SyncActivity) { a.EventsUpdated++ })
}

func (r *Run) UpsertError(externalID string, err error) {
	r.update(func(a *SyncActivity) { a.fail(externalID, err) })
}

func (r *Run) DeleteSuccess(string) {
	r.update(func(a *SyncActivity) { a.EventsDeleted++ })
}

func (r *Run) DeleteError(externalID string, err error) {
	r.update(func(a *SyncActivity) { a.fail(externalID, err) })
}

func (a *SyncActivity) fail(externalID string, err error) {
	a.EventsFailed++
	if len(a.Errors) < maxErrorsPerSync {
		a.Errors = append(a.Errors, externalID+": "+err.Error())
	}
}

// Finish marks the sync as completed and moves it to recent.
func (r *Run) Finish(err error) {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[r.sourceID]
	if !exists {
		return
	}

	now := t.now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()

	switch {
	case err != nil:
		activity.Status = "error"
		activity.Message = err.Error()
	case activity.EventsFailed > 0:
		activity.Status = "partial"
	default:
		activity.Status = "completed"
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	delete(t.active, r.sourceID)
}

// GetActive returns all currently active syncs.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		snapshot := *activity
		snapshot.Errors = append([]string(nil), activity.Errors...)
		snapshot.Duration = t.now().Sub(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &snapshot)
	}
	return result
}

// GetRecent returns recently completed syncs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		snapshot := *activity
		result[i] = &snapshot
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]any {
	return map[string]any{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSourceSyncing returns true if the given source is currently syncing.
func (t *Tracker) IsSourceSyncing(sourceID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[sourceID]
	return exists
}
