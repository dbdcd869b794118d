package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/macjediwizard/calhub/internal/db"
)

// ChangeResult is the outcome of FetchWithChangeDetection.
type ChangeResult struct {
	// Changed is false only when the feed answered 304 and local settings are unchanged.
	Changed bool
	// Hash is the current change hash, to be stored after a successful sync.
	Hash   string
	Result *FetchResult
}

// ChangeHash hashes the rule and sync settings that affect what gets pushed.
// Mappings and filters are hashed in position order, then the source settings.
func (a *Adapter) ChangeHash(ctx context.Context, source *db.Source) (string, error) {
	mappings, err := a.store.ListActiveEventMappings(ctx, source.ID)
	if err != nil {
		return "", err
	}
	filters, err := a.store.ListActiveFilterRules(ctx, source.ID)
	if err != nil {
		return "", err
	}

	rules := sha256.New()
	for _, m := range mappings {
		writeFields(rules, "mapping", m.Pattern, m.Replacement, string(m.MatchType), strconv.FormatBool(m.CaseSensitive))
	}
	for _, f := range filters {
		writeFields(rules, "filter", f.Pattern, string(f.FieldName), string(f.MatchType), strconv.FormatBool(f.CaseSensitive))
	}

	settings := sha256.New()
	writeFields(settings,
		strconv.Itoa(int(source.Frequency(a.defaultFreq).Minutes())),
		optionalInt(source.SyncWindowStartHour),
		optionalInt(source.SyncWindowEndHour),
		source.TimeZone,
	)

	combined := sha256.New()
	combined.Write(rules.Sum(nil))
	combined.Write(settings.Sum(nil))
	return hex.EncodeToString(combined.Sum(nil)), nil
}

// HasChanges reports whether the settings hash differs from the stored one.
func (a *Adapter) HasChanges(ctx context.Context, source *db.Source) (bool, string, error) {
	current, err := a.ChangeHash(ctx, source)
	if err != nil {
		return false, "", err
	}
	return current != source.LastChangeHash, current, nil
}

// FetchWithChangeDetection fetches the feed and reports whether a full sync is needed.
// When local settings changed the fetch is unconditional so the sync sees every event.
func (a *Adapter) FetchWithChangeDetection(ctx context.Context, source *db.Source) (*ChangeResult, error) {
	settingsChanged, current, err := a.HasChanges(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compute change hash: %w", err)
	}

	result, err := a.fetch(ctx, source, !settingsChanged)
	if err != nil {
		return nil, err
	}

	return &ChangeResult{
		Changed: settingsChanged || !result.NotModified,
		Hash:    current,
		Result:  result,
	}, nil
}

func writeFields(h hash.Hash, fields ...string) {
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	h.Write([]byte{'\n'})
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
