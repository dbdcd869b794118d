package syncer

import "fmt"

const legacyUIDDomain = "calendar-hub.local"

// StandardUID is the remote object UID used by the regular sync path.
func StandardUID(sourceID int64, externalID string) string {
	return fmt.Sprintf("ch-%d-%s", sourceID, externalID)
}

// LegacyUID is the UID scheme of objects pushed by the older filter-sync path.
// Objects created under it still exist remotely, so filter sync deletes both forms.
func LegacyUID(sourceID int64, externalID string) string {
	return fmt.Sprintf("%s@%d.%s", externalID, sourceID, legacyUIDDomain)
}
