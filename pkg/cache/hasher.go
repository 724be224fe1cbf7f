package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BuildSnapshotKey builds the cache key under which a session's
// LearningMatrix snapshot is stored.
func BuildSnapshotKey(sessionID string) string {
	return fmt.Sprintf("snapshot:%s", sessionID)
}

// BuildMaterialsKey builds a deterministic cache key for a learned-parameters
// lookup, keyed by material id and target weight. Target weight is rounded
// to one decimal (the unit factor's resolution) so lookups for the same
// nominal target collide regardless of floating point noise.
func BuildMaterialsKey(materialID string, targetWeight float64) string {
	return fmt.Sprintf("materials:%s:%.1f", materialID, targetWeight)
}

// QuickHash computes a full SHA-256 hex digest of arbitrary data.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash computes a truncated (16 hex character) SHA-256 digest,
// suitable for compact cache keys where full collision resistance isn't
// required.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
