package cache

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotCache stores periodic JSON snapshots of a calibration session's
// LearningMatrix, keyed by session id, so that an external status reader
// (the Control/Status Server) can see reasonably fresh progress without
// touching any stage controller's lock.
type SnapshotCache struct {
	cache      Cache
	defaultTTL time.Duration
}

// BucketStageSnapshot is the serialized state of one (hopper, stage) cell
// of the LearningMatrix at the moment the snapshot was taken.
type BucketStageSnapshot struct {
	Hopper   int    `json:"hopper"`
	Stage    string `json:"stage"`
	Status   string `json:"status"` // pending, in_progress, completed_success, completed_failure
	Attempts int    `json:"attempts"`
	Message  string `json:"message,omitempty"`
}

// LearningMatrixSnapshot is the cached representation of an entire
// session's LearningMatrix at a point in time.
type LearningMatrixSnapshot struct {
	SessionID    string                `json:"session_id"`
	Buckets      []BucketStageSnapshot `json:"buckets"`
	Successes    int                   `json:"successes"`
	Failures     int                   `json:"failures"`
	Total        int                   `json:"total"`
	AllCompleted bool                  `json:"all_completed"`
	CapturedAt   time.Time             `json:"captured_at"`
}

// NewSnapshotCache creates a cache for LearningMatrix snapshots.
func NewSnapshotCache(cache Cache, defaultTTL time.Duration) *SnapshotCache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	return &SnapshotCache{
		cache:      cache,
		defaultTTL: defaultTTL,
	}
}

// Get retrieves the most recently stored snapshot for a session, if any.
func (sc *SnapshotCache) Get(ctx context.Context, sessionID string) (*LearningMatrixSnapshot, bool, error) {
	key := BuildSnapshotKey(sessionID)

	data, err := sc.cache.Get(ctx, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	var snapshot LearningMatrixSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// Corrupted entry; drop it and report a miss, best effort.
		_ = sc.cache.Delete(ctx, key)
		return nil, false, nil
	}

	return &snapshot, true, nil
}

// Set stores a snapshot for a session, overwriting any prior snapshot.
func (sc *SnapshotCache) Set(ctx context.Context, snapshot *LearningMatrixSnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = sc.defaultTTL
	}

	snapshot.CapturedAt = time.Now()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return sc.cache.Set(ctx, BuildSnapshotKey(snapshot.SessionID), data, ttl)
}

// Invalidate removes the cached snapshot for a session, e.g. on session reset.
func (sc *SnapshotCache) Invalidate(ctx context.Context, sessionID string) error {
	return sc.cache.Delete(ctx, BuildSnapshotKey(sessionID))
}
