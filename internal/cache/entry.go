package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrTierUnavailable wraps failures of the distributed or durable tier.
	// The manager logs these and falls back to the remaining tiers.
	ErrTierUnavailable = errors.New("cache tier unavailable")

	// ErrEntryTooLarge is returned by the durable tier for payloads above its cap.
	ErrEntryTooLarge = errors.New("cache entry exceeds durable tier capacity")

	// ErrEmptyKey is returned by Set for an empty key.
	ErrEmptyKey = errors.New("empty cache key")
)

// Entry is the envelope every tier stores. Timestamp and TTL are milliseconds;
// a TTL of zero never expires. Size is the uncompressed payload length.
type Entry struct {
	Data       []byte `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	TTL        int64  `json:"ttl"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
}

// Expired reports whether the entry's age exceeds its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// Tier is one storage layer. A miss is (nil, false, nil); errors mean the
// tier could not answer.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// SegmentKey is the cache key of one rendered segment.
func SegmentKey(trackID, quality string, index int) string {
	return hashKey("segment:" + trackID + ":" + quality + ":" + strconv.Itoa(index))
}

// MetadataKey is the cache key of a track's metadata.
func MetadataKey(trackID string) string {
	return hashKey("metadata:" + trackID)
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
