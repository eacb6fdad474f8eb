package engram

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new UUIDv7 string. Time-ordered, safe for primary keys.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current Unix timestamp in seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// HashID returns a short stable hash of an identifier, for logs and metrics.
// Raw user ids and message content never appear in telemetry; this is the
// only form they take.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}
