package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobStatusKey scopes a status entry to its owner so one owner can never
// read another's job through the cache.
func JobStatusKey(ownerID, jobID uuid.UUID) string {
	return fmt.Sprintf("scan:status:%s:%s", ownerID, jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
