package worker

import (
	"errors"
	"time"

	"github.com/JakeFAU/arrest-records-crawler/internal/store"
)

const defaultHeartbeat = 40 * time.Second

// HeartbeatInterval returns the renewal period for a lease of ttl.
func HeartbeatInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultHeartbeat
	}
	return ttl / 3
}

func isLeaseLost(err error) bool {
	return errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrNotFound)
}
