package availability

import (
	"context"
	"time"
)

// DefaultCacheTTL bounds how stale a cached search can be.
const DefaultCacheTTL = 300 * time.Second

// DateLayout is the calendar date format accepted by searches.
const DateLayout = "2006-01-02"

// SlotCache is the key-value store backing availability searches.
// Get reports a miss as (nil, false, nil).
type SlotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey names the search result for a specialty on the UTC calendar day containing t.
func CacheKey(specialty string, t time.Time) string {
	return "slots:" + specialty + ":" + t.UTC().Format(DateLayout)
}

// ParseDay parses a YYYY-MM-DD date as midnight UTC.
func ParseDay(date string) (time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return day, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
