package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK - Source of createdAt timestamps
// =============================================================================

// Clock is assumed monotonic enough for pagination ordering; ties on
// created_at are broken by id.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable time. Each call to Now advances by Step so
// rows written in a test still get distinct timestamps.
type FixedClock struct {
	mu   sync.Mutex
	At   time.Time
	Step time.Duration
}

func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{At: at.UTC(), Step: time.Millisecond}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.At
	c.At = c.At.Add(c.Step)
	return now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.At = c.At.Add(d)
}

// =============================================================================
// IDS
// =============================================================================

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s parses as a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
