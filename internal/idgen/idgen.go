// Package idgen generates the lexicographically-sortable task identifiers
// used as primary key, directory name, and Markdown filename stem.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTaskID returns a new time-prefixed, monotonic, URL-safe ULID string.
// ulid.Monotonic is not safe for concurrent use, so calls are serialized;
// this is cheap relative to the disk I/O admission already performs.
func NewTaskID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
