package eventbus

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idSource mints prefixed, lexically sortable ids. ULIDs from the same
// millisecond are ordered by monotonic entropy, so ids never collide within
// one process.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func newIDSource(now func() time.Time) *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0), now: now}
}

func (s *idSource) next(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return prefix + ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}
