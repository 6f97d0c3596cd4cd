// Package clock provides time, id and hash primitives so that the rest of
// the system never reaches for time.Now or math/rand directly.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Clock yields wall time. Durations measured between two Now() calls are
// monotonic-safe because Go time.Time carries a monotonic reading.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real clock.
func System() Clock { return systemClock{} }

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a fake clock frozen at t.
func NewFake(t time.Time) *Fake { return &Fake{t: t.UTC()} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewJobID returns a lexically sortable unique job id.
func NewJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewTraceID returns a collision-resistant 128-bit trace id.
func NewTraceID() string { return uuid.New().String() }

// SHA256Hex returns the hex-encoded SHA-256 of r.
func SHA256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256HexBytes returns the hex-encoded SHA-256 of b.
func SHA256HexBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ReindexIngestID is the deterministic idempotency key for reindex jobs.
func ReindexIngestID(documentID, newVersion string) string {
	return fmt.Sprintf("reindex-%s-%s", documentID, newVersion)
}

// FormatTime serialises t as ISO-8601 UTC.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }
