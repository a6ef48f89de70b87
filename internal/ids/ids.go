package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxLength bounds caller supplied identifiers such as transaction ids.
const MaxLength = 128

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Transaction returns a fresh ledger transaction id.
func Transaction() string {
	return "txn_" + New()
}

// Normalize trims a caller supplied identifier and reports whether it is usable.
// An empty result with ok == true means "generate one".
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if len(id) > MaxLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Timestamp extracts the creation time encoded in a ULID based id.
func Timestamp(id string) (time.Time, bool) {
	id = strings.TrimPrefix(id, "txn_")
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
