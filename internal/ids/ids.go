package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return newULID(time.Now()).String()
}

// LotCode builds a human-readable lot code such as LOT-20261018-7K3QZ9.
// The date is the calendar day of at in its own location; pass clinic-local time.
// The suffix is the random tail of a ULID, so codes opened the same day stay distinct.
func LotCode(at time.Time) string {
	id := newULID(at).String()
	return "LOT-" + at.Format("20060102") + "-" + id[len(id)-6:]
}

// TrayCode builds the QR payload printed on a sterile tray label.
func TrayCode(at time.Time) string {
	return "BDJ-" + strings.ToUpper(newULID(at).String())
}

func newULID(at time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}
