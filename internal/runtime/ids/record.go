package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRecordID returns a time-sortable ULID that tags a persisted exchange
// record. IDs created by one process are strictly increasing.
func NewRecordID() string {
	return newRecordIDAt(time.Now())
}

func newRecordIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// RecordIDTime returns the enqueue time embedded in id, with millisecond
// precision.
func RecordIDTime(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
