// Package guid generates time-ordered 128-bit identifiers.
//
// Identifiers are UUIDv7 values: the leading bits encode a millisecond
// timestamp, so ids created later sort after ids created earlier. This makes
// them suitable both for database clustering and as the tie-breaking
// component of creation-time cursors.
package guid

import "github.com/google/uuid"

// New returns a new time-ordered identifier.
// Falls back to a random UUIDv4 if the system entropy source fails,
// preserving uniqueness at the cost of ordering for that one id.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Timestamp extracts the creation time encoded in a v7 identifier.
// Returns false for non-v7 ids.
func Timestamp(id uuid.UUID) (int64, bool) {
	if id.Version() != 7 {
		return 0, false
	}
	sec, nsec := id.Time().UnixTime()
	return sec*1000 + nsec/1e6, true
}
