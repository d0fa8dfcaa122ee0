package buffer

import "time"

// Filter selects entries for Read. Set fields must all match; the zero value
// (or All) selects every live entry.
type Filter struct {
	// All selects every live entry and overrides the other fields.
	All bool

	// TimeWindow keeps entries that arrived within this long before now.
	TimeWindow time.Duration

	// EnvelopeID keeps the entry whose parsed envelope has this id.
	EnvelopeID string

	// Filename keeps entries whose error events have a stack frame in this file.
	Filename string
}

// match reports whether entry passes the filter. ids holds the envelope ids
// indexed under Filename.
func (f Filter) match(entry Entry, now time.Time, ids map[string]struct{}) bool {
	if f.All {
		return true
	}
	if f.TimeWindow > 0 && now.Sub(entry.Timestamp) > f.TimeWindow {
		return false
	}
	if f.EnvelopeID != "" && entry.Container.EnvelopeID() != f.EnvelopeID {
		return false
	}
	if f.Filename != "" {
		if _, ok := ids[entry.Container.EnvelopeID()]; !ok {
			return false
		}
	}
	return true
}
