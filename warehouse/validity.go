package warehouse

// =============================================================================
// VALIDITY - Half-open interval a dimension version is in effect
// =============================================================================

// Validity is the interval [From, To) during which a dimension version is
// the truth for its natural key. To == nil means the interval is open: the
// version is current.
//
// Intervals of one natural key are contiguous: each version's To equals the
// next version's From.
type Validity struct {
	From Date
	To   *Date
}

func OpenFrom(from Date) Validity {
	return Validity{From: from}
}

// IsOpen returns true if the interval has no end.
func (v Validity) IsOpen() bool { return v.To == nil }

// Contains returns true if the day falls inside [From, To).
func (v Validity) Contains(d Date) bool {
	if d.Before(v.From) {
		return false
	}
	if v.To != nil && !d.Before(*v.To) {
		return false
	}
	return true
}

// Close returns a copy of the interval ending at `at` (exclusive).
func (v Validity) Close(at Date) Validity {
	end := at
	return Validity{From: v.From, To: &end}
}

func (v Validity) String() string {
	if v.To == nil {
		return "[" + v.From.String() + ", open)"
	}
	return "[" + v.From.String() + ", " + v.To.String() + ")"
}
