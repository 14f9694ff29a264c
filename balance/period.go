package balance

// =============================================================================
// RANGE - Inclusive interval of days
// =============================================================================

// Range is the inclusive day interval [From, To]. Recalculation, aggregation
// and change tracking all speak in ranges.
type Range struct {
	From Day
	To   Day
}

// NewRange builds a validated range.
func NewRange(from, to Day) (Range, error) {
	r := Range{From: DayOf(from.Time), To: DayOf(to.Time)}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// SingleDay is the range [d, d].
func SingleDay(d Day) Range { return Range{From: d, To: d} }

// Validate rejects ranges that end before they start.
func (r Range) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return &RangeError{From: r.From, To: r.To, Reason: "missing bound"}
	}
	if r.From.After(r.To) {
		return &RangeError{From: r.From, To: r.To, Reason: "from is after to"}
	}
	return nil
}

// Contains returns true if the day is within [From, To].
func (r Range) Contains(d Day) bool {
	return d.AfterOrEqual(r.From) && d.BeforeOrEqual(r.To)
}

// Len is the number of days in the range.
func (r Range) Len() int { return DaysBetween(r.From, r.To) + 1 }

// Days returns every day in the range, in order.
func (r Range) Days() []Day {
	days := make([]Day, 0, r.Len())
	for current := r.From; current.BeforeOrEqual(r.To); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

// Union is the smallest range covering both r and other.
func (r Range) Union(other Range) Range {
	return Range{From: MinDay(r.From, other.From), To: MaxDay(r.To, other.To)}
}

func (r Range) String() string {
	return "[" + r.From.String() + ", " + r.To.String() + "]"
}
