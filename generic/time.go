package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// MONTH - Calendar month (the unit of every benefit computation)
// =============================================================================

// Month is a calendar month. Its canonical text form is "MM-YYYY"
// (e.g. "01-2025"), which is also how it appears as a JSON map key.
type Month struct {
	Year  int
	Month time.Month
}

// NewMonth returns the month of year y.
func NewMonth(y int, m time.Month) Month { return Month{Year: y, Month: m} }

// MonthOf returns the month containing t (in UTC).
func MonthOf(t time.Time) Month {
	t = t.UTC()
	return Month{Year: t.Year(), Month: t.Month()}
}

// ParseMonth accepts "MM-YYYY" and "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Month{}, fmt.Errorf("invalid month %q", s)
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil {
		return Month{}, fmt.Errorf("invalid month %q", s)
	}
	y, m := b, a
	if len(parts[0]) == 4 {
		y, m = a, b
	}
	if m < 1 || m > 12 || y < 1 {
		return Month{}, fmt.Errorf("invalid month %q", s)
	}
	return Month{Year: y, Month: time.Month(m)}, nil
}

// Comparison
func (m Month) index() int { return m.Year*12 + int(m.Month) - 1 }
func (m Month) Before(other Month) bool { return m.index() < other.index() }
func (m Month) After(other Month) bool { return m.index() > other.index() }
func (m Month) Equal(other Month) bool { return m.index() == other.index() }
func (m Month) IsZero() bool { return m.Year == 0 && m.Month == 0 }
func (m Month) FirstDay() time.Time { return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC) }
func (m Month) String() string { return fmt.Sprintf("%02d-%04d", int(m.Month), m.Year) }

// AddMonths returns the month n months later (earlier for negative n).
func (m Month) AddMonths(n int) Month {
	i := m.index() + n
	return Month{Year: i / 12, Month: time.Month(i%12 + 1)}
}

func (m Month) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// MONTH RANGE - Inclusive span of months
// =============================================================================

// MaxRangeMonths is the longest span a MonthRange may cover.
const MaxRangeMonths = 120

// MonthRange is the inclusive span [Start, End].
type MonthRange struct {
	Start Month `json:"start"`
	End   Month `json:"end"`
}

// ParseMonthRange accepts "2025-01..2025-03" or a single month.
func ParseMonthRange(s string) (MonthRange, error) {
	from, to, found := strings.Cut(s, "..")
	if !found {
		to = from
	}
	start, err := ParseMonth(from)
	if err != nil {
		return MonthRange{}, err
	}
	end, err := ParseMonth(to)
	if err != nil {
		return MonthRange{}, err
	}
	r := MonthRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return MonthRange{}, err
	}
	return r, nil
}

// Validate rejects zero, inverted and overlong ranges.
func (r MonthRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrInvalidPeriod
	}
	if r.End.Before(r.Start) {
		return ErrInvalidPeriod
	}
	if n := r.End.index() - r.Start.index() + 1; n > MaxRangeMonths {
		return Invalid("period", fmt.Sprintf("spans %d months, at most %d allowed", n, MaxRangeMonths))
	}
	return nil
}

// Months lists every month of the range in order.
func (r MonthRange) Months() []Month {
	var months []Month
	for m := r.Start; !m.After(r.End); m = m.AddMonths(1) {
		months = append(months, m)
	}
	return months
}

// Contains returns true if m is within the range.
func (r MonthRange) Contains(m Month) bool {
	return !m.Before(r.Start) && !m.After(r.End)
}

func (r MonthRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + "]"
}
