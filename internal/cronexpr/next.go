package cronexpr

import "time"

// Horizon bounds the forward search for a matching minute.
const Horizon = 366 * 24 * time.Hour

// NextFireTime returns the first minute strictly after ref (seconds truncated)
// at which every field matches. Times are evaluated in ref's location.
//
// Whole months, days and hours that cannot match are skipped instead of being
// scanned minute by minute; the result is the same as a linear scan.
func (e *Expression) NextFireTime(ref time.Time) (time.Time, error) {
	start := truncateMinute(ref).Add(time.Minute)
	limit := start.Add(Horizon)
	loc := ref.Location()

	t := start
	for t.Before(limit) {
		y, mo, d := t.Date()
		h := t.Hour()

		var next time.Time
		switch {
		case !e.month.has(int(mo)):
			next = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
		case !e.dom.has(d) || !e.dow.has(int(t.Weekday())):
			next = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		case !e.hour.has(h):
			next = time.Date(y, mo, d, h+1, 0, 0, 0, loc)
		case !e.minute.has(t.Minute()):
			next = t.Add(time.Minute)
		default:
			return t, nil
		}
		// DST folds can map a wall-clock jump onto an earlier instant.
		if !next.After(t) {
			next = t.Add(time.Minute)
		}
		t = next
	}
	return time.Time{}, &NoMatchError{Expr: e.raw, From: start, Until: limit}
}

// Next implements robfig/cron's Schedule interface. It returns the zero time
// when nothing matches, which cron treats as "never".
func (e *Expression) Next(t time.Time) time.Time {
	n, err := e.NextFireTime(t)
	if err != nil {
		return time.Time{}
	}
	return n
}

// Matches reports whether t (at minute precision) satisfies every field.
func (e *Expression) Matches(t time.Time) bool {
	return e.minute.has(t.Minute()) &&
		e.hour.has(t.Hour()) &&
		e.dom.has(t.Day()) &&
		e.month.has(int(t.Month())) &&
		e.dow.has(int(t.Weekday()))
}

// nextBruteForce is the reference linear scan used to check NextFireTime.
func (e *Expression) nextBruteForce(ref time.Time) (time.Time, error) {
	start := truncateMinute(ref).Add(time.Minute)
	n := int(Horizon / time.Minute)
	for i := 0; i < n; i++ {
		t := start.Add(time.Duration(i) * time.Minute)
		if e.Matches(t) {
			return t, nil
		}
	}
	return time.Time{}, &NoMatchError{Expr: e.raw, From: start, Until: start.Add(Horizon)}
}

func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// Validate parses expr and checks that it fires at least once within the
// horizon after now, so unsatisfiable schedules are rejected at registration.
func Validate(expr string, now time.Time) (*Expression, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if _, err := e.NextFireTime(now); err != nil {
		return nil, err
	}
	return e, nil
}

// Preview returns up to n upcoming fire times after from.
func (e *Expression) Preview(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, err := e.NextFireTime(t)
		if err != nil {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
