// Package cronexpr parses 5-field cron expressions and computes fire times.
//
// Supported forms:
//   - Fields: minute hour day-of-month month day-of-week
//   - Tokens: "*", "5", "*/15", "1-5", "0-30/10", "5/15", "1,15,30"
//   - Aliases: @hourly, @daily (@midnight), @weekly, @monthly, @yearly (@annually), @every_minute
//
// Day-of-week uses 0-6 with Sunday=0; 7 is accepted as Sunday.
// A candidate time matches only when all five fields match.
package cronexpr

import (
	"strconv"
	"strings"
)

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 7},
}

var aliases = map[string]string{
	"@every_minute": "* * * * *",
	"@hourly":       "0 * * * *",
	"@daily":        "0 0 * * *",
	"@midnight":     "0 0 * * *",
	"@weekly":       "0 0 * * 0",
	"@monthly":      "0 0 1 * *",
	"@yearly":       "0 0 1 1 *",
	"@annually":     "0 0 1 1 *",
}

// bitset holds allowed values 0..63 for one field.
type bitset uint64

func (b bitset) has(v int) bool { return v >= 0 && v < 64 && b&(1<<uint(v)) != 0 }

func (b *bitset) set(v int) { *b |= 1 << uint(v) }

// Expression is a parsed cron expression. It is immutable and safe for concurrent use.
type Expression struct {
	raw string

	minute bitset
	hour   bitset
	dom    bitset
	month  bitset
	dow    bitset
}

// String returns the expression as given to Parse.
func (e *Expression) String() string { return e.raw }

// MustParse is Parse that panics on error. Intended for package-level vars and tests.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse parses a 5-field expression or an alias.
func Parse(expr string) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, &ParseError{Expr: expr, Reason: "empty expression"}
	}

	spec := raw
	if strings.HasPrefix(raw, "@") {
		a, ok := aliases[strings.ToLower(raw)]
		if !ok {
			return nil, &ParseError{Expr: expr, Field: "alias", Value: raw, Reason: "unknown alias"}
		}
		spec = a
	}

	parts := strings.Fields(spec)
	if len(parts) != len(fields) {
		return nil, &ParseError{Expr: expr, Reason: "expected 5 fields, got " + strconv.Itoa(len(parts))}
	}

	e := &Expression{raw: raw}
	sets := []*bitset{&e.minute, &e.hour, &e.dom, &e.month, &e.dow}
	for i, p := range parts {
		b, err := parseField(expr, fields[i], p)
		if err != nil {
			return nil, err
		}
		*sets[i] = b
	}
	// 7 is an alias for Sunday.
	if e.dow.has(7) {
		e.dow.set(0)
		e.dow &^= 1 << 7
	}
	return e, nil
}

func parseField(expr string, f field, raw string) (bitset, error) {
	var out bitset
	for _, tok := range strings.Split(raw, ",") {
		if err := parseToken(expr, f, tok, &out); err != nil {
			return 0, err
		}
	}
	return out, nil
}

func parseToken(expr string, f field, tok string, out *bitset) error {
	bad := func(reason string) error {
		return &ParseError{Expr: expr, Field: f.name, Value: tok, Reason: reason}
	}
	if tok == "" {
		return bad("empty token")
	}

	rangePart, stepPart, hasStep := strings.Cut(tok, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return bad("step must be a positive integer")
		}
		step = n
	}

	lo, hi := f.min, f.max
	switch {
	case rangePart == "*":
		if f.name == "day-of-week" {
			hi = 6
		}
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		x, err := atoiField(a)
		if err != nil {
			return bad("invalid range start")
		}
		y, err := atoiField(b)
		if err != nil {
			return bad("invalid range end")
		}
		if x > y {
			return bad("range start after end")
		}
		lo, hi = x, y
	default:
		n, err := atoiField(rangePart)
		if err != nil {
			return bad("not a number")
		}
		lo = n
		if hasStep {
			// "5/15" means starting at 5 through the field maximum.
			hi = f.max
			if f.name == "day-of-week" {
				hi = 6
			}
		} else {
			hi = n
		}
	}

	if lo < f.min || hi > f.max {
		return bad("out of range " + strconv.Itoa(f.min) + "-" + strconv.Itoa(f.max))
	}
	for v := lo; v <= hi; v += step {
		out.set(v)
	}
	return nil
}

func atoiField(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}
