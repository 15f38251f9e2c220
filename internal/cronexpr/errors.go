package cronexpr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrParse   = errors.New("cron: parse error")
	ErrNoMatch = errors.New("cron: no matching time")
)

// ParseError names the offending field and token.
type ParseError struct {
	Expr   string
	Field  string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cron: invalid expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("cron: invalid %s %q in %q: %s", e.Field, e.Value, e.Expr, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// NoMatchError is returned when no time within the search horizon satisfies every field.
type NoMatchError struct {
	Expr  string
	From  time.Time
	Until time.Time
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("cron: %q has no match between %s and %s",
		e.Expr, e.From.Format(time.RFC3339), e.Until.Format(time.RFC3339))
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }
