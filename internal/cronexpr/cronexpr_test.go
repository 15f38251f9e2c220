package cronexpr

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFireTimeExamples(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		ref  string
		want string
	}{
		{expr: "*/30 * * * *", ref: "2024-05-10 12:01:00", want: "2024-05-10 12:30:00"},
		{expr: "*/30 * * * *", ref: "2024-05-10 12:31:00", want: "2024-05-10 13:00:00"},
		{expr: "*/30 * * * *", ref: "2024-05-10 12:29:59", want: "2024-05-10 12:30:00"},
		{expr: "*/30 * * * *", ref: "2024-05-10 12:30:00", want: "2024-05-10 13:00:00"},
		{expr: "@every_minute", ref: "2024-05-10 12:01:42", want: "2024-05-10 12:02:00"},
		{expr: "@hourly", ref: "2024-05-10 23:15:00", want: "2024-05-11 00:00:00"},
		{expr: "@daily", ref: "2024-12-31 00:00:00", want: "2025-01-01 00:00:00"},
		{expr: "@weekly", ref: "2024-05-10 12:00:00", want: "2024-05-12 00:00:00"},
		{expr: "@monthly", ref: "2024-01-31 10:00:00", want: "2024-02-01 00:00:00"},
		{expr: "@yearly", ref: "2024-05-10 12:00:00", want: "2025-01-01 00:00:00"},
		{expr: "15 9 * * 1-5", ref: "2024-05-10 09:15:00", want: "2024-05-13 09:15:00"},
		{expr: "0 12 29 2 *", ref: "2024-01-01 00:00:00", want: "2024-02-29 12:00:00"},
		{expr: "0-30/10 8 * * *", ref: "2024-05-10 08:25:00", want: "2024-05-10 08:30:00"},
		{expr: "5/20 * * * *", ref: "2024-05-10 08:26:00", want: "2024-05-10 08:45:00"},
		{expr: "0 0 * * 7", ref: "2024-05-10 00:00:00", want: "2024-05-12 00:00:00"},
		{expr: "0 0 13 * 5", ref: "2024-01-01 00:00:00", want: "2024-09-13 00:00:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr+"@"+tt.ref, func(t *testing.T) {
			t.Parallel()
			e, err := Parse(tt.expr)
			require.NoError(t, err)
			got, err := e.NextFireTime(at(tt.ref))
			require.NoError(t, err)
			assert.Equal(t, at(tt.want), got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr  string
		field string
	}{
		{expr: "", field: ""},
		{expr: "* * * *", field: ""},
		{expr: "60 * * * *", field: "minute"},
		{expr: "* 24 * * *", field: "hour"},
		{expr: "* * 0 * *", field: "day-of-month"},
		{expr: "* * * 13 *", field: "month"},
		{expr: "* * * * 8", field: "day-of-week"},
		{expr: "*/0 * * * *", field: "minute"},
		{expr: "5-1 * * * *", field: "minute"},
		{expr: "a * * * *", field: "minute"},
		{expr: "1,,2 * * * *", field: "minute"},
		{expr: "-1 * * * *", field: "minute"},
		{expr: "@fortnightly", field: "alias"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestUnsatisfiableExpression(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"0 0 31 2 *", "0 0 30 2 *", "0 0 31 4,6,9,11 *"} {
		e, err := Parse(expr)
		require.NoError(t, err)
		_, err = e.NextFireTime(at("2024-01-01 00:00:00"))
		require.Error(t, err, expr)
		assert.True(t, errors.Is(err, ErrNoMatch))
		assert.True(t, e.Next(at("2024-01-01 00:00:00")).IsZero())

		_, err = Validate(expr, at("2024-01-01 00:00:00"))
		assert.ErrorIs(t, err, ErrNoMatch)
	}
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"*/7 * * * *", "0 */5 * * *", "30 2 1,15 * *", "0 0 * * 1", "@monthly"} {
		e := MustParse(expr)
		ref := at("2024-03-30 22:59:30")
		prev := ref
		for i := 0; i < 50; i++ {
			next, err := e.NextFireTime(prev)
			require.NoError(t, err)
			require.True(t, next.After(prev), "%s: %v not after %v", expr, next, prev)
			require.Zero(t, next.Second())
			prev = next
		}
	}
}

func TestJumpMatchesBruteForce(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"* * * * *",
		"*/30 * * * *",
		"0 0 29 2 *",
		"0 0 31 2 *",
		"15 3 13 * 5",
		"0-10/3 22 * 12 0",
		"59 23 31 12 *",
		"0 12 1 */3 1-5",
		"5,10,55 1,13 * * 6",
		"0 0 31 * 2",
	}
	rng := rand.New(rand.NewSource(42))
	base := at("2023-01-01 00:00:00")
	for _, expr := range exprs {
		e := MustParse(expr)
		for i := 0; i < 5; i++ {
			ref := base.Add(time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour))))
			fast, ferr := e.NextFireTime(ref)
			slow, serr := e.nextBruteForce(ref)
			require.Equal(t, serr == nil, ferr == nil, "%s @ %v", expr, ref)
			assert.Equal(t, slow, fast, "%s @ %v", expr, ref)
		}
	}
}

func TestAgreesWithRobfigParser(t *testing.T) {
	t.Parallel()
	// robfig uses OR semantics when both day fields are restricted, so only
	// compare expressions that leave one of them as "*".
	exprs := []string{"*/15 * * * *", "0 9 * * 1-5", "30 4 1 * *", "0 0 1 1 *", "10-20/5 6 * 3 *"}
	ref := at("2024-02-27 13:37:00")
	for _, expr := range exprs {
		ours := MustParse(expr)
		theirs, err := cron.ParseStandard(expr)
		require.NoError(t, err)
		got, err := ours.NextFireTime(ref)
		require.NoError(t, err)
		assert.Equal(t, theirs.Next(ref), got, expr)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	e := MustParse("0 */6 * * *")
	p := e.Preview(at("2024-05-10 01:00:00"), 3)
	require.Len(t, p, 3)
	assert.Equal(t, at("2024-05-10 06:00:00"), p[0])
	assert.Equal(t, at("2024-05-10 18:00:00"), p[2])
}

func TestLocationIsPreserved(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	e := MustParse("0 8 * * *")
	ref := time.Date(2024, 5, 10, 9, 0, 0, 0, loc)
	got, err := e.NextFireTime(ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 11, 8, 0, 0, 0, loc), got)
	assert.Equal(t, loc, got.Location())
}
