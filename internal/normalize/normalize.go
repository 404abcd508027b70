// Package normalize converts raw export cells into canonical typed values.
//
// Every function here is pure and never fails: a cell that cannot be
// understood yields the documented default together with a diagnostic, so
// dirty rows are ingested rather than dropped.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/text/width"
)

// ErrUnparsable is wrapped by diagnostics for cells that could not be read.
var ErrUnparsable = errors.New("unparsable value")

// ErrNegative marks a counter or timestamp below zero. The cell reads as
// absent.
var ErrNegative = errors.New("negative value")

// msThreshold separates millisecond from second epoch values.
const msThreshold = 1e12

// Result carries a normalized value, whether the input held a usable value,
// and an optional diagnostic describing why it did not.
type Result[T any] struct {
	Value T
	Valid bool
	Diag  error
}

// extra layouts tried after cast.StringToDate, all read as UTC
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/01/02",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"2006/1/2",
	"2006-1-2 15:04:05",
	"2006-1-2",
	"2006.01.02 15:04:05",
	"2006.01.02",
}

// Missing reports whether a raw cell should be treated as absent.
func Missing(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "nan", "null", "none", "nat":
		return true
	}
	return false
}

// String trims a text cell and maps missing markers to "".
func String(raw string) string {
	if Missing(raw) {
		return ""
	}
	return strings.TrimSpace(raw)
}

// Timestamp converts a cell to epoch seconds.
//
// 13-digit values are milliseconds, 10-digit values are seconds, other
// numbers above 1e12 are milliseconds, and anything else is parsed as a
// calendar date-time (naive values are UTC). Negative numbers are invalid.
func Timestamp(raw string) Result[int64] {
	if Missing(raw) {
		return Result[int64]{}
	}
	s := width.Narrow.String(strings.TrimSpace(raw))

	if isDigits(s) {
		switch len(s) {
		case 13:
			v, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				return Result[int64]{Value: v / 1000, Valid: true}
			}
		case 10:
			v, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				return Result[int64]{Value: v, Valid: true}
			}
		}
	}

	if f, err := cast.ToFloat64E(s); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		if f < 0 {
			return Result[int64]{Diag: fmt.Errorf("timestamp %q: %w", raw, ErrNegative)}
		}
		v := int64(f)
		if f > msThreshold {
			v = int64(f / 1000)
		}
		return Result[int64]{Value: v, Valid: true}
	}

	if t, ok := parseDate(s); ok {
		return Result[int64]{Value: t.Unix(), Valid: true}
	}

	return Result[int64]{Diag: fmt.Errorf("timestamp %q: %w", raw, ErrUnparsable)}
}

// Int converts a counter cell to a non-negative integer, tolerating
// "12.0"-style values and full-width digits. Missing or unparsable input
// yields 0.
func Int(raw string) Result[int64] {
	if Missing(raw) {
		return Result[int64]{}
	}
	s := width.Narrow.String(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", "")

	f, err := cast.ToFloat64E(s)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Result[int64]{Diag: fmt.Errorf("integer %q: %w", raw, ErrUnparsable)}
	}
	v := int64(f)
	if v < 0 {
		return Result[int64]{Diag: fmt.Errorf("integer %q: %w", raw, ErrNegative)}
	}
	return Result[int64]{Value: v, Valid: true}
}

// Ptr returns a pointer to the value when valid, nil otherwise. Documents
// store optional timestamps this way.
func (r Result[T]) Ptr() *T {
	if !r.Valid {
		return nil
	}
	v := r.Value
	return &v
}

func parseDate(s string) (time.Time, bool) {
	if t, err := cast.StringToDate(s); err == nil {
		return t, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
