// Package window computes the query time window.
package window

import (
	"errors"
	"fmt"
	"time"
)

const (
	// TimestampLayout is the ATP API timestamp format (UTC, milliseconds).
	TimestampLayout = "2006-01-02T15:04:05.000Z"

	// ReferenceLayout is the command line format of the reference time.
	ReferenceLayout = "2006-01-02_15:04:05"

	// MaxHours is the longest range the events API accepts.
	MaxHours = 7 * 24
)

var (
	ErrNegative = errors.New("days and hours must not be negative")
	ErrTooLong  = errors.New("max date range allowed by API is 7 days or 168 hours")
)

// Window is the half-open range [Start, End) sent with a query.
type Window struct {
	Start time.Time
	End   time.Time
}

// New returns the window ending at reference and reaching back days and hours.
func New(reference time.Time, days, hours int) (Window, error) {
	if days < 0 || hours < 0 {
		return Window{}, ErrNegative
	}
	if days > MaxHours/24 || hours > MaxHours || days*24+hours > MaxHours {
		return Window{}, fmt.Errorf("%w: got %d days and %d hours", ErrTooLong, days, hours)
	}

	end := reference.UTC()
	return Window{
		Start: end.Add(-time.Duration(days*24+hours) * time.Hour),
		End:   end,
	}, nil
}

// StartTime formats Start for the API.
func (w Window) StartTime() string {
	return Format(w.Start)
}

// EndTime formats End for the API.
func (w Window) EndTime() string {
	return Format(w.End)
}

// Duration of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Format renders t in the API timestamp format.
func Format(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseReference parses a command line reference time as UTC.
func ParseReference(s string) (time.Time, error) {
	t, err := time.ParseInLocation(ReferenceLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date time %q, expected yyyy-mm-dd_hh:mm:ss", s)
	}
	return t, nil
}
