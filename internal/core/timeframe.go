package core

import (
	"fmt"
	"strings"
	"time"

	apperrors "paper_trader/pkg/errors"
)

// Timeframe is a candle interval label (M1, M5, M15, M30, H1, H4, D1).
type Timeframe string

// Supported timeframes.
const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

var timeframeMinutes = map[Timeframe]int{
	TimeframeM1:  1,
	TimeframeM5:  5,
	TimeframeM15: 15,
	TimeframeM30: 30,
	TimeframeH1:  60,
	TimeframeH4:  240,
	TimeframeD1:  1440,
}

// ParseTimeframe normalizes and validates a timeframe label.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("%w: invalid timeframe %q", apperrors.ErrValidation, s)
	}
	return tf, nil
}

// Minutes returns the interval length in minutes.
func (tf Timeframe) Minutes() (int, error) {
	m, ok := timeframeMinutes[tf]
	if !ok {
		return 0, fmt.Errorf("%w: invalid timeframe %q", apperrors.ErrValidation, string(tf))
	}
	return m, nil
}

// Duration returns the interval length. Panics on an invalid timeframe;
// validate with ParseTimeframe at the boundary.
func (tf Timeframe) Duration() time.Duration {
	m, err := tf.Minutes()
	if err != nil {
		panic(err)
	}
	return time.Duration(m) * time.Minute
}

// Align floors t to the timeframe grid in UTC.
func (tf Timeframe) Align(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Aligned reports whether t sits exactly on the timeframe grid.
func (tf Timeframe) Aligned(t time.Time) bool {
	m, err := tf.Minutes()
	if err != nil {
		return false
	}
	return t.UTC().Unix()%int64(m*60) == 0
}

// Next returns the grid slot after t.
func (tf Timeframe) Next(t time.Time) time.Time {
	return tf.Align(t).Add(tf.Duration())
}

// SlotsBetween counts grid slots in [start, end), assuming both are aligned.
func (tf Timeframe) SlotsBetween(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / tf.Duration())
}
