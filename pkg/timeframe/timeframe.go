// Package timeframe converts candle timeframe labels such as "1m" or "4h" into durations.
package timeframe

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const day = 24 * time.Hour

var durations = map[string]time.Duration{
	"1s":  time.Second,
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  day,
	"3d":  3 * day,
	"1w":  7 * day,
	"1M":  30 * day, // calendar months are approximated as 30 days
}

// Duration returns the candle length for label. Labels are case sensitive
// because "1m" (minute) and "1M" (month) differ only by case.
func Duration(label string) (time.Duration, error) {
	d, ok := durations[strings.TrimSpace(label)]
	if !ok {
		return 0, fmt.Errorf("timeframe: unsupported label %q", label)
	}
	return d, nil
}

// Millis returns the candle length for label in epoch milliseconds.
func Millis(label string) (int64, error) {
	d, err := Duration(label)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// Valid reports whether label is a known timeframe.
func Valid(label string) bool {
	_, ok := durations[strings.TrimSpace(label)]
	return ok
}

// Supported returns every known label ordered from shortest to longest.
func Supported() []string {
	labels := make([]string, 0, len(durations))
	for label := range durations {
		labels = append(labels, label)
	}
	Sort(labels)
	return labels
}

// Sort orders labels by duration, then lexically. Unknown labels sort last.
func Sort(labels []string) {
	sort.SliceStable(labels, func(i, j int) bool {
		di, iok := durations[labels[i]]
		dj, jok := durations[labels[j]]
		switch {
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		case di != dj:
			return di < dj
		default:
			return labels[i] < labels[j]
		}
	})
}
