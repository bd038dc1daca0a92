package lims

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ComputeFlag classifies value against the reference range [low, high].
// Comparisons are strict, so values on a bound are NORMAL. A value that does
// not parse as a number is NORMAL, and a bound that does not parse is ignored.
func ComputeFlag(value, low, high string) Flag {
	v, ok := parseNumber(value)
	if !ok {
		return FlagNormal
	}
	if lo, ok := parseNumber(low); ok && v < lo {
		return FlagLow
	}
	if hi, ok := parseNumber(high); ok && v > hi {
		return FlagHigh
	}
	return FlagNormal
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// -- Inventory --

// ComputeStockStatus derives the stock status of an item.
func ComputeStockStatus(onHand, reorderLevel int) StockStatus {
	switch {
	case onHand <= 0:
		return StockOut
	case onHand <= reorderLevel:
		return StockLow
	default:
		return StockOK
	}
}

// AdjustedOnHand applies delta, floors the result at zero and saturates at
// math.MaxInt instead of wrapping.
func AdjustedOnHand(onHand, delta int) int {
	if delta > 0 && onHand > math.MaxInt-delta {
		return math.MaxInt
	}
	n := onHand + delta
	if n < 0 {
		return 0
	}
	return n
}

// ExpiringSoon reports whether expiry falls within windowDays calendar days
// on or after ref. Items without an expiry never expire.
func ExpiringSoon(expiry *time.Time, ref time.Time, windowDays int) bool {
	if expiry == nil {
		return false
	}
	days := daysBetween(ref, *expiry)
	return days >= 0 && days <= windowDays
}

func daysBetween(from, to time.Time) int {
	f := truncateDay(from)
	t := truncateDay(to)
	return int(math.Round(t.Sub(f).Hours() / 24))
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// -- QC --

// QCThresholds are the |z| limits above which a QC run is warned or failed.
type QCThresholds struct {
	Warn float64
	Fail float64
}

// ZScore is (result-mean)/sd, or 0 when sd is 0.
func ZScore(result, mean, sd float64) float64 {
	if sd == 0 {
		return 0
	}
	return (result - mean) / sd
}

// SuggestQCStatus classifies a z-score against the thresholds.
func SuggestQCStatus(z float64, th QCThresholds) QCStatus {
	a := math.Abs(z)
	switch {
	case a > th.Fail:
		return QCFail
	case a > th.Warn:
		return QCWarn
	default:
		return QCPass
	}
}
