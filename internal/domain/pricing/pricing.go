// Package pricing computes prescribed quantities, bounded quantity
// adjustments and bill totals.
package pricing

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/prescription"
)

var (
	timesPattern    = regexp.MustCompile(`(\d+)\s*times?\b`)
	durationPattern = regexp.MustCompile(`^\s*([+-]?\d+)`)
)

// FrequencyMultiplier returns the number of doses per day implied by a
// free-form frequency. Unrecognised text yields 1.
func FrequencyMultiplier(frequency string) int {
	f := strings.ToLower(frequency)

	if m := timesPattern.FindStringSubmatch(f); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
		return 1
	}

	switch {
	case strings.Contains(f, "thrice"):
		return 3
	case strings.Contains(f, "twice"):
		return 2
	case strings.Contains(f, "once"):
		return 1
	}
	return 1
}

// DurationDays parses the leading integer of a duration such as "5" or
// "5 days". ok is false when no positive count is present.
func DurationDays(duration string) (int, bool) {
	m := durationPattern.FindStringSubmatch(duration)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// MaxRequiredQuantity caps the units implied by a prescription. Frequency
// and duration are free text, often read from a photo.
const MaxRequiredQuantity = 10000

// RequiredQuantity is the clinically implied unit count for a medication.
// It is both the default and the maximum bill quantity and lies in
// [1, MaxRequiredQuantity].
func RequiredQuantity(med prescription.Medication) int {
	days, ok := DurationDays(med.Duration)
	if !ok {
		return 1
	}
	perDay := FrequencyMultiplier(med.Frequency)
	if perDay > MaxRequiredQuantity/days {
		return MaxRequiredQuantity
	}
	return perDay * days
}

// AdjustQuantity applies delta to current and clamps the result to [1, max].
// A max below 1 is treated as 1.
func AdjustQuantity(current, delta, max int) int {
	if max < 1 {
		max = 1
	}
	q := current + delta
	if q < 1 {
		return 1
	}
	if q > max {
		return max
	}
	return q
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LineTotal is unitPrice x quantity rounded for display.
func LineTotal(unitPrice float64, quantity int) float64 {
	return Round2(unitPrice * float64(quantity))
}

// BillTotal sums the line totals of every medication in stock at pharmacy.
// Out-of-stock and unknown medications are excluded. A missing quantity
// falls back to RequiredQuantity.
func BillTotal(pharmacy catalog.Pharmacy, meds []prescription.Medication, quantities map[string]int) float64 {
	var total float64
	for _, med := range meds {
		_, rec, ok := pharmacy.Lookup(med.Name)
		if !ok || rec.Status != catalog.InStock {
			continue
		}
		qty, set := quantities[med.Name]
		if !set {
			qty = RequiredQuantity(med)
		}
		total += LineTotal(rec.Price, qty)
	}
	return Round2(total)
}
