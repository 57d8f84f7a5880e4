// Package money holds the USD rounding and micro-unit conversions used by
// pricing, settlement, and the billing ledger. All USD amounts are rounded to
// 2 decimal places at every boundary so drift cannot accumulate across entries.
package money

import "math"

// MicroUnitsPerUSD is the number of priced-asset micro-units in one USD.
const MicroUnitsPerUSD = 1_000_000

// Round2 rounds a USD amount to 2 decimal places.
func Round2(usd float64) float64 {
	return math.Round(usd*100) / 100
}

// USDToMicroUnits converts a USD amount to integer micro-units.
func USDToMicroUnits(usd float64) int64 {
	return int64(math.Round(usd * MicroUnitsPerUSD))
}

// MicroUnitsToUSD converts integer micro-units to a USD amount, rounded to cents.
func MicroUnitsToUSD(micro int64) float64 {
	return Round2(float64(micro) / MicroUnitsPerUSD)
}
