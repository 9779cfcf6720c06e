package search

import "math"

const millisPerDay = 24 * 60 * 60 * 1000

// recencyDecay returns exp(-ln2 * ageDays / halfLifeDays): 1.0 for a
// brand-new entry, halved every half-life, strictly decreasing with age.
func recencyDecay(nowMilli, createdMilli int64, halfLifeDays float64) float64 {
	ageDays := float64(nowMilli-createdMilli) / millisPerDay
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}
