package service

import (
	"math"
	"sort"

	"github.com/Edwinexd/vival/internal/models"
)

const DefaultOutlierSpread = 20

// CalculateSuggestedScore aggregates the successful grader scores. With at
// least three scores whose max-min spread exceeds outlierSpread it uses the
// median, otherwise the mean. Both are rounded half away from zero.
// An empty input yields 0 with method average.
func CalculateSuggestedScore(scores []int, outlierSpread int) (int, models.AggregationMethod) {
	if len(scores) == 0 {
		return 0, models.AggregationAverage
	}

	sorted := append([]int(nil), scores...)
	sort.Ints(sorted)

	if len(sorted) >= 3 && sorted[len(sorted)-1]-sorted[0] > outlierSpread {
		return median(sorted), models.AggregationMedian
	}

	sum := 0
	for _, s := range sorted {
		sum += s
	}
	return int(math.Round(float64(sum) / float64(len(sorted)))), models.AggregationAverage
}

func median(sorted []int) int {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return int(math.Round(float64(sorted[n/2-1]+sorted[n/2]) / 2))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
