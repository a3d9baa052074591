// Package tally merges per-channel vote counts into one poll result.
package tally

import (
	"math"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
)

// Aggregate sums the per-option counts of every link. Every option index in
// [0, optionCount) is present in the result; counts for other indices are
// ignored. Percentages have one decimal place and are all zero when nobody
// voted.
func Aggregate(optionCount int, links []domain.ChannelLink) domain.Aggregate {
	agg := domain.Aggregate{
		VotesByOption: make(map[int]int, optionCount),
		Percentages:   make(map[int]float64, optionCount),
	}
	for i := 0; i < optionCount; i++ {
		agg.VotesByOption[i] = 0
	}

	for _, link := range links {
		for option, votes := range link.VotesByOption {
			if option < 0 || option >= optionCount || votes <= 0 {
				continue
			}
			agg.VotesByOption[option] += votes
			agg.TotalVotes += votes
		}
	}

	if agg.TotalVotes == 0 {
		for i := 0; i < optionCount; i++ {
			agg.Percentages[i] = 0
		}
		return agg
	}

	tenths := make([]int, optionCount)
	errs := make([]float64, optionCount)
	sum := 0
	for i := 0; i < optionCount; i++ {
		exact := float64(agg.VotesByOption[i]) / float64(agg.TotalVotes) * 1000
		tenths[i] = int(math.Round(exact))
		errs[i] = exact - float64(tenths[i])
		sum += tenths[i]
	}

	// Five independent roundings can drift up to 0.25 from 100; move the
	// worst-rounded options by 0.1 until the total is within 0.1.
	for sum < 999 {
		i := argmax(errs)
		tenths[i]++
		errs[i]--
		sum++
	}
	for sum > 1001 {
		i := argmax(negate(errs))
		tenths[i]--
		errs[i]++
		sum--
	}

	for i, t := range tenths {
		agg.Percentages[i] = float64(t) / 10
	}
	return agg
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func negate(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = -v
	}
	return out
}
