package skiprate

import "sort"

// Classification thresholds.
const (
	// SignificantSlotThreshold is the minimum leader slots for a validator
	// to count as significant.
	SignificantSlotThreshold = 50

	// HighStakeSlotThreshold is exceeded by high-stake (high-activity)
	// validators.
	HighStakeSlotThreshold = 1000

	// ConcerningSkipRate is exceeded by concerning validators.
	ConcerningSkipRate = 5.0

	// OfflineSkipRate is the skip rate of a validator that produced nothing.
	OfflineSkipRate = 100.0

	// UnderperformingHighStakeSkipRate is exceeded by high-stake validators
	// that drag the network down.
	UnderperformingHighStakeSkipRate = 10.0
)

// NetworkStatistics aggregates every validator record of one slot range.
type NetworkStatistics struct {
	TotalValidators     int    `json:"total_validators"`
	TotalLeaderSlots    uint64 `json:"total_leader_slots"`
	TotalBlocksProduced uint64 `json:"total_blocks_produced"`
	TotalMissedSlots    uint64 `json:"total_missed_slots"`

	OverallSkipRatePercent     float64 `json:"overall_skip_rate_percent"`
	AverageSkipRatePercent     float64 `json:"average_skip_rate_percent"`
	MedianSkipRatePercent      float64 `json:"median_skip_rate_percent"`
	WeightedSkipRatePercent    float64 `json:"weighted_skip_rate_percent"`
	SignificantSkipRatePercent float64 `json:"significant_skip_rate_percent"`
	HighStakeSkipRatePercent   float64 `json:"high_stake_skip_rate_percent"`

	PerfectValidators      int `json:"perfect_validators"`
	ConcerningValidators   int `json:"concerning_validators"`
	OfflineValidators      int `json:"offline_validators"`
	SignificantValidators  int `json:"significant_validators"`
	HighActivityValidators int `json:"high_activity_validators"`
	LowActivityValidators  int `json:"low_activity_validators"`

	P90SkipRatePercent            float64 `json:"p90_skip_rate_percent"`
	P95SkipRatePercent            float64 `json:"p95_skip_rate_percent"`
	SignificantP90SkipRatePercent float64 `json:"significant_p90_skip_rate_percent"`
	SignificantP95SkipRatePercent float64 `json:"significant_p95_skip_rate_percent"`

	NetworkEfficiencyPercent         float64 `json:"network_efficiency_percent"`
	WeightedNetworkEfficiencyPercent float64 `json:"weighted_network_efficiency_percent"`

	// Impact tallies, in leader slots, consumed by the health scorer.
	ImpactedValidators            int    `json:"impacted_validators"`
	ImpactedLeaderSlots           uint64 `json:"impacted_leader_slots"`
	ConcerningLeaderSlots         uint64 `json:"concerning_leader_slots"`
	OfflineLeaderSlots            uint64 `json:"offline_leader_slots"`
	HighStakeUnderperforming      int    `json:"high_stake_underperforming"`
	HighStakeUnderperformingSlots uint64 `json:"high_stake_underperforming_slots"`
}

// ComputeStatistics derives network statistics from records. An empty input
// yields the zero value.
func ComputeStatistics(records []ValidatorRecord) NetworkStatistics {
	var s NetworkStatistics
	s.TotalValidators = len(records)
	if len(records) == 0 {
		return s
	}

	var (
		rateSum          float64
		weightedSum      float64
		all              = make([]float64, 0, len(records))
		significant      []float64
		sigSlots, sigMis uint64
		hsSlots, hsMis   uint64
	)

	for _, r := range records {
		s.TotalLeaderSlots += r.LeaderSlots
		s.TotalBlocksProduced += r.BlocksProduced
		s.TotalMissedSlots += r.MissedSlots

		rateSum += r.SkipRatePercent
		weightedSum += r.SkipRatePercent * float64(r.LeaderSlots)
		all = append(all, r.SkipRatePercent)

		if r.IsPerfect() {
			s.PerfectValidators++
		}
		if r.IsConcerning() {
			s.ConcerningValidators++
			s.ConcerningLeaderSlots += r.LeaderSlots
		}
		if r.IsOffline() {
			s.OfflineValidators++
			s.OfflineLeaderSlots += r.LeaderSlots
		}
		if r.MissedSlots > 0 {
			s.ImpactedValidators++
			s.ImpactedLeaderSlots += r.LeaderSlots
		}
		if r.IsSignificant() {
			s.SignificantValidators++
			significant = append(significant, r.SkipRatePercent)
			sigSlots += r.LeaderSlots
			sigMis += r.MissedSlots
		} else if r.LeaderSlots > 0 {
			s.LowActivityValidators++
		}
		if r.IsHighStake() {
			s.HighActivityValidators++
			hsSlots += r.LeaderSlots
			hsMis += r.MissedSlots
			if r.SkipRatePercent > UnderperformingHighStakeSkipRate {
				s.HighStakeUnderperforming++
				s.HighStakeUnderperformingSlots += r.LeaderSlots
			}
		}
	}

	s.OverallSkipRatePercent = skipRate(s.TotalMissedSlots, s.TotalLeaderSlots)
	s.AverageSkipRatePercent = rateSum / float64(len(records))
	if s.TotalLeaderSlots > 0 {
		s.WeightedSkipRatePercent = weightedSum / float64(s.TotalLeaderSlots)
	}
	s.SignificantSkipRatePercent = skipRate(sigMis, sigSlots)
	s.HighStakeSkipRatePercent = skipRate(hsMis, hsSlots)

	sort.Float64s(all)
	sort.Float64s(significant)
	s.MedianSkipRatePercent = Percentile(all, 50)
	s.P90SkipRatePercent = Percentile(all, 90)
	s.P95SkipRatePercent = Percentile(all, 95)
	s.SignificantP90SkipRatePercent = Percentile(significant, 90)
	s.SignificantP95SkipRatePercent = Percentile(significant, 95)

	if s.TotalLeaderSlots > 0 {
		s.NetworkEfficiencyPercent = 100 - s.OverallSkipRatePercent
		s.WeightedNetworkEfficiencyPercent = 100 - s.WeightedSkipRatePercent
	}

	return s
}

// Percentile returns the p-th percentile (0-100) of an ascending slice using
// linear interpolation between closest ranks. It returns 0 for an empty
// slice.
func Percentile(sorted []float64, p float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case n == 1:
		return sorted[0]
	}

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// ConcerningFraction returns the share of validators above ConcerningSkipRate.
func (s NetworkStatistics) ConcerningFraction() float64 {
	return fraction(s.ConcerningValidators, s.TotalValidators)
}

// OfflineFraction returns the share of validators that produced nothing.
func (s NetworkStatistics) OfflineFraction() float64 {
	return fraction(s.OfflineValidators, s.TotalValidators)
}

// SlotShare returns slots as a percentage of all leader slots.
func (s NetworkStatistics) SlotShare(slots uint64) float64 {
	if s.TotalLeaderSlots == 0 {
		return 0
	}
	return float64(slots) / float64(s.TotalLeaderSlots) * 100
}

func fraction(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
