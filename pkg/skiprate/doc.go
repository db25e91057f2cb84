// Package skiprate turns getBlockProduction counters into skip-rate
// analytics.
//
// Every function in this package is pure: the same records always produce
// the same statistics, distribution, health summary and categories. No
// function here performs I/O or reads the wall clock.
//
// # Pipeline
//
//   - Normalize: raw (pubkey, leader slots, blocks produced) tuples become
//     ValidatorRecords with missed slots and skip rate derived.
//   - ComputeStatistics: network totals, overall/average/median/weighted
//     skip rates, significance and high-stake filtered rates, percentiles
//     and efficiency.
//   - BuildDistribution: a contiguous histogram over BucketEdges plus a
//     percentile curve at DistributionPercentiles.
//   - AssessHealth: a 0-100 score, status tier, metric cards and alerts.
//   - Categorize: one of eight ordinal performance categories per
//     validator.
//
// BuildSnapshot runs all of the above in order.
//
// # Edge Cases
//
// A validator with zero leader slots has a skip rate of exactly 0. An empty
// record set yields zero statistics, empty buckets, a score of 100 and no
// alerts. Percentiles interpolate linearly between closest ranks; a single
// value is its own percentile and an empty set yields 0.
package skiprate
