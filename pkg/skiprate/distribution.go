package skiprate

import (
	"fmt"
	"sort"
)

// BucketEdges are the skip-rate boundaries, in percent, of the histogram.
// Consecutive edges form half-open buckets [lo, hi). A final closed bucket
// [100, 100] holds offline validators.
var BucketEdges = []float64{0, 1, 2, 5, 10, 25, 50, 100}

// DistributionPercentiles are the percentiles reported on the curve.
var DistributionPercentiles = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 99}

// DistributionBucket is one histogram bin.
type DistributionBucket struct {
	RangeStart        float64 `json:"range_start"`
	RangeEnd          float64 `json:"range_end"`
	RangeLabel        string  `json:"range_label"`
	ValidatorCount    int     `json:"validator_count"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
	TotalSlots        uint64  `json:"total_slots"`
}

// Contains reports whether skip falls inside the bucket. The terminal bucket
// is closed, every other bucket is half-open.
func (b DistributionBucket) Contains(skip float64) bool {
	if b.RangeStart == b.RangeEnd {
		return skip >= b.RangeStart
	}
	return skip >= b.RangeStart && skip < b.RangeEnd
}

// PercentilePoint is one point of the percentile curve.
type PercentilePoint struct {
	Percentile      float64 `json:"percentile"`
	SkipRatePercent float64 `json:"skip_rate_percent"`
}

// Distribution is the skip-rate histogram and percentile curve. The plot
// arrays mirror Buckets and Percentiles in order.
type Distribution struct {
	Buckets     []DistributionBucket `json:"buckets"`
	Percentiles []PercentilePoint    `json:"percentiles"`

	HistogramLabels []string  `json:"histogram_labels"`
	HistogramValues []int     `json:"histogram_values"`
	PercentileX     []float64 `json:"percentile_x"`
	PercentileY     []float64 `json:"percentile_y"`
}

// NewBuckets returns empty buckets for the given ascending edges. The last
// edge becomes a closed terminal bucket.
func NewBuckets(edges []float64) []DistributionBucket {
	if len(edges) == 0 {
		return nil
	}
	buckets := make([]DistributionBucket, 0, len(edges))
	for i := 0; i+1 < len(edges); i++ {
		buckets = append(buckets, DistributionBucket{
			RangeStart: edges[i],
			RangeEnd:   edges[i+1],
			RangeLabel: fmt.Sprintf("%s-%s%%", formatEdge(edges[i]), formatEdge(edges[i+1])),
		})
	}
	last := edges[len(edges)-1]
	buckets = append(buckets, DistributionBucket{
		RangeStart: last,
		RangeEnd:   last,
		RangeLabel: formatEdge(last) + "%",
	})
	return buckets
}

func formatEdge(v float64) string {
	return fmt.Sprintf("%g", v)
}

// BuildDistribution buckets records over BucketEdges and samples the
// percentile curve at DistributionPercentiles.
func BuildDistribution(records []ValidatorRecord) Distribution {
	return BuildDistributionWith(records, BucketEdges, DistributionPercentiles)
}

// BuildDistributionWith is BuildDistribution with explicit edges and
// percentiles.
func BuildDistributionWith(records []ValidatorRecord, edges, percentiles []float64) Distribution {
	buckets := NewBuckets(edges)

	rates := make([]float64, 0, len(records))
	for _, r := range records {
		rates = append(rates, r.SkipRatePercent)
		if i := bucketIndex(buckets, r.SkipRatePercent); i >= 0 {
			buckets[i].ValidatorCount++
			buckets[i].TotalSlots += r.LeaderSlots
		}
	}
	sort.Float64s(rates)

	total := len(records)
	d := Distribution{
		Buckets:         buckets,
		Percentiles:     make([]PercentilePoint, 0, len(percentiles)),
		HistogramLabels: make([]string, 0, len(buckets)),
		HistogramValues: make([]int, 0, len(buckets)),
		PercentileX:     make([]float64, 0, len(percentiles)),
		PercentileY:     make([]float64, 0, len(percentiles)),
	}
	for i := range d.Buckets {
		if total > 0 {
			d.Buckets[i].PercentageOfTotal = float64(d.Buckets[i].ValidatorCount) / float64(total) * 100
		}
		d.HistogramLabels = append(d.HistogramLabels, d.Buckets[i].RangeLabel)
		d.HistogramValues = append(d.HistogramValues, d.Buckets[i].ValidatorCount)
	}
	for _, p := range percentiles {
		v := Percentile(rates, p)
		d.Percentiles = append(d.Percentiles, PercentilePoint{Percentile: p, SkipRatePercent: v})
		d.PercentileX = append(d.PercentileX, p)
		d.PercentileY = append(d.PercentileY, v)
	}
	return d
}

// bucketIndex returns the bucket holding skip, or the nearest end bucket
// for values outside the edges.
func bucketIndex(buckets []DistributionBucket, skip float64) int {
	if len(buckets) == 0 {
		return -1
	}
	for i, b := range buckets {
		if b.Contains(skip) {
			return i
		}
	}
	if skip < buckets[0].RangeStart {
		return 0
	}
	return len(buckets) - 1
}

// PercentileAt returns the curve value at p and whether p was sampled.
func (d Distribution) PercentileAt(p float64) (float64, bool) {
	for _, pt := range d.Percentiles {
		if pt.Percentile == p {
			return pt.SkipRatePercent, true
		}
	}
	return 0, false
}

// TotalCount returns the number of validators across all buckets.
func (d Distribution) TotalCount() int {
	n := 0
	for _, b := range d.Buckets {
		n += b.ValidatorCount
	}
	return n
}

// CountFrom returns validators and leader slots in buckets starting at or
// above skip.
func (d Distribution) CountFrom(skip float64) (int, uint64) {
	var (
		n     int
		slots uint64
	)
	for _, b := range d.Buckets {
		if b.RangeStart >= skip {
			n += b.ValidatorCount
			slots += b.TotalSlots
		}
	}
	return n, slots
}
