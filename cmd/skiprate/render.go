package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/fortiblox/stratus-skiprate/pkg/rpcfetch"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

// topImpactCount is the number of problematic validators in a report.
const topImpactCount = 10

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

func slots(v uint64) string {
	return humanize.Comma(int64(v))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderSummary prints the one-line report.
func renderSummary(w io.Writer, snap *skiprate.Snapshot) {
	h := snap.NetworkHealth
	fmt.Fprintf(w, "health %.1f (%s)  skip rate %s  validators %d  alerts %d  slots %s\n",
		h.HealthScore, h.Status, percent(snap.Statistics.OverallSkipRatePercent),
		snap.Statistics.TotalValidators, len(h.Alerts), snap.SlotRange)
}

// renderReport prints the full report.
func renderReport(w io.Writer, snap *skiprate.Snapshot) {
	s := snap.Statistics
	h := snap.NetworkHealth

	fmt.Fprintf(w, "Slots %s (%s slots), fetched %s\n", snap.SlotRange, slots(snap.SlotRange.Len()),
		snap.FetchedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Fingerprint %s\n\n", snap.Fingerprint)

	fmt.Fprintf(w, "NETWORK HEALTH  %.1f / 100  %s\n\n", h.HealthScore, strings.ToUpper(string(h.Status)))
	cards := newTable(w, "METRIC", "VALUE", "TREND", "")
	for _, c := range h.KeyMetrics {
		cards.Append([]string{c.Title, c.Value, string(c.Trend), c.Subtitle})
	}
	cards.Render()
	fmt.Fprintln(w)

	if len(h.Alerts) > 0 {
		fmt.Fprintln(w, "ALERTS")
		for _, a := range h.Alerts {
			fmt.Fprintf(w, "  [%s] %s (%d validators, %s of slots)\n",
				strings.ToUpper(string(a.Severity)), a.Message, a.AffectedValidators, percent(a.NetworkImpactPercent))
		}
		fmt.Fprintln(w)
	}

	stats := newTable(w, "STATISTIC", "VALUE")
	stats.AppendBulk([][]string{
		{"Validators", humanize.Comma(int64(s.TotalValidators))},
		{"Leader slots", slots(s.TotalLeaderSlots)},
		{"Blocks produced", slots(s.TotalBlocksProduced)},
		{"Missed slots", slots(s.TotalMissedSlots)},
		{"Overall skip rate", percent(s.OverallSkipRatePercent)},
		{"Average skip rate", percent(s.AverageSkipRatePercent)},
		{"Median skip rate", percent(s.MedianSkipRatePercent)},
		{"Significant skip rate", percent(s.SignificantSkipRatePercent)},
		{"High-stake skip rate", percent(s.HighStakeSkipRatePercent)},
		{"P90 / P95", percent(s.P90SkipRatePercent) + " / " + percent(s.P95SkipRatePercent)},
		{"Network efficiency", percent(s.NetworkEfficiencyPercent)},
		{"Perfect", fmt.Sprint(s.PerfectValidators)},
		{"Concerning", fmt.Sprint(s.ConcerningValidators)},
		{"Offline", fmt.Sprint(s.OfflineValidators)},
	})
	stats.Render()
	fmt.Fprintln(w)

	dist := newTable(w, "SKIP RATE", "VALIDATORS", "SHARE", "LEADER SLOTS")
	for _, b := range snap.Distribution.Buckets {
		dist.Append([]string{b.RangeLabel, fmt.Sprint(b.ValidatorCount), percent(b.PercentageOfTotal), slots(b.TotalSlots)})
	}
	dist.Render()

	if len(snap.Distribution.Percentiles) > 0 {
		parts := make([]string, len(snap.Distribution.Percentiles))
		for i, p := range snap.Distribution.Percentiles {
			parts[i] = fmt.Sprintf("p%.0f=%.2f", p.Percentile, p.SkipRatePercent)
		}
		fmt.Fprintf(w, "\nPercentiles: %s\n", strings.Join(parts, " "))
	}

	top := skiprate.TopImpact(snap.Validators, s, topImpactCount)
	if len(top) == 0 {
		return
	}
	fmt.Fprintln(w, "\nTOP PROBLEMATIC VALIDATORS")
	impact := newTable(w, "IDENTITY", "LEADER", "MISSED", "SKIP", "SHARE", "IMPACT", "CATEGORY")
	for _, e := range top {
		impact.Append([]string{
			e.Record.Pubkey,
			slots(e.Record.LeaderSlots),
			slots(e.Record.MissedSlots),
			percent(e.Record.SkipRatePercent),
			percent(e.NetworkSharePercent),
			fmt.Sprintf("%.4f", e.ImpactScore),
			e.Category.String(),
		})
	}
	impact.Render()
}

// renderValidator prints one validator's record.
func renderValidator(w io.Writer, r *skiprate.ValidatorRecord) {
	cat := skiprate.Categorize(r.SkipRatePercent)
	table := newTable(w, "IDENTITY", "LEADER", "PRODUCED", "MISSED", "SKIP", "CATEGORY")
	table.Append([]string{
		r.Pubkey,
		slots(r.LeaderSlots),
		slots(r.BlocksProduced),
		slots(r.MissedSlots),
		percent(r.SkipRatePercent),
		cat.Label(),
	})
	table.Render()
}

// renderHistory prints a validator's stored performance points.
func renderHistory(w io.Writer, points []skiprate.PerformanceSnapshot, now time.Time) {
	table := newTable(w, "TIME", "AGE", "LEADER", "SKIP", "CATEGORY")
	for _, p := range points {
		table.Append([]string{
			p.Timestamp.Format(time.RFC3339),
			humanize.RelTime(p.Timestamp, now, "ago", "from now"),
			slots(p.LeaderSlots),
			percent(p.SkipRatePercent),
			p.Category.String(),
		})
	}
	table.Render()
}

// renderCalls prints the per-call records of a debug fetch.
func renderCalls(w io.Writer, calls []rpcfetch.CallRecord, stats rpcfetch.FetcherStats) {
	table := newTable(w, "ID", "ENDPOINT", "ATTEMPTS", "DURATION", "RATE LIMIT WAIT")
	for _, c := range calls {
		table.Append([]string{
			c.ID,
			c.Endpoint,
			fmt.Sprint(c.Attempts),
			c.Duration.Round(time.Millisecond).String(),
			c.RateLimitWait.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	fmt.Fprintf(w, "peak in flight %d, throttled %d, healthy endpoints %d\n",
		stats.PeakInFlight, stats.Throttled, stats.HealthyEndpoints)
}
