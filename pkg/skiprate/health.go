package skiprate

import (
	"fmt"
	"math"
)

// Status tier thresholds on the health score.
const (
	HealthyScoreThreshold = 80.0
	WarningScoreThreshold = 50.0
)

// Health score weights. They sum to 100, so a network with no missed slots
// scores 100 and a fully offline network scores 0.
const (
	// SkipRateWeight scales the overall skip rate penalty, which saturates
	// at SkipRateCeiling percent.
	SkipRateWeight  = 40.0
	SkipRateCeiling = 10.0

	// ConcerningWeight scales the share of concerning validators.
	ConcerningWeight = 20.0

	// OfflineWeight scales the share of offline validators.
	OfflineWeight = 15.0

	// WeightedEfficiencyWeight scales the slot-weighted inefficiency.
	WeightedEfficiencyWeight = 25.0
)

// Alert thresholds.
const (
	CriticalSkipRateThreshold   = 5.0
	WarningSkipRateThreshold    = 3.0
	ConcerningCountThreshold    = 20
	ConcerningFractionThreshold = 0.10
	CriticalImpactPercent       = 5.0
	EfficiencyWarningThreshold  = 95.0
	TailSkipRateThreshold       = 25.0
	tailPercentile              = 95.0
	trendEpsilon                = 0.01
	skipRateCardHealthyMax      = 1.0
	skipRateCardWarningMax      = 3.0
	efficiencyCardHealthyMin    = 99.0
	efficiencyCardWarningMin    = 97.0
	concerningCardWarningMax    = 10
)

// HealthStatus is the tier of a health score.
type HealthStatus string

// Health tiers.
const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// StatusForScore returns the tier for a score.
func StatusForScore(score float64) HealthStatus {
	switch {
	case score >= HealthyScoreThreshold:
		return StatusHealthy
	case score >= WarningScoreThreshold:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// Color returns the dashboard color of the tier.
func (s HealthStatus) Color() string {
	switch s {
	case StatusHealthy:
		return "#10B981"
	case StatusWarning:
		return "#F59E0B"
	default:
		return "#EF4444"
	}
}

// AlertSeverity ranks alerts.
type AlertSeverity string

// Alert severities.
const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertCategory names the signal that raised an alert.
type AlertCategory string

// Alert categories.
const (
	AlertSkipRate          AlertCategory = "skip_rate"
	AlertValidatorCount    AlertCategory = "validator_count"
	AlertNetworkEfficiency AlertCategory = "network_efficiency"
	AlertPerformance       AlertCategory = "performance"
)

// NetworkAlert is one tripped threshold.
type NetworkAlert struct {
	Severity             AlertSeverity `json:"severity"`
	Category             AlertCategory `json:"category"`
	Message              string        `json:"message"`
	AffectedValidators   int           `json:"affected_validators"`
	NetworkImpactPercent float64       `json:"network_impact_percent"`
}

// Trend is the direction of a metric against the previous snapshot.
type Trend string

// Trend directions.
const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// MetricCard is a formatted dashboard tile.
type MetricCard struct {
	Name          string   `json:"name"`
	Title         string   `json:"title"`
	Value         string   `json:"value"`
	NumericValue  float64  `json:"numeric_value"`
	PreviousValue *float64 `json:"previous_value,omitempty"`
	Color         string   `json:"color"`
	Trend         Trend    `json:"trend"`
	Subtitle      string   `json:"subtitle"`
}

// NetworkHealthSummary is the scored view of one snapshot.
type NetworkHealthSummary struct {
	HealthScore float64        `json:"health_score"`
	Status      HealthStatus   `json:"status"`
	KeyMetrics  []MetricCard   `json:"key_metrics"`
	Alerts      []NetworkAlert `json:"alerts"`
}

// HealthScore combines the statistics into a score in [0, 100].
func HealthScore(s NetworkStatistics) float64 {
	penalty := SkipRateWeight * math.Min(s.OverallSkipRatePercent/SkipRateCeiling, 1)
	penalty += ConcerningWeight * s.ConcerningFraction()
	penalty += OfflineWeight * s.OfflineFraction()
	if s.TotalLeaderSlots > 0 {
		penalty += WeightedEfficiencyWeight * (100 - s.WeightedNetworkEfficiencyPercent) / 100
	}
	return clamp(100-penalty, 0, 100)
}

// AssessHealth scores the statistics, raises alerts and builds the metric
// cards. prev is the previous snapshot's statistics and may be nil, in which
// case every trend is stable.
func AssessHealth(s NetworkStatistics, d Distribution, prev *NetworkStatistics) NetworkHealthSummary {
	score := HealthScore(s)
	return NetworkHealthSummary{
		HealthScore: score,
		Status:      StatusForScore(score),
		KeyMetrics:  metricCards(s, prev),
		Alerts:      Alerts(s, d),
	}
}

// Alerts evaluates every alert threshold in a fixed order. Nothing is raised
// when no leader slots were observed.
func Alerts(s NetworkStatistics, d Distribution) []NetworkAlert {
	alerts := []NetworkAlert{}
	if s.TotalLeaderSlots == 0 {
		return alerts
	}

	switch {
	case s.OverallSkipRatePercent > CriticalSkipRateThreshold:
		alerts = append(alerts, skipRateAlert(SeverityCritical, s))
	case s.OverallSkipRatePercent > WarningSkipRateThreshold:
		alerts = append(alerts, skipRateAlert(SeverityWarning, s))
	}

	if s.OfflineValidators > 0 {
		impact := s.SlotShare(s.OfflineLeaderSlots)
		sev := SeverityWarning
		if impact > CriticalImpactPercent || s.OfflineValidators == s.TotalValidators {
			sev = SeverityCritical
		}
		alerts = append(alerts, NetworkAlert{
			Severity: sev,
			Category: AlertValidatorCount,
			Message: fmt.Sprintf("%d validators produced no blocks, holding %.2f%% of leader slots",
				s.OfflineValidators, impact),
			AffectedValidators:   s.OfflineValidators,
			NetworkImpactPercent: impact,
		})
	}

	if s.ConcerningValidators > ConcerningCountThreshold || s.ConcerningFraction() > ConcerningFractionThreshold {
		impact := s.SlotShare(s.ConcerningLeaderSlots)
		sev := SeverityWarning
		if impact > CriticalImpactPercent {
			sev = SeverityCritical
		}
		alerts = append(alerts, NetworkAlert{
			Severity: sev,
			Category: AlertValidatorCount,
			Message: fmt.Sprintf("%d validators skip more than %.0f%% of their slots, %.2f%% network impact",
				s.ConcerningValidators, ConcerningSkipRate, impact),
			AffectedValidators:   s.ConcerningValidators,
			NetworkImpactPercent: impact,
		})
	}

	if s.NetworkEfficiencyPercent < EfficiencyWarningThreshold {
		alerts = append(alerts, NetworkAlert{
			Severity: SeverityWarning,
			Category: AlertNetworkEfficiency,
			Message: fmt.Sprintf("network efficiency %.2f%% is below %.0f%%",
				s.NetworkEfficiencyPercent, EfficiencyWarningThreshold),
			AffectedValidators:   s.ImpactedValidators,
			NetworkImpactPercent: s.SlotShare(s.ImpactedLeaderSlots),
		})
	}

	if s.HighStakeUnderperforming > 0 {
		impact := s.SlotShare(s.HighStakeUnderperformingSlots)
		alerts = append(alerts, NetworkAlert{
			Severity: SeverityCritical,
			Category: AlertPerformance,
			Message: fmt.Sprintf("%d high-stake validators skip more than %.0f%%, %.2f%% network impact",
				s.HighStakeUnderperforming, UnderperformingHighStakeSkipRate, impact),
			AffectedValidators:   s.HighStakeUnderperforming,
			NetworkImpactPercent: impact,
		})
	}

	if p95, ok := d.PercentileAt(tailPercentile); ok && p95 > TailSkipRateThreshold {
		n, slots := d.CountFrom(TailSkipRateThreshold)
		impact := s.SlotShare(slots)
		alerts = append(alerts, NetworkAlert{
			Severity: SeverityInfo,
			Category: AlertPerformance,
			Message: fmt.Sprintf("95th percentile skip rate is %.2f%%; %d validators at or above %.0f%%",
				p95, n, TailSkipRateThreshold),
			AffectedValidators:   n,
			NetworkImpactPercent: impact,
		})
	}

	return alerts
}

func skipRateAlert(sev AlertSeverity, s NetworkStatistics) NetworkAlert {
	impact := s.SlotShare(s.ImpactedLeaderSlots)
	return NetworkAlert{
		Severity: sev,
		Category: AlertSkipRate,
		Message: fmt.Sprintf("network skip rate %.2f%% (%d of %d leader slots missed)",
			s.OverallSkipRatePercent, s.TotalMissedSlots, s.TotalLeaderSlots),
		AffectedValidators:   s.ImpactedValidators,
		NetworkImpactPercent: impact,
	}
}

func metricCards(s NetworkStatistics, prev *NetworkStatistics) []MetricCard {
	var p NetworkStatistics
	if prev != nil {
		p = *prev
	}
	card := func(name, title, value string, cur, before float64, status HealthStatus, subtitle string) MetricCard {
		c := MetricCard{
			Name:         name,
			Title:        title,
			Value:        value,
			NumericValue: cur,
			Color:        status.Color(),
			Trend:        TrendStable,
			Subtitle:     subtitle,
		}
		if prev != nil {
			v := before
			c.PreviousValue = &v
			c.Trend = trend(cur, before)
		}
		return c
	}

	return []MetricCard{
		card("network_skip_rate", "Network Skip Rate",
			fmt.Sprintf("%.2f%%", s.OverallSkipRatePercent),
			s.OverallSkipRatePercent, p.OverallSkipRatePercent,
			tierAtMost(s.OverallSkipRatePercent, skipRateCardHealthyMax, skipRateCardWarningMax),
			fmt.Sprintf("%d of %d leader slots missed", s.TotalMissedSlots, s.TotalLeaderSlots)),
		card("active_validators", "Active Validators",
			fmt.Sprintf("%d", s.SignificantValidators),
			float64(s.SignificantValidators), float64(p.SignificantValidators),
			activeStatus(s),
			fmt.Sprintf("%d total, %d with at least %d leader slots",
				s.TotalValidators, s.SignificantValidators, SignificantSlotThreshold)),
		card("network_efficiency", "Network Efficiency",
			fmt.Sprintf("%.2f%%", s.NetworkEfficiencyPercent),
			s.NetworkEfficiencyPercent, p.NetworkEfficiencyPercent,
			tierAtLeast(s.NetworkEfficiencyPercent, efficiencyCardHealthyMin, efficiencyCardWarningMin),
			fmt.Sprintf("weighted %.2f%%", s.WeightedNetworkEfficiencyPercent)),
		card("concerning_validators", "Concerning Validators",
			fmt.Sprintf("%d", s.ConcerningValidators),
			float64(s.ConcerningValidators), float64(p.ConcerningValidators),
			concerningStatus(s.ConcerningValidators),
			fmt.Sprintf("skip rate above %.0f%%", ConcerningSkipRate)),
		card("offline_validators", "Offline Validators",
			fmt.Sprintf("%d", s.OfflineValidators),
			float64(s.OfflineValidators), float64(p.OfflineValidators),
			offlineStatus(s),
			fmt.Sprintf("%.2f%% of leader slots", s.SlotShare(s.OfflineLeaderSlots))),
	}
}

func trend(cur, before float64) Trend {
	switch {
	case cur-before > trendEpsilon:
		return TrendUp
	case before-cur > trendEpsilon:
		return TrendDown
	default:
		return TrendStable
	}
}

// tierAtMost grades a metric where lower is better.
func tierAtMost(v, healthyMax, warningMax float64) HealthStatus {
	switch {
	case v <= healthyMax:
		return StatusHealthy
	case v <= warningMax:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// tierAtLeast grades a metric where higher is better.
func tierAtLeast(v, healthyMin, warningMin float64) HealthStatus {
	switch {
	case v >= healthyMin:
		return StatusHealthy
	case v >= warningMin:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func activeStatus(s NetworkStatistics) HealthStatus {
	if s.SignificantValidators > 0 || s.TotalValidators == 0 {
		return StatusHealthy
	}
	return StatusWarning
}

func concerningStatus(n int) HealthStatus {
	switch {
	case n == 0:
		return StatusHealthy
	case n < concerningCardWarningMax:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func offlineStatus(s NetworkStatistics) HealthStatus {
	switch {
	case s.OfflineValidators == 0:
		return StatusHealthy
	case s.SlotShare(s.OfflineLeaderSlots) > CriticalImpactPercent:
		return StatusCritical
	default:
		return StatusWarning
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
