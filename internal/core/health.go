package core

import (
	"encoding/json"
	"math"
	"time"

	"example.com/backstage/services/powerwatch/internal/utils"
)

// HealthAssessment is the scorer's output; it carries no persistence state.
type HealthAssessment struct {
	Health  string   `json:"health"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// riskRule is one row of the additive risk table.
type riskRule struct {
	applies func(v float64) bool
	risk    float64
	reason  string
}

var (
	voltageRules = []riskRule{
		{func(v float64) bool { return v < 11.5 }, 0.45, "low voltage"},
		{func(v float64) bool { return v < 12.0 }, 0.20, "slightly low voltage"},
	}
	temperatureRules = []riskRule{
		{func(v float64) bool { return v > 35 }, 0.25, "high temperature"},
		{func(v float64) bool { return v < 0 }, 0.15, "very low temperature"},
	}
	ageRules = []riskRule{
		{func(r float64) bool { return r > 1.0 }, 0.35, "past expected lifetime"},
		{func(r float64) bool { return r > 0.8 }, 0.20, "near lifetime limit"},
	}
)

// ScoreHealth turns raw metrics and device age into a bounded score and label.
// Within each group only the first matching rule contributes. Missing or
// non-numeric metrics are skipped.
func ScoreHealth(installDate *time.Time, expectedLifetimeMonths int, metrics map[string]interface{}, now time.Time) HealthAssessment {
	reasons := []string{}
	risk := 0.0

	apply := func(rules []riskRule, v float64) {
		for _, rule := range rules {
			if rule.applies(v) {
				risk += rule.risk
				reasons = append(reasons, rule.reason)
				return
			}
		}
	}

	if v, ok := numericMetric(metrics, "voltage"); ok {
		apply(voltageRules, v)
	}
	if v, ok := numericMetric(metrics, "temperature"); ok {
		apply(temperatureRules, v)
	}

	ageMonths := 0
	if installDate != nil {
		ageMonths = utils.MonthsBetween(*installDate, now)
	}
	if expectedLifetimeMonths > 0 {
		apply(ageRules, float64(ageMonths)/float64(expectedLifetimeMonths))
	}

	score := int(math.Round((1 - clamp(risk, 0, 1)) * 100))
	score = int(clamp(float64(score), 0, 100))

	return HealthAssessment{
		Health:  healthLabel(score),
		Score:   score,
		Reasons: reasons,
	}
}

func healthLabel(score int) string {
	switch {
	case score >= 75:
		return HealthOK
	case score >= 45:
		return HealthWarn
	default:
		return HealthCritical
	}
}

// numericMetric reads a finite number from a decoded JSON map.
func numericMetric(metrics map[string]interface{}, key string) (float64, bool) {
	raw, ok := metrics[key]
	if !ok || raw == nil {
		return 0, false
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
