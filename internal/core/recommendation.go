package core

import (
	"fmt"
	"time"

	"example.com/backstage/services/powerwatch/internal/utils"
)

// RecommendationCooldown is the minimum gap between two recommendations for
// the same device.
const RecommendationCooldown = 7 * 24 * time.Hour

// serviceThreshold is the share of expected lifetime after which a service is
// suggested.
const serviceThreshold = 0.8

// RecommendationInput is everything the engine looks at.
type RecommendationInput struct {
	InstallDate            *time.Time
	ExpectedLifetimeMonths int
	LastRecommendedAt      *time.Time
	Now                    time.Time
}

// Recommend returns at most one unsaved recommendation, or nil when the device
// is inside the cooldown window or needs nothing.
func Recommend(in RecommendationInput) *Recommendation {
	if in.LastRecommendedAt != nil && in.Now.Sub(*in.LastRecommendedAt) < RecommendationCooldown {
		return nil
	}

	if in.InstallDate == nil {
		return &Recommendation{
			Type:   RecommendationInspect,
			Reason: "install date missing — recommend inspection and data completion.",
		}
	}

	age := utils.MonthsBetween(*in.InstallDate, in.Now)
	lifetime := in.ExpectedLifetimeMonths

	switch {
	case age > lifetime:
		return &Recommendation{
			Type:   RecommendationReplace,
			Reason: fmt.Sprintf("device is %d months old (expected lifetime %d months); recommend replacement.", age, lifetime),
		}
	case float64(age) > float64(lifetime)*serviceThreshold:
		return &Recommendation{
			Type:   RecommendationService,
			Reason: fmt.Sprintf("device is approaching its lifetime limit (%d/%d months); recommend service or inspection.", age, lifetime),
		}
	}
	return nil
}
