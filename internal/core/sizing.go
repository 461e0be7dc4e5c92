package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// SizingAlgorithmVersion is stored with every result so later formula changes
// keep old results interpretable.
const SizingAlgorithmVersion = "sizing-v1"

// nominalVoltage approximates every system as 12 V.
const nominalVoltage = 12.0

// SizingInput describes the load a backup system must carry.
type SizingInput struct {
	Load        float64  `json:"load" validate:"gt=0"`
	BackupHours float64  `json:"backupHours" validate:"gt=0"`
	Temperature *float64 `json:"temperature" validate:"required"`
}

// SizingOutcome is the recommended model and battery size.
type SizingOutcome struct {
	SizingRequestID     uint    `json:"sizingRequestId"`
	RecommendedModelSKU string  `json:"recommendedModelSku"`
	BatteryCapacityAh   int     `json:"batteryCapacityAh"`
	SafetyMargin        float64 `json:"safetyMargin"`
	AlgorithmVersion    string  `json:"algorithmVersion"`
}

// SizingService stores sizing requests with their computed results.
type SizingService struct {
	repo     Repository
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewSizingService(repo Repository, logger *logrus.Logger) *SizingService {
	return &SizingService{repo: repo, logger: logger, validate: newValidator()}
}

func (s *SizingService) Recommend(ctx context.Context, in *SizingInput) (*SizingOutcome, error) {
	if in == nil {
		return nil, newValidationError("body is required")
	}
	if err := validateStruct(s.validate, in); err != nil {
		return nil, err
	}

	inputs, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sizing inputs: %w", err)
	}

	var outcome SizingOutcome
	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		req := &SizingRequest{Inputs: inputs}
		if err := tx.CreateSizingRequest(ctx, req); err != nil {
			return err
		}

		models, err := tx.ListProductModelsWithCapacity(ctx)
		if err != nil {
			return err
		}

		outcome = ComputeSizing(*in, models)
		outcome.SizingRequestID = req.ID

		return tx.CreateSizingResult(ctx, &SizingResult{
			SizingRequestID:     req.ID,
			RecommendedModelSKU: outcome.RecommendedModelSKU,
			BatteryCapacityAh:   outcome.BatteryCapacityAh,
			SafetyMargin:        outcome.SafetyMargin,
			AlgorithmVersion:    outcome.AlgorithmVersion,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"sizing_request_id": outcome.SizingRequestID,
		"sku":               outcome.RecommendedModelSKU,
		"capacity_ah":       outcome.BatteryCapacityAh,
	}).Info("Sizing computed")

	return &outcome, nil
}

// ComputeSizing picks the smallest model whose battery covers the target
// capacity, falling back to the largest. models must be sorted by capacity.
func ComputeSizing(in SizingInput, models []*ProductModel) SizingOutcome {
	baseAh := math.Ceil(in.Load * in.BackupHours / nominalVoltage)

	temperature := 0.0
	if in.Temperature != nil {
		temperature = *in.Temperature
	}
	penalty := 0.05
	switch {
	case temperature < 10:
		penalty = 0.15
	case temperature > 30:
		penalty = 0.10
	}
	margin := 0.20 + penalty
	targetAh := int(math.Ceil(baseAh * (1 + margin)))

	sku := "UNKNOWN"
	if len(models) > 0 {
		picked := models[len(models)-1]
		for _, m := range models {
			if m.BatteryCapacityAh != nil && *m.BatteryCapacityAh >= float64(targetAh) {
				picked = m
				break
			}
		}
		sku = picked.SKU
	}

	return SizingOutcome{
		RecommendedModelSKU: sku,
		BatteryCapacityAh:   targetAh,
		SafetyMargin:        margin,
		AlgorithmVersion:    SizingAlgorithmVersion,
	}
}
