package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Rejection kinds recorded in validationErrors.
const (
	RejectionValidation = "VALIDATION"
	RejectionDataSetup  = "DATA_SETUP"
	RejectionProcessing = "PROCESSING_FAILURE"
	RejectionAbandoned  = "ABANDONED"
)

// terminalWriteTimeout bounds the write that records a terminal status after
// the processing context may already be done.
const terminalWriteTimeout = 10 * time.Second

// RejectionRecord is the diagnostic stored on a REJECTED event.
type RejectionRecord struct {
	Kind     string   `json:"kind"`
	Errors   []string `json:"errors"`
	Attempts int      `json:"attempts,omitempty"`
}

// ProcessOutcome summarizes what happened to one event.
type ProcessOutcome struct {
	Status         string
	DeviceID       uint
	DeviceCreated  bool
	Recommendation *Recommendation
	Rejection      *RejectionRecord

	// staleDevice is set when the committed work changed a device that may
	// be cached.
	staleDevice *Device
}

// RecommendationMessage is published for every stored recommendation.
type RecommendationMessage struct {
	RecommendationID uint      `json:"recommendationId"`
	DeviceID         uint      `json:"deviceId"`
	Type             string    `json:"type"`
	Reason           string    `json:"reason"`
	EventID          string    `json:"eventId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// NewRecommendationMessage builds the broker payload for rec. eventID may be
// empty when no event triggered it.
func NewRecommendationMessage(rec *Recommendation, eventID string) RecommendationMessage {
	return RecommendationMessage{
		RecommendationID: rec.ID,
		DeviceID:         rec.DeviceID,
		Type:             rec.Type,
		Reason:           rec.Reason,
		EventID:          eventID,
		CreatedAt:        rec.CreatedAt,
	}
}

// AlertMessage is published when processing is blocked by missing reference data.
type AlertMessage struct {
	Kind    string    `json:"kind"`
	EventID string    `json:"eventId"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// EventProcessor drives one claimed event through resolution and
// recommendation to a terminal status.
type EventProcessor struct {
	repo      Repository
	resolver  *DeviceResolver
	publisher Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

func NewEventProcessor(repo Repository, resolver *DeviceResolver, publisher Publisher, logger *logrus.Logger) *EventProcessor {
	return &EventProcessor{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		now:       utcNow,
	}
}

// Process expects event to be PROCESSING. Pipeline failures are recorded on
// the event as REJECTED; the returned error only reports a terminal status
// that could not be written.
func (p *EventProcessor) Process(ctx context.Context, event *IngressEvent) (*ProcessOutcome, error) {
	ref := strings.TrimSpace(event.DeviceRef)
	if ref == "" {
		return p.reject(ctx, event, &RejectionRecord{
			Kind:   RejectionValidation,
			Errors: []string{"deviceRef missing"},
		})
	}

	claimedStatus := event.Status
	outcome, err := p.runPipeline(ctx, event, ref)
	if err == nil {
		if outcome.staleDevice != nil {
			p.resolver.Invalidate(ctx, outcome.staleDevice)
		}
		p.publishRecommendation(ctx, event, outcome.Recommendation)
		return outcome, nil
	}
	event.Status = claimedStatus

	record := &RejectionRecord{Kind: RejectionProcessing, Errors: []string{err.Error()}}
	if IsDataSetupError(err) {
		record.Kind = RejectionDataSetup
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event_id": event.EventID,
			"alert":    true,
		}).Error("Reference data missing; auto-provisioning is blocked")
		p.publishAlert(ctx, event, err)
	} else {
		p.logger.WithError(err).WithField("event_id", event.EventID).Warn("Event processing failed")
	}

	return p.reject(ctx, event, record)
}

// runPipeline performs every side effect of acceptance in one transaction.
func (p *EventProcessor) runPipeline(ctx context.Context, event *IngressEvent, ref string) (outcome *ProcessOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()

	outcome = &ProcessOutcome{}
	err = p.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		resolver := p.resolver.withRepository(tx)

		device, created, err := resolver.Resolve(ctx, ref, event.EventID)
		if err != nil {
			return err
		}
		backfilled, err := resolver.ApplyReportedYears(ctx, device, event.InstallYear, event.LastServiceYear)
		if err != nil {
			return err
		}
		if backfilled {
			outcome.staleDevice = device
		}

		now := p.now()
		rec, err := recommendForDevice(ctx, tx, device, now)
		if err != nil {
			return err
		}

		if err := transitionEvent(ctx, tx, event, eventAccept, map[string]interface{}{
			"processed_at": now,
			"device_id":    device.ID,
		}); err != nil {
			return err
		}

		outcome.Status = EventStatusAccepted
		outcome.DeviceID = device.ID
		outcome.DeviceCreated = created
		outcome.Recommendation = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	event.DeviceID = &outcome.DeviceID
	p.logger.WithFields(logrus.Fields{
		"event_id":       event.EventID,
		"device_id":      outcome.DeviceID,
		"device_created": outcome.DeviceCreated,
		"recommended":    outcome.Recommendation != nil,
	}).Info("Event accepted")

	return outcome, nil
}

// reject records a terminal REJECTED status with its diagnostic.
func (p *EventProcessor) reject(ctx context.Context, event *IngressEvent, record *RejectionRecord) (*ProcessOutcome, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rejection: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err := transitionEvent(wctx, p.repo, event, eventReject, map[string]interface{}{
		"processed_at":      p.now(),
		"validation_errors": datatypes.JSON(data),
	}); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"kind":     record.Kind,
		"errors":   record.Errors,
	}).Info("Event rejected")

	return &ProcessOutcome{Status: EventStatusRejected, Rejection: record}, nil
}

func (p *EventProcessor) publishRecommendation(ctx context.Context, event *IngressEvent, rec *Recommendation) {
	if p.publisher == nil || rec == nil {
		return
	}
	eventID := ""
	if event != nil {
		eventID = event.EventID
	}
	if err := p.publisher.Publish(ctx, TopicRecommendations, NewRecommendationMessage(rec, eventID)); err != nil {
		p.logger.WithError(err).WithField("recommendation_id", rec.ID).Warn("Failed to publish recommendation")
	}
}

func (p *EventProcessor) publishAlert(ctx context.Context, event *IngressEvent, cause error) {
	if p.publisher == nil {
		return
	}
	msg := AlertMessage{
		Kind:    RejectionDataSetup,
		EventID: event.EventID,
		Message: cause.Error(),
		At:      p.now(),
	}
	if err := p.publisher.Publish(ctx, TopicAlerts, msg); err != nil {
		p.logger.WithError(err).WithField("event_id", event.EventID).Warn("Failed to publish alert")
	}
}
