package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Contact is optional reporter information attached to an event.
type Contact struct {
	Name  string `json:"name" validate:"required,min=1"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=6"`
	Role  string `json:"role,omitempty"`
}

// IncomingEvent is one field report as submitted by a PowerWatch client.
type IncomingEvent struct {
	EventID   string                 `json:"eventId" validate:"required,uuid"`
	Source    string                 `json:"source" validate:"required,eq=POWERWATCH"`
	DeviceRef string                 `json:"deviceRef" validate:"required,min=1"`
	Timestamp string                 `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Payload   map[string]interface{} `json:"payload" validate:"required"`
	Contact   *Contact               `json:"contact,omitempty" validate:"omitempty"`
}

// BatchRequest is the body of a batch submission.
type BatchRequest struct {
	Events []IncomingEvent `json:"events" validate:"required,min=1,dive"`
}

// Receipt is the per-event intake outcome.
type Receipt struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
}

// BatchReceipt lists receipts in submission order.
type BatchReceipt struct {
	Received []Receipt `json:"received"`
}

// EventPayload is the typed view of the known payload fields. Unknown fields
// stay in the stored raw payload.
type EventPayload struct {
	Note            string `json:"note,omitempty"`
	PhotoURL        string `json:"photoUrl,omitempty"`
	ReportedProblem string `json:"reportedProblem,omitempty"`
	InstallYear     *int   `json:"installYear,omitempty"`
	LastServiceYear *int   `json:"lastServiceYear,omitempty"`
}

// IngestionOptions tunes batch admission.
type IngestionOptions struct {
	MaxBatchSize   int
	Concurrency    int
	DedupCacheSize int
}

// IngestionService admits batches of events into the event store.
type IngestionService struct {
	repo     Repository
	logger   *logrus.Logger
	validate *validator.Validate
	recent   *lru.Cache[string, struct{}]
	opts     IngestionOptions
}

func NewIngestionService(repo Repository, logger *logrus.Logger, opts IngestionOptions) (*IngestionService, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = 10000
	}

	recent, err := lru.New[string, struct{}](opts.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &IngestionService{
		repo:     repo,
		logger:   logger,
		validate: newValidator(),
		recent:   recent,
		opts:     opts,
	}, nil
}

// IngestBatch validates the whole batch before writing anything, then inserts
// each event independently. Duplicates become ALREADY_RECEIVED; any other
// store failure fails the call once every sibling insert has been attempted.
func (s *IngestionService) IngestBatch(ctx context.Context, req *BatchRequest) (*BatchReceipt, error) {
	events, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	receipts := make([]Receipt, len(events))
	// no shared context: one failed insert must not cancel the others
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	for i, event := range events {
		i, event := i, event
		g.Go(func() error {
			status, err := s.insert(ctx, event)
			if err != nil {
				return err
			}
			receipts[i] = Receipt{EventID: event.EventID, Status: status}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"events": len(events),
	}).Debug("Batch ingested")

	return &BatchReceipt{Received: receipts}, nil
}

func (s *IngestionService) insert(ctx context.Context, event *IngressEvent) (string, error) {
	if s.recent.Contains(event.EventID) {
		return ReceiptAlreadyReceived, nil
	}

	inserted, err := s.repo.InsertEvent(ctx, event)
	if err != nil {
		s.logger.WithError(err).WithField("event_id", event.EventID).Error("Failed to store ingress event")
		return "", fmt.Errorf("failed to store event %s: %w", event.EventID, err)
	}
	s.recent.Add(event.EventID, struct{}{})

	if !inserted {
		s.logger.WithField("event_id", event.EventID).Debug("Duplicate event ignored")
		return ReceiptAlreadyReceived, nil
	}
	return ReceiptReceived, nil
}

// prepare turns a validated request into store rows.
func (s *IngestionService) prepare(req *BatchRequest) ([]*IngressEvent, error) {
	if req == nil {
		return nil, newValidationError("events is required")
	}
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}
	if s.opts.MaxBatchSize > 0 && len(req.Events) > s.opts.MaxBatchSize {
		return nil, newValidationError(fmt.Sprintf("events must have at most %d items", s.opts.MaxBatchSize))
	}

	var problems []string
	events := make([]*IngressEvent, 0, len(req.Events))

	for i, in := range req.Events {
		payload, payloadProblems := ParseEventPayload(s.validate, in.Payload)
		for _, p := range payloadProblems {
			problems = append(problems, fmt.Sprintf("events[%d].payload.%s", i, p))
		}

		receivedAt, err := time.Parse(time.RFC3339, in.Timestamp)
		if err != nil {
			problems = append(problems, fmt.Sprintf("events[%d].timestamp must be an ISO-8601 timestamp", i))
			continue
		}

		rawPayload, err := json.Marshal(in.Payload)
		if err != nil {
			problems = append(problems, fmt.Sprintf("events[%d].payload is not serializable", i))
			continue
		}

		var contact datatypes.JSON
		if in.Contact != nil {
			if contact, err = json.Marshal(in.Contact); err != nil {
				problems = append(problems, fmt.Sprintf("events[%d].contact is not serializable", i))
				continue
			}
		}

		events = append(events, &IngressEvent{
			EventID:         in.EventID,
			Source:          in.Source,
			DeviceRef:       in.DeviceRef,
			Payload:         rawPayload,
			Contact:         contact,
			InstallYear:     payload.InstallYear,
			LastServiceYear: payload.LastServiceYear,
			Status:          EventStatusReceived,
			ReceivedAt:      receivedAt.UTC(),
		})
	}

	if len(problems) > 0 {
		return nil, newValidationError(problems...)
	}
	return events, nil
}

// ParseEventPayload extracts the known fields of a raw payload. Known string
// fields of the wrong type are problems; the year fields are optional hints
// and are dropped unless they are whole numbers.
func ParseEventPayload(v *validator.Validate, raw map[string]interface{}) (EventPayload, []string) {
	var (
		payload  EventPayload
		problems []string
	)

	text := func(key string, dst *string) {
		val, ok := raw[key]
		if !ok || val == nil {
			return
		}
		s, ok := val.(string)
		if !ok {
			problems = append(problems, key+" must be a string")
			return
		}
		*dst = s
	}
	text("note", &payload.Note)
	text("photoUrl", &payload.PhotoURL)
	text("reportedProblem", &payload.ReportedProblem)

	if payload.PhotoURL != "" {
		if err := v.Var(payload.PhotoURL, "url"); err != nil {
			problems = append(problems, "photoUrl must be a URL")
		}
	}

	payload.InstallYear = wholeNumber(raw["installYear"])
	payload.LastServiceYear = wholeNumber(raw["lastServiceYear"])

	return payload, problems
}

func wholeNumber(val interface{}) *int {
	var f float64
	switch n := val.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil
	}
	year := int(f)
	return &year
}
