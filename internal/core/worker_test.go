package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWorkerProvisionsUnknownDeviceAndRecommendsReplacement(t *testing.T) {
	repo := newTestRepo(t)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	event := queueEvent(t, repo, "QR-NEW-1", intp(2015), nil)

	worked, err := p.worker.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("RunOnce() = %v, %v", worked, err)
	}

	stored := mustEvent(t, repo, event.EventID)
	if stored.Status != EventStatusAccepted {
		t.Fatalf("status = %s, want ACCEPTED", stored.Status)
	}
	if stored.ProcessedAt == nil || stored.DeviceID == nil {
		t.Fatalf("processedAt/deviceId not stamped: %+v", stored)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}

	device, err := repo.GetDevice(ctx, *stored.DeviceID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if device.Status != DeviceStatusUnknown {
		t.Errorf("device status = %s, want UNKNOWN", device.Status)
	}
	if device.QRCodeID != "QR-NEW-1" {
		t.Errorf("qr = %s, want QR-NEW-1", device.QRCodeID)
	}
	if device.SerialNumber != "UNKNOWN-"+event.EventID[:8] {
		t.Errorf("serial = %s", device.SerialNumber)
	}
	if device.InstallDate == nil || !device.InstallDate.Equal(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("install date = %v, want 2015-01-01", device.InstallDate)
	}

	recs, err := repo.ListRecommendations(ctx, device.ID, 0)
	if err != nil {
		t.Fatalf("ListRecommendations() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Type != RecommendationReplace {
		t.Fatalf("recommendations = %+v, want one REPLACE", recs)
	}
	if !strings.Contains(recs[0].Reason, "months old") || !strings.Contains(recs[0].Reason, "72") {
		t.Errorf("reason = %q", recs[0].Reason)
	}

	if topics := p.publisher.topics(); len(topics) != 1 || topics[0] != TopicRecommendations {
		t.Errorf("published topics = %v", topics)
	}
	if stats := p.worker.Stats(); stats["accepted"].(uint64) != 1 || stats["processed"].(uint64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestWorkerRejectsMissingDeviceRef(t *testing.T) {
	repo := newTestRepo(t)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	event := queueEvent(t, repo, "  ", nil, nil)
	if _, err := p.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	stored := mustEvent(t, repo, event.EventID)
	if stored.Status != EventStatusRejected || stored.ProcessedAt == nil {
		t.Fatalf("event = %+v, want REJECTED with processedAt", stored)
	}
	var record RejectionRecord
	if err := json.Unmarshal(stored.ValidationErrors, &record); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if record.Kind != RejectionValidation || len(record.Errors) == 0 || !strings.Contains(record.Errors[0], "deviceRef") {
		t.Errorf("rejection = %+v", record)
	}

	devices, err := repo.ListDevices(ctx, 0)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("devices = %d, want none", len(devices))
	}
}

func TestWorkerRejectsWhenNoProductModelExists(t *testing.T) {
	repo := newTestRepo(t)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	event := queueEvent(t, repo, "QR-ORPHAN", intp(2020), nil)
	if _, err := p.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	stored := mustEvent(t, repo, event.EventID)
	if stored.Status != EventStatusRejected {
		t.Fatalf("status = %s, want REJECTED", stored.Status)
	}
	var record RejectionRecord
	if err := json.Unmarshal(stored.ValidationErrors, &record); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if record.Kind != RejectionDataSetup {
		t.Errorf("kind = %s, want DATA_SETUP", record.Kind)
	}
	if got := p.worker.Stats()["data_setup_errors"].(uint64); got != 1 {
		t.Errorf("data_setup_errors = %d", got)
	}
	if topics := p.publisher.topics(); len(topics) != 1 || topics[0] != TopicAlerts {
		t.Errorf("published topics = %v, want one alert", topics)
	}
}

func TestWorkerKnownDeviceBackfillsOnceAndHonoursCooldown(t *testing.T) {
	repo := newTestRepo(t)
	model := addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	device := addDevice(t, repo, "SN-NEO-1", "QR-NEO-1", model.ID, nil)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	queueEvent(t, repo, "SN-NEO-1", intp(2019), intp(2022))
	queueEvent(t, repo, "QR-NEO-1", intp(2010), intp(2022))

	for i := 0; i < 2; i++ {
		if worked, err := p.worker.RunOnce(ctx); err != nil || !worked {
			t.Fatalf("RunOnce() #%d = %v, %v", i, worked, err)
		}
	}

	stored, err := repo.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if stored.InstallDate == nil || stored.InstallDate.Year() != 2019 {
		t.Errorf("install date = %v, want first reported year 2019", stored.InstallDate)
	}

	history, err := repo.ListServiceHistory(ctx, device.ID, 0)
	if err != nil {
		t.Fatalf("ListServiceHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ServiceDate.Year() != 2022 {
		t.Errorf("service history = %+v, want one 2022 entry", history)
	}

	// 65 months against a 72 month lifetime; the second event falls inside the cooldown.
	recs, err := repo.ListRecommendations(ctx, device.ID, 0)
	if err != nil {
		t.Fatalf("ListRecommendations() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Type != RecommendationService {
		t.Errorf("recommendations = %+v, want one SERVICE", recs)
	}
}

func TestWorkerProcessesOldestFirst(t *testing.T) {
	repo := newTestRepo(t)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	first := queueEvent(t, repo, "QR-FIRST", nil, nil)
	second := queueEvent(t, repo, "QR-SECOND", nil, nil)

	if _, err := p.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := mustEvent(t, repo, first.EventID).Status; got != EventStatusAccepted {
		t.Errorf("first status = %s, want ACCEPTED", got)
	}
	if got := mustEvent(t, repo, second.EventID).Status; got != EventStatusReceived {
		t.Errorf("second status = %s, want RECEIVED", got)
	}
}

// claimStealingRepo reports every claim as lost, as if another worker won.
type claimStealingRepo struct {
	Repository
}

func (r claimStealingRepo) TransitionEvent(ctx context.Context, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	if to == EventStatusProcessing {
		return false, nil
	}
	return r.Repository.TransitionEvent(ctx, id, from, to, updates)
}

func TestWorkerSkipsLostClaim(t *testing.T) {
	repo := newTestRepo(t)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, claimStealingRepo{repo}, WorkerOptions{})
	ctx := context.Background()

	event := queueEvent(t, repo, "QR-CONTESTED", nil, nil)

	worked, err := p.worker.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("RunOnce() = %v, %v; a lost claim is not an error", worked, err)
	}
	if got := mustEvent(t, repo, event.EventID).Status; got != EventStatusReceived {
		t.Errorf("status = %s, want RECEIVED", got)
	}
	if got := p.worker.Stats()["processed"].(uint64); got != 0 {
		t.Errorf("processed = %d, want 0", got)
	}
}

func TestReclaimStaleRequeuesThenAbandons(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, repo, WorkerOptions{StaleAfter: 10 * time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	retry := queueEvent(t, repo, "QR-RETRY", nil, nil)
	dead := queueEvent(t, repo, "QR-DEAD", nil, nil)
	fresh := queueEvent(t, repo, "QR-FRESH", nil, nil)

	stale := testNow.Add(-time.Hour)
	recent := testNow.Add(-time.Minute)
	set := func(e *IngressEvent, attempts int, claimedAt time.Time) {
		err := db.Model(&IngressEvent{}).Where("id = ?", e.ID).Updates(map[string]interface{}{
			"status":     EventStatusProcessing,
			"attempts":   attempts,
			"claimed_at": claimedAt,
		}).Error
		if err != nil {
			t.Fatalf("mark processing: %v", err)
		}
	}
	set(retry, 1, stale)
	set(dead, 3, stale)
	set(fresh, 1, recent)

	reclaimed, err := p.worker.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}

	requeued := mustEvent(t, repo, retry.EventID)
	if requeued.Status != EventStatusReceived || requeued.ClaimedAt != nil {
		t.Errorf("retry event = %s claimedAt=%v, want RECEIVED and cleared claim", requeued.Status, requeued.ClaimedAt)
	}

	abandoned := mustEvent(t, repo, dead.EventID)
	if abandoned.Status != EventStatusRejected {
		t.Fatalf("dead event = %s, want REJECTED", abandoned.Status)
	}
	var record RejectionRecord
	if err := json.Unmarshal(abandoned.ValidationErrors, &record); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if record.Kind != RejectionAbandoned || record.Attempts != 3 {
		t.Errorf("rejection = %+v", record)
	}

	if got := mustEvent(t, repo, fresh.EventID).Status; got != EventStatusProcessing {
		t.Errorf("fresh event = %s, want PROCESSING", got)
	}
}

func TestWorkerRunDrainsQueueUntilCancelled(t *testing.T) {
	repo := newTestRepo(t)
	addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	p := newTestPipeline(t, repo, WorkerOptions{PollInterval: time.Second})

	events := []*IngressEvent{
		queueEvent(t, repo, "QR-RUN-1", nil, nil),
		queueEvent(t, repo, "QR-RUN-2", nil, nil),
		queueEvent(t, repo, "", nil, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	p.worker.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d != time.Second {
			t.Errorf("sleep = %v, want poll interval", d)
		}
		cancel()
		return ctx.Err()
	}

	if err := p.worker.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sleeps != 1 {
		t.Errorf("sleeps = %d, want 1 idle poll", sleeps)
	}

	for _, e := range events {
		status := mustEvent(t, repo, e.EventID).Status
		if status != EventStatusAccepted && status != EventStatusRejected {
			t.Errorf("event %s left in %s", e.DeviceRef, status)
		}
	}
	stats := p.worker.Stats()
	if stats["accepted"].(uint64) != 2 || stats["rejected"].(uint64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}

// failingRecommendationRepo refuses to store recommendations for one device,
// inside transactions too.
type failingRecommendationRepo struct {
	Repository
	deviceID uint
}

func (r failingRecommendationRepo) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.Repository.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		return fn(ctx, failingRecommendationRepo{Repository: tx, deviceID: r.deviceID})
	})
}

func (r failingRecommendationRepo) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	if rec.DeviceID == r.deviceID {
		return errors.New("recommendations table locked")
	}
	return r.Repository.CreateRecommendation(ctx, rec)
}

func TestWorkerRollsBackProcessingFailureAndMovesOn(t *testing.T) {
	repo := newTestRepo(t)
	model := addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	device := addDevice(t, repo, "SN-LOCKED-1", "QR-LOCKED-1", model.ID, nil)
	p := newTestPipeline(t, failingRecommendationRepo{Repository: repo, deviceID: device.ID}, WorkerOptions{})
	ctx := context.Background()

	cache := newMemoryCache()
	p.resolver.cache = cache
	if _, err := p.resolver.Lookup(ctx, "QR-LOCKED-1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	broken := queueEvent(t, repo, "QR-LOCKED-1", intp(2015), intp(2020))
	next := queueEvent(t, repo, "QR-AFTER-1", nil, nil)

	worked, err := p.worker.RunOnce(ctx)
	if err != nil || !worked {
		t.Fatalf("RunOnce() = %v, %v; a pipeline failure is recorded, not returned", worked, err)
	}

	stored := mustEvent(t, repo, broken.EventID)
	if stored.Status != EventStatusRejected || stored.ProcessedAt == nil {
		t.Fatalf("event = %+v, want REJECTED with processedAt", stored)
	}
	if stored.DeviceID != nil {
		t.Errorf("deviceId = %d, want unset after rollback", *stored.DeviceID)
	}
	var record RejectionRecord
	if err := json.Unmarshal(stored.ValidationErrors, &record); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if record.Kind != RejectionProcessing || len(record.Errors) != 1 || !strings.Contains(record.Errors[0], "recommendations table locked") {
		t.Errorf("rejection = %+v, want PROCESSING_FAILURE", record)
	}

	fresh, err := repo.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if fresh.InstallDate != nil {
		t.Errorf("install date = %v, want backfill rolled back", fresh.InstallDate)
	}
	history, err := repo.ListServiceHistory(ctx, device.ID, 0)
	if err != nil {
		t.Fatalf("ListServiceHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("service history = %d entries, want none after rollback", len(history))
	}
	if len(cache.deleted) != 0 {
		t.Errorf("invalidated keys = %v, want none for a rolled back event", cache.deleted)
	}
	if topics := p.publisher.topics(); len(topics) != 0 {
		t.Errorf("published topics = %v, want none", topics)
	}

	if _, err := p.worker.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if got := mustEvent(t, repo, next.EventID).Status; got != EventStatusAccepted {
		t.Errorf("next status = %s, want ACCEPTED", got)
	}
	stats := p.worker.Stats()
	if stats["rejected"].(uint64) != 1 || stats["accepted"].(uint64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestWorkerInvalidatesCachedDeviceAfterCommit(t *testing.T) {
	repo := newTestRepo(t)
	model := addModel(t, repo, "MT-ECO-250", "ECO 250", 72, 45)
	addDevice(t, repo, "SN-CACHED-1", "QR-CACHED-1", model.ID, nil)
	p := newTestPipeline(t, repo, WorkerOptions{})
	ctx := context.Background()

	cache := newMemoryCache()
	p.resolver.cache = cache
	if _, err := p.resolver.Lookup(ctx, "QR-CACHED-1"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	event := queueEvent(t, repo, "SN-CACHED-1", intp(2019), nil)
	if _, err := p.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := mustEvent(t, repo, event.EventID).Status; got != EventStatusAccepted {
		t.Fatalf("status = %s, want ACCEPTED", got)
	}

	if len(cache.deleted) != 2 {
		t.Fatalf("invalidated keys = %v, want serial and QR", cache.deleted)
	}
	device, err := p.resolver.Lookup(ctx, "QR-CACHED-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if device.InstallDate == nil || device.InstallDate.Year() != 2019 {
		t.Errorf("install date = %v, want the committed 2019 backfill", device.InstallDate)
	}
}
