package core

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "powerwatch.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	return NewRepository(newTestDB(t))
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func addModel(t *testing.T, repo Repository, sku, name string, lifetimeMonths int, capacityAh float64) *ProductModel {
	t.Helper()
	m := &ProductModel{SKU: sku, DisplayName: name, ExpectedLifetimeMonths: lifetimeMonths}
	if capacityAh > 0 {
		m.BatteryCapacityAh = &capacityAh
	}
	if err := repo.UpsertProductModel(context.Background(), m); err != nil {
		t.Fatalf("upsert model %s: %v", sku, err)
	}
	return m
}

func addDevice(t *testing.T, repo Repository, serial, qr string, modelID uint, installDate *time.Time) *Device {
	t.Helper()
	d := &Device{SerialNumber: serial, QRCodeID: qr, Status: DeviceStatusActive, ModelID: modelID, InstallDate: installDate}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("create device %s: %v", serial, err)
	}
	return d
}

func dateUTC(year int, month time.Month, day int) *time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func intp(v int) *int { return &v }

// queueEvent stores a RECEIVED event directly, bypassing request validation.
func queueEvent(t *testing.T, repo Repository, ref string, installYear, lastServiceYear *int) *IngressEvent {
	t.Helper()
	e := &IngressEvent{
		EventID:         uuid.NewString(),
		Source:          SourcePowerWatch,
		DeviceRef:       ref,
		Payload:         []byte(`{}`),
		InstallYear:     installYear,
		LastServiceYear: lastServiceYear,
		Status:          EventStatusReceived,
		ReceivedAt:      time.Now().UTC(),
	}
	ok, err := repo.InsertEvent(context.Background(), e)
	if err != nil || !ok {
		t.Fatalf("insert event: ok=%v err=%v", ok, err)
	}
	return e
}

type published struct {
	topic   string
	message interface{}
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, message: message})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.topic)
	}
	return out
}

type memoryCache struct {
	mu      sync.Mutex
	values  map[string]string
	deleted []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string]string{}}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *memoryCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.deleted = append(c.deleted, key)
	return nil
}

// testPipeline wires the processing services with a fixed clock.
type testPipeline struct {
	repo      Repository
	resolver  *DeviceResolver
	processor *EventProcessor
	worker    *Worker
	publisher *recordingPublisher
}

func newTestPipeline(t *testing.T, repo Repository, opts WorkerOptions) *testPipeline {
	t.Helper()
	log := newTestLogger()
	pub := &recordingPublisher{}

	resolver := NewDeviceResolver(repo, nil, time.Minute, log)
	resolver.now = func() time.Time { return testNow }

	processor := NewEventProcessor(repo, resolver, pub, log)
	processor.now = func() time.Time { return testNow }

	worker := NewWorker(repo, processor, log, opts)
	worker.now = func() time.Time { return testNow }
	worker.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &testPipeline{repo: repo, resolver: resolver, processor: processor, worker: worker, publisher: pub}
}

func mustEvent(t *testing.T, repo Repository, eventID string) *IngressEvent {
	t.Helper()
	e, err := repo.GetEventByEventID(context.Background(), eventID)
	if err != nil {
		t.Fatalf("get event %s: %v", eventID, err)
	}
	return e
}
