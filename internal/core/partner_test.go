package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPartnerAuthenticate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if err := repo.CreatePartner(ctx, &Partner{Name: "Installer AB", APIKey: "k-123"}); err != nil {
		t.Fatalf("CreatePartner() error = %v", err)
	}
	svc := NewPartnerService(repo, newTestLogger())

	partner, err := svc.Authenticate(ctx, "k-123")
	if err != nil || partner.Name != "Installer AB" {
		t.Fatalf("Authenticate() = %+v, %v", partner, err)
	}
	for _, key := range []string{"", "k-124"} {
		if _, err := svc.Authenticate(ctx, key); !errors.Is(err, ErrPartnerNotFound) {
			t.Errorf("Authenticate(%q) error = %v, want ErrPartnerNotFound", key, err)
		}
	}
}

func TestPartnerCreateCustomer(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	partner := &Partner{Name: "Installer AB", APIKey: "k-123"}
	if err := repo.CreatePartner(ctx, partner); err != nil {
		t.Fatalf("CreatePartner() error = %v", err)
	}
	svc := NewPartnerService(repo, newTestLogger())

	customer, err := svc.CreateCustomer(ctx, partner, &CreateCustomerRequest{Name: "  Brf Eken  "})
	if err != nil {
		t.Fatalf("CreateCustomer() error = %v", err)
	}
	if customer.ID == 0 || customer.Name != "Brf Eken" || customer.PartnerID == nil || *customer.PartnerID != partner.ID {
		t.Errorf("customer = %+v", customer)
	}

	var verr *ValidationError
	for _, req := range []*CreateCustomerRequest{nil, {Name: "   "}} {
		if _, err := svc.CreateCustomer(ctx, partner, req); !errors.As(err, &verr) {
			t.Errorf("CreateCustomer(%+v) error = %v, want *ValidationError", req, err)
		}
	}
}

func TestPartnerDeviceStatus(t *testing.T) {
	repo := newTestRepo(t)
	model := addModel(t, repo, "MT-NEO-500", "NEO 500", 84, 65)
	device := addDevice(t, repo, "SN-STATUS-1", "QR-STATUS-1", model.ID, nil)
	svc := NewPartnerService(repo, newTestLogger())
	ctx := context.Background()

	status, err := svc.DeviceStatus(ctx, "SN-STATUS-1")
	if err != nil {
		t.Fatalf("DeviceStatus() error = %v", err)
	}
	if status.Health != HealthUnknown || status.Score != nil || status.Timestamp != nil {
		t.Errorf("status without snapshots = %+v", status)
	}

	for i, score := range []int{90, 40} {
		err := repo.CreateHealthSnapshot(ctx, &DeviceHealthSnapshot{
			DeviceID:  device.ID,
			Health:    healthLabel(score),
			Score:     score,
			Reasons:   []byte(`[]`),
			Timestamp: testNow.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateHealthSnapshot() error = %v", err)
		}
	}

	status, err = svc.DeviceStatus(ctx, "SN-STATUS-1")
	if err != nil {
		t.Fatalf("DeviceStatus() error = %v", err)
	}
	if status.Health != HealthCritical || status.Score == nil || *status.Score != 40 || status.Status != DeviceStatusActive {
		t.Errorf("status = %+v, want latest snapshot", status)
	}

	if _, err := svc.DeviceStatus(ctx, "QR-STATUS-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("lookup by QR code error = %v, want ErrDeviceNotFound", err)
	}
}
