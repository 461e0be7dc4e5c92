package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Demo identifiers created by SeedReferenceData.
const (
	DemoPartnerAPIKey = "demo-partner-key"
	DemoDeviceSerial  = "SN-NEO-0001"
	DemoDeviceQRCode  = "QR-NEO-0001"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// DefaultProductModels is the catalogue seeded by migrate --seed.
func DefaultProductModels() []*ProductModel {
	return []*ProductModel{
		{SKU: "MT-ECO-250", DisplayName: "ECO 250", ExpectedLifetimeMonths: 72, NominalPowerW: intPtr(250), BatteryCapacityAh: floatPtr(45)},
		{SKU: "MT-NEO-500", DisplayName: "NEO 500", ExpectedLifetimeMonths: 84, NominalPowerW: intPtr(500), BatteryCapacityAh: floatPtr(65)},
		{SKU: "MT-EN54-300", DisplayName: "EN54 300", ExpectedLifetimeMonths: 60, NominalPowerW: intPtr(300), BatteryCapacityAh: floatPtr(55), Notes: "Rated for EN54 fire alarm installations."},
		{SKU: "MT-SINUS-UPS-800", DisplayName: "SINUS UPS 800", ExpectedLifetimeMonths: 72, NominalPowerW: intPtr(800), BatteryCapacityAh: floatPtr(80)},
		{SKU: "MT113-12V14-01", DisplayName: "UPLUS 10+ Design Life 14Ah Battery", ExpectedLifetimeMonths: 120, BatteryCapacityAh: floatPtr(14)},
	}
}

// SeedReferenceData upserts the product catalogue and creates the demo
// partner, customer, site and device unless they already exist. It is safe
// to run repeatedly.
func SeedReferenceData(ctx context.Context, repo Repository, logger *logrus.Logger) error {
	return repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		for _, model := range DefaultProductModels() {
			if err := tx.UpsertProductModel(ctx, model); err != nil {
				return err
			}
		}

		partner, err := tx.GetPartnerByAPIKey(ctx, DemoPartnerAPIKey)
		if errors.Is(err, ErrPartnerNotFound) {
			partner = &Partner{Name: "DemoPartner AB", APIKey: DemoPartnerAPIKey}
			if err := tx.CreatePartner(ctx, partner); err != nil {
				return err
			}
			logger.WithField("partner", partner.Name).Info("Created demo partner")
		} else if err != nil {
			return err
		}

		if _, err := tx.GetDeviceBySerial(ctx, DemoDeviceSerial); err == nil {
			return nil
		} else if !errors.Is(err, ErrDeviceNotFound) {
			return err
		}

		customer := &Customer{Name: "Brf Solgläntan", PartnerID: &partner.ID}
		if err := tx.CreateCustomer(ctx, customer); err != nil {
			return err
		}
		site := &Site{CustomerID: customer.ID, Name: "Basement electrical room", Address: "Solgatan 1, 123 45 Stockholm"}
		if err := tx.CreateSite(ctx, site); err != nil {
			return err
		}

		var neo *ProductModel
		models, err := tx.ListProductModelsWithCapacity(ctx)
		if err != nil {
			return err
		}
		for _, m := range models {
			if m.SKU == "MT-NEO-500" {
				neo = m
			}
		}
		if neo == nil {
			return ErrNoProductModel
		}

		installed := time.Date(2018, time.February, 1, 0, 0, 0, 0, time.UTC)
		device := &Device{
			SerialNumber: DemoDeviceSerial,
			QRCodeID:     DemoDeviceQRCode,
			Status:       DeviceStatusActive,
			InstallDate:  &installed,
			ModelID:      neo.ID,
			SiteID:       &site.ID,
		}
		if err := tx.CreateDevice(ctx, device); err != nil {
			return err
		}
		logger.WithField("serial_number", device.SerialNumber).Info("Created demo device")
		return nil
	})
}
