package core

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestScoreHealthLowVoltage(t *testing.T) {
	got := ScoreHealth(nil, 72, map[string]interface{}{"voltage": 11.0, "temperature": 20.0}, testNow)

	if got.Score != 55 || got.Health != HealthWarn {
		t.Errorf("ScoreHealth() = %d %s, want 55 WARN", got.Score, got.Health)
	}
	if !reflect.DeepEqual(got.Reasons, []string{"low voltage"}) {
		t.Errorf("reasons = %v", got.Reasons)
	}
}

func TestScoreHealth(t *testing.T) {
	tests := []struct {
		name        string
		installDate *time.Time
		lifetime    int
		metrics     map[string]interface{}
		wantScore   int
		wantHealth  string
		wantReasons []string
	}{
		{
			name:        "healthy",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": 12.6, "temperature": 21.0},
			wantScore:   100,
			wantHealth:  HealthOK,
			wantReasons: []string{},
		},
		{
			name:        "slightly low voltage",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": 11.8},
			wantScore:   80,
			wantHealth:  HealthOK,
			wantReasons: []string{"slightly low voltage"},
		},
		{
			name:        "cold",
			lifetime:    72,
			metrics:     map[string]interface{}{"temperature": -5},
			wantScore:   85,
			wantHealth:  HealthOK,
			wantReasons: []string{"very low temperature"},
		},
		{
			name:        "low voltage and heat",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": 11.0, "temperature": 40.0},
			wantScore:   30,
			wantHealth:  HealthCritical,
			wantReasons: []string{"low voltage", "high temperature"},
		},
		{
			name:        "past lifetime",
			installDate: dateUTC(2015, time.January, 1),
			lifetime:    72,
			metrics:     map[string]interface{}{},
			wantScore:   65,
			wantHealth:  HealthWarn,
			wantReasons: []string{"past expected lifetime"},
		},
		{
			name:        "near lifetime",
			installDate: dateUTC(2019, time.January, 1),
			lifetime:    72,
			metrics:     map[string]interface{}{},
			wantScore:   80,
			wantHealth:  HealthOK,
			wantReasons: []string{"near lifetime limit"},
		},
		{
			name:        "risk is clamped",
			installDate: dateUTC(2010, time.January, 1),
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": 10.0, "temperature": 50.0},
			wantScore:   0,
			wantHealth:  HealthCritical,
			wantReasons: []string{"low voltage", "high temperature", "past expected lifetime"},
		},
		{
			name:        "no lifetime skips age",
			installDate: dateUTC(2000, time.January, 1),
			lifetime:    0,
			metrics:     nil,
			wantScore:   100,
			wantHealth:  HealthOK,
			wantReasons: []string{},
		},
		{
			name:        "non-numeric metrics are ignored",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": "11.0", "temperature": true},
			wantScore:   100,
			wantHealth:  HealthOK,
			wantReasons: []string{},
		},
		{
			name:        "non-finite metrics are ignored",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": math.NaN(), "temperature": math.Inf(1)},
			wantScore:   100,
			wantHealth:  HealthOK,
			wantReasons: []string{},
		},
		{
			name:        "decoded json numbers",
			lifetime:    72,
			metrics:     map[string]interface{}{"voltage": json.Number("11.2")},
			wantScore:   55,
			wantHealth:  HealthWarn,
			wantReasons: []string{"low voltage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreHealth(tt.installDate, tt.lifetime, tt.metrics, testNow)
			if got.Score != tt.wantScore || got.Health != tt.wantHealth {
				t.Errorf("ScoreHealth() = %d %s, want %d %s", got.Score, got.Health, tt.wantScore, tt.wantHealth)
			}
			if !reflect.DeepEqual(got.Reasons, tt.wantReasons) {
				t.Errorf("reasons = %v, want %v", got.Reasons, tt.wantReasons)
			}
		})
	}
}

func TestHealthLabelBoundaries(t *testing.T) {
	for score, want := range map[int]string{100: HealthOK, 75: HealthOK, 74: HealthWarn, 45: HealthWarn, 44: HealthCritical, 0: HealthCritical} {
		if got := healthLabel(score); got != want {
			t.Errorf("healthLabel(%d) = %s, want %s", score, got, want)
		}
	}
}
