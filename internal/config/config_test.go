package config_test

import (
	"strings"
	"testing"

	"caterline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("Test Kitchen")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Restaurant.Name != "Test Kitchen" {
		t.Fatalf("restaurant name = %q", cfg.Restaurant.Name)
	}
	if cfg.Platform.Source == "" {
		t.Fatal("default source empty")
	}
}

func TestValidateRejectsBadLeads(t *testing.T) {
	cfg := config.Default("x")
	cfg.Tracking.PickedUpLeadMinutes = 10
	cfg.Tracking.InTransitLeadMinutes = 15
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected picked_up lead <= in_transit lead to be rejected")
	}
}

func TestValidateRejectsWideCadence(t *testing.T) {
	cfg := config.Default("x")
	cfg.Tracking.Reconfirm.MinMinutes = 1380
	cfg.Tracking.Reconfirm.MaxMinutes = 1500
	cfg.Tracking.PollCadenceMinutes = 120
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cadence >= reconfirm window width to be rejected")
	}
	if err := cfg.Validate(); err != nil && !strings.Contains(err.Error(), "poll_cadence_minutes") {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Tracking.PollCadenceMinutes = 60
	if err := cfg.Validate(); err != nil {
		t.Fatalf("cadence inside the window rejected: %v", err)
	}
}

func TestValidateRejectsBogusTimezone(t *testing.T) {
	cfg := config.Default("x")
	cfg.Restaurant.Timezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected bogus timezone to be rejected")
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("YAML Kitchen")))
	if err != nil {
		t.Fatalf("parse default template: %v", err)
	}
	if cfg.Restaurant.Name != "YAML Kitchen" {
		t.Fatalf("restaurant name = %q", cfg.Restaurant.Name)
	}

	if _, err := config.FromYAML([]byte("restaurant: [")); err == nil {
		t.Fatal("expected yaml error")
	}
}
