package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models caterline.yml.
type Config struct {
	Restaurant struct {
		Name     string `yaml:"name" json:"name"`
		Timezone string `yaml:"timezone" json:"timezone"`
	} `yaml:"restaurant" json:"restaurant"`
	Platform struct {
		Endpoint       string `yaml:"endpoint" json:"endpoint"`
		Token          string `yaml:"token" json:"token"`
		Source         string `yaml:"source" json:"source"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"platform" json:"platform"`
	Tracking struct {
		PickedUpLeadMinutes  int `yaml:"picked_up_lead_minutes" json:"picked_up_lead_minutes"`
		InTransitLeadMinutes int `yaml:"in_transit_lead_minutes" json:"in_transit_lead_minutes"`
		PollCadenceMinutes   int `yaml:"poll_cadence_minutes" json:"poll_cadence_minutes"`
		Reconfirm            struct {
			MinMinutes int `yaml:"min_minutes" json:"min_minutes"`
			MaxMinutes int `yaml:"max_minutes" json:"max_minutes"`
		} `yaml:"reconfirm" json:"reconfirm"`
	} `yaml:"tracking" json:"tracking"`
	DefaultCourier struct {
		Name  string `yaml:"name" json:"name"`
		Phone string `yaml:"phone" json:"phone"`
	} `yaml:"default_courier" json:"default_courier"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Restaurant.Timezone == "" {
		return fmt.Errorf("config.restaurant.timezone is required")
	}
	if _, err := time.LoadLocation(c.Restaurant.Timezone); err != nil {
		return fmt.Errorf("config.restaurant.timezone: %w", err)
	}
	if c.Platform.Source == "" {
		return fmt.Errorf("config.platform.source is required")
	}
	if c.Platform.TimeoutSeconds < 0 {
		return fmt.Errorf("config.platform.timeout_seconds must not be negative")
	}
	t := c.Tracking
	if t.InTransitLeadMinutes <= 0 {
		return fmt.Errorf("config.tracking.in_transit_lead_minutes must be positive")
	}
	if t.PickedUpLeadMinutes <= t.InTransitLeadMinutes {
		return fmt.Errorf("config.tracking.picked_up_lead_minutes must exceed in_transit_lead_minutes")
	}
	if t.PollCadenceMinutes <= 0 {
		return fmt.Errorf("config.tracking.poll_cadence_minutes must be positive")
	}
	if t.Reconfirm.MinMinutes <= 0 || t.Reconfirm.MaxMinutes <= t.Reconfirm.MinMinutes {
		return fmt.Errorf("config.tracking.reconfirm window must satisfy 0 < min_minutes < max_minutes")
	}
	// A cadence wider than the reconfirmation window can straddle it and
	// silently skip the reconfirm call.
	if t.PollCadenceMinutes >= t.Reconfirm.MaxMinutes-t.Reconfirm.MinMinutes {
		return fmt.Errorf("config.tracking.poll_cadence_minutes (%d) must be smaller than the reconfirm window width (%d)",
			t.PollCadenceMinutes, t.Reconfirm.MaxMinutes-t.Reconfirm.MinMinutes)
	}
	if c.DefaultCourier.Name == "" {
		return fmt.Errorf("config.default_courier.name is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the reference timezone; Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Restaurant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PlatformTimeout returns the bounded per-call timeout for platform requests.
func (c *Config) PlatformTimeout() time.Duration {
	if c.Platform.TimeoutSeconds > 0 {
		return time.Duration(c.Platform.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caterline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(restaurant string) string {
	return fmt.Sprintf(defaultTemplate, restaurant)
}

// Default returns the default Config struct for a restaurant.
func Default(restaurant string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, restaurant))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `restaurant:
  name: %s
  timezone: America/Los_Angeles

platform:
  endpoint: https://api.ezcater.com/graphql
  token: ""
  source: ezcater
  timeout_seconds: 10

tracking:
  picked_up_lead_minutes: 30
  in_transit_lead_minutes: 15
  poll_cadence_minutes: 5
  reconfirm:
    min_minutes: 1380
    max_minutes: 1500

default_courier:
  name: House Driver
  phone: "916-555-0100"
`
