// Package config loads and validates the vendlite configuration.
//
// Values come from a YAML file, are then overridden by VEND_* environment
// variables and are validated exactly once at startup. Every failure is a
// hwerr ConfigurationError; nothing downstream re-validates.
package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/link"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Actuator     ActuatorConfig     `yaml:"actuator"`
	Hopper       HopperConfig       `yaml:"hopper"`
	Coin         CoinConfig         `yaml:"coin"`
	Bill         BillConfig         `yaml:"bill"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Channel      ChannelConfig      `yaml:"channel"`
}

type ServerConfig struct {
	Host           string     `yaml:"host" env:"VEND_SERVER_HOST"`
	Port           int        `yaml:"port" env:"VEND_SERVER_PORT" validate:"gt=0,lte=65535"`
	ReadTimeoutMS  int        `yaml:"read_timeout_ms" validate:"gt=0"`
	WriteTimeoutMS int        `yaml:"write_timeout_ms" validate:"gt=0"`
	CORS           CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin access for browser based kiosk screens
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds" validate:"gte=0"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username" env:"VEND_AUTH_ADMIN_USERNAME" validate:"required"`
	AdminPassword  string `yaml:"admin_password" env:"VEND_AUTH_ADMIN_PASSWORD" validate:"required"`
	JWTSecret      string `yaml:"jwt_secret" env:"VEND_AUTH_JWT_SECRET" validate:"required,min=32"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"VEND_LOGGING_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"VEND_LOGGING_FORMAT" validate:"oneof=json text"`
}

// LinkConfig describes one line-protocol hardware connection
type LinkConfig struct {
	Address          string `yaml:"address" validate:"required"`
	BaudRate         int    `yaml:"baud_rate" validate:"gte=0"`
	CommandTimeoutMS int    `yaml:"command_timeout_ms" validate:"gt=0"`
	MaxAttempts      int    `yaml:"max_attempts" validate:"gte=1,lte=5"`
	RetryDelayMS     int    `yaml:"retry_delay_ms" validate:"gte=0"`
	DialTimeoutMS    int    `yaml:"dial_timeout_ms" validate:"gt=0"`
}

type ActuatorConfig struct {
	Link           LinkConfig `yaml:"link"`
	AddressEnv     string     `yaml:"-" env:"VEND_ACTUATOR_ADDRESS"`
	DefaultPulseMS int        `yaml:"default_pulse_ms" validate:"gt=0"`
}

type HopperConfig struct {
	Link             LinkConfig       `yaml:"link"`
	AddressEnv       string           `yaml:"-" env:"VEND_HOPPER_ADDRESS"`
	Denominations    []int64          `yaml:"denominations" validate:"required,min=1,dive,gt=0"`
	DefaultTimeoutMS int              `yaml:"default_timeout_ms" validate:"gt=0"`
	StallWindowMS    int              `yaml:"stall_window_ms" validate:"gt=0"`
	TickMS           int              `yaml:"tick_ms" validate:"gt=0"`
	ExitSensorPins   map[int64]string `yaml:"exit_sensor_pins"`
}

type CoinConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Pin               string        `yaml:"pin"`
	GroupGapMS        int           `yaml:"group_gap_ms" validate:"gt=0"`
	EdgeDebounceUS    int           `yaml:"edge_debounce_us" validate:"gte=0"`
	DuplicateWindowMS int           `yaml:"duplicate_window_ms" validate:"gte=0"`
	PulseValues       map[int]int64 `yaml:"pulse_values"`
}

// BillDenomination maps a nominal pulse count to a bill value
type BillDenomination struct {
	Value  int64 `yaml:"value" validate:"gt=0"`
	Pulses int   `yaml:"pulses" validate:"gt=0"`
}

type BillConfig struct {
	Enabled           bool               `yaml:"enabled"`
	Pin               string             `yaml:"pin"`
	BridgeAddress     string             `yaml:"bridge_address" env:"VEND_BILL_BRIDGE_ADDRESS"`
	BridgeBaudRate    int                `yaml:"bridge_baud_rate" validate:"gte=0"`
	GroupGapMS        int                `yaml:"group_gap_ms" validate:"gt=0"`
	EdgeDebounceUS    int                `yaml:"edge_debounce_us" validate:"gte=0"`
	DuplicateWindowMS int                `yaml:"duplicate_window_ms" validate:"gte=0"`
	PulseTolerance    int                `yaml:"pulse_tolerance" validate:"gte=0"`
	Denominations     []BillDenomination `yaml:"denominations" validate:"dive"`
}

type ConfirmationConfig struct {
	Mode           string           `yaml:"mode" env:"VEND_CONFIRMATION_MODE" validate:"oneof=any all first"`
	TimeoutSeconds int              `yaml:"timeout_seconds" validate:"gt=0"`
	SettleMS       int              `yaml:"settle_ms" validate:"gte=0"`
	TickMS         int              `yaml:"tick_ms" validate:"gt=0"`
	ActiveLow      bool             `yaml:"active_low"`
	Slots          map[int][]string `yaml:"slots"`
}

type ChannelConfig struct {
	MonetaryEventsChannelSize int `yaml:"monetary_events_channel_size" validate:"gt=0"`
	SessionEventsChannelSize  int `yaml:"session_events_channel_size" validate:"gt=0"`
	DiagnosticsChannelSize    int `yaml:"diagnostics_channel_size" validate:"gt=0"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, hwerr.New(hwerr.KindConfiguration, "config.Load", fmt.Errorf("failed to read config file: %w", err))
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies overrides and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, hwerr.New(hwerr.KindConfiguration, "config.Parse", fmt.Errorf("failed to parse config file: %w", err))
	}
	if len(cfg.Coin.PulseValues) == 0 {
		cfg.Coin.PulseValues = defaultCoinPulseValues()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides parses VEND_* variables over the file values
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return hwerr.New(hwerr.KindConfiguration, "config.env", fmt.Errorf("parse env: %w", err))
	}
	if cfg.Actuator.AddressEnv != "" {
		cfg.Actuator.Link.Address = cfg.Actuator.AddressEnv
	}
	if cfg.Hopper.AddressEnv != "" {
		cfg.Hopper.Link.Address = cfg.Hopper.AddressEnv
	}
	return nil
}

// Validate ensures all required configuration values are set and consistent
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return hwerr.New(hwerr.KindConfiguration, "config.Validate", err)
	}

	if _, err := link.ParseAddress(c.Actuator.Link.Address, c.Actuator.Link.BaudRate); err != nil {
		return hwerr.New(hwerr.KindConfiguration, "config.Validate", fmt.Errorf("actuator.link.address: %w", err))
	}
	if _, err := link.ParseAddress(c.Hopper.Link.Address, c.Hopper.Link.BaudRate); err != nil {
		return hwerr.New(hwerr.KindConfiguration, "config.Validate", fmt.Errorf("hopper.link.address: %w", err))
	}

	if err := validateDenominations(c.Hopper.Denominations); err != nil {
		return hwerr.New(hwerr.KindConfiguration, "config.Validate", fmt.Errorf("hopper.denominations: %w", err))
	}
	for denom := range c.Hopper.ExitSensorPins {
		if !slices.Contains(c.Hopper.Denominations, denom) {
			return hwerr.Configuration("config.Validate", "hopper.exit_sensor_pins: %d is not a hopper denomination", denom)
		}
	}

	if c.Coin.Enabled {
		if c.Coin.Pin == "" {
			return hwerr.Configuration("config.Validate", "coin.pin is required when coin intake is enabled")
		}
		if len(c.Coin.PulseValues) == 0 {
			return hwerr.Configuration("config.Validate", "coin.pulse_values must not be empty")
		}
		for pulses, value := range c.Coin.PulseValues {
			if pulses <= 0 || value <= 0 {
				return hwerr.Configuration("config.Validate", "coin.pulse_values: %d -> %d must both be positive", pulses, value)
			}
		}
	}

	if c.Bill.Enabled {
		if c.Bill.Pin == "" && c.Bill.BridgeAddress == "" {
			return hwerr.Configuration("config.Validate", "bill intake needs a pin or a bridge_address")
		}
		if c.Bill.BridgeAddress != "" {
			if _, err := link.ParseAddress(c.Bill.BridgeAddress, c.Bill.BridgeBaudRate); err != nil {
				return hwerr.New(hwerr.KindConfiguration, "config.Validate", fmt.Errorf("bill.bridge_address: %w", err))
			}
		}
		if len(c.Bill.Denominations) == 0 {
			return hwerr.Configuration("config.Validate", "bill.denominations must not be empty")
		}
		if err := validateBillRanges(c.Bill.Denominations, c.Bill.PulseTolerance); err != nil {
			return hwerr.New(hwerr.KindConfiguration, "config.Validate", fmt.Errorf("bill.denominations: %w", err))
		}
	}

	for slot, sensors := range c.Confirmation.Slots {
		if slot < 1 {
			return hwerr.Configuration("config.Validate", "confirmation.slots: slot %d must be positive", slot)
		}
		if len(sensors) == 0 {
			return hwerr.Configuration("config.Validate", "confirmation.slots[%d]: at least one sensor is required", slot)
		}
	}

	return nil
}

func validateDenominations(denoms []int64) error {
	seen := make(map[int64]bool, len(denoms))
	for _, d := range denoms {
		if d <= 0 {
			return fmt.Errorf("denomination %d must be positive", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate denomination %d", d)
		}
		seen[d] = true
	}
	return nil
}

// validateBillRanges rejects tolerance windows that would make a pulse
// count match two denominations
func validateBillRanges(denoms []BillDenomination, tolerance int) error {
	sorted := slices.Clone(denoms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pulses < sorted[j].Pulses })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Pulses-tolerance <= prev.Pulses+tolerance {
			return fmt.Errorf("pulse ranges for %d and %d overlap with tolerance %d", prev.Value, cur.Value, tolerance)
		}
	}
	return nil
}

// DenominationsDescending returns the hopper denominations largest first
func (h *HopperConfig) DenominationsDescending() []int64 {
	out := slices.Clone(h.Denominations)
	slices.SortFunc(out, func(a, b int64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return out
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns host:port for the HTTP listener
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// JWTExpiry returns JWT expiry as duration
func (a *AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

func (l *LinkConfig) CommandTimeout() time.Duration {
	return time.Duration(l.CommandTimeoutMS) * time.Millisecond
}

func (l *LinkConfig) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelayMS) * time.Millisecond
}

func (l *LinkConfig) DialTimeout() time.Duration {
	return time.Duration(l.DialTimeoutMS) * time.Millisecond
}

// ParsedAddress returns the already validated link address
func (l *LinkConfig) ParsedAddress() link.Address {
	addr, _ := link.ParseAddress(l.Address, l.BaudRate)
	return addr
}

func (a *ActuatorConfig) DefaultPulse() time.Duration {
	return time.Duration(a.DefaultPulseMS) * time.Millisecond
}

func (h *HopperConfig) DefaultTimeout() time.Duration {
	return time.Duration(h.DefaultTimeoutMS) * time.Millisecond
}

func (h *HopperConfig) StallWindow() time.Duration {
	return time.Duration(h.StallWindowMS) * time.Millisecond
}

func (h *HopperConfig) Tick() time.Duration {
	return time.Duration(h.TickMS) * time.Millisecond
}

func (c *CoinConfig) GroupGap() time.Duration {
	return time.Duration(c.GroupGapMS) * time.Millisecond
}

func (c *CoinConfig) EdgeDebounce() time.Duration {
	return time.Duration(c.EdgeDebounceUS) * time.Microsecond
}

func (c *CoinConfig) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowMS) * time.Millisecond
}

func (b *BillConfig) GroupGap() time.Duration {
	return time.Duration(b.GroupGapMS) * time.Millisecond
}

func (b *BillConfig) EdgeDebounce() time.Duration {
	return time.Duration(b.EdgeDebounceUS) * time.Microsecond
}

func (b *BillConfig) DuplicateWindow() time.Duration {
	return time.Duration(b.DuplicateWindowMS) * time.Millisecond
}

func (c *ConfirmationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *ConfirmationConfig) Settle() time.Duration {
	return time.Duration(c.SettleMS) * time.Millisecond
}

func (c *ConfirmationConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
