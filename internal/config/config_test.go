package config

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/link"
)

const minimalYAML = `
auth:
  admin_password: secret
  jwt_secret: 0123456789abcdef0123456789abcdef
actuator:
  link:
    address: 127.0.0.1:7001
hopper:
  link:
    address: serial:/dev/ttyS3@19200
  denominations: [1, 5, 10]
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.Actuator.Link.ParsedAddress(); got.Transport != link.TransportTCP || got.HostPort != "127.0.0.1:7001" {
		t.Errorf("actuator address = %+v", got)
	}
	hop := cfg.Hopper.Link.ParsedAddress()
	if hop.Transport != link.TransportSerial || hop.Device != "/dev/ttyS3" || hop.BaudRate != 19200 {
		t.Errorf("hopper address = %+v", hop)
	}
	if got := cfg.Hopper.DenominationsDescending(); len(got) != 3 || got[0] != 10 || got[2] != 1 {
		t.Errorf("DenominationsDescending = %v", got)
	}
	if cfg.Coin.PulseValues[5] != 5 {
		t.Errorf("default coin pulse values not applied: %v", cfg.Coin.PulseValues)
	}
	if cfg.Actuator.DefaultPulse() != 800*time.Millisecond {
		t.Errorf("DefaultPulse = %v", cfg.Actuator.DefaultPulse())
	}
	if cfg.Confirmation.Timeout() != 10*time.Second {
		t.Errorf("confirmation timeout = %v", cfg.Confirmation.Timeout())
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("VEND_ACTUATOR_ADDRESS", "10.0.0.5:9000")
	t.Setenv("VEND_CONFIRMATION_MODE", "all")
	t.Setenv("VEND_SERVER_PORT", "9090")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Actuator.Link.Address != "10.0.0.5:9000" {
		t.Errorf("actuator address = %q", cfg.Actuator.Link.Address)
	}
	if cfg.Confirmation.Mode != "all" {
		t.Errorf("mode = %q", cfg.Confirmation.Mode)
	}
	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("server addr = %q", cfg.Server.Addr())
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantMsg string
	}{
		{
			name:    "bad actuator address",
			extra:   "actuator:\n  link:\n    address: nowhere\n",
			wantMsg: "actuator.link.address",
		},
		{
			name:    "duplicate denominations",
			extra:   "hopper:\n  link:\n    address: 127.0.0.1:7002\n  denominations: [5, 5]\n",
			wantMsg: "duplicate denomination",
		},
		{
			name:    "too many attempts",
			extra:   "actuator:\n  link:\n    address: 127.0.0.1:7001\n    max_attempts: 9\n",
			wantMsg: "max_attempts",
		},
		{
			name:    "unknown confirmation mode",
			extra:   "confirmation:\n  mode: most\n",
			wantMsg: "mode",
		},
		{
			name:    "slot zero",
			extra:   "confirmation:\n  slots:\n    0: [GPIO20]\n",
			wantMsg: "slot 0 must be positive",
		},
		{
			name:    "coin enabled without pin",
			extra:   "coin:\n  enabled: true\n",
			wantMsg: "coin.pin",
		},
		{
			name:    "overlapping bill ranges",
			extra:   "bill:\n  enabled: true\n  pin: GPIO27\n  pulse_tolerance: 3\n  denominations:\n    - {value: 1, pulses: 1}\n    - {value: 5, pulses: 5}\n",
			wantMsg: "overlap",
		},
		{
			name:    "exit sensor for unknown denomination",
			extra:   "hopper:\n  link:\n    address: 127.0.0.1:7002\n  denominations: [5, 1]\n  exit_sensor_pins:\n    2: GPIO9\n",
			wantMsg: "exit_sensor_pins",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// yaml.v3 rejects repeated top-level keys, so the base carries
			// only the auth section
			doc := "auth:\n  admin_password: secret\n  jwt_secret: 0123456789abcdef0123456789abcdef\n" + tt.extra
			_, err := Parse([]byte(doc))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			if !errors.Is(err, hwerr.ErrConfiguration) {
				t.Errorf("error %v is not a configuration error", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParse_MissingSecret(t *testing.T) {
	_, err := Parse([]byte("auth:\n  admin_password: x\n  jwt_secret: short\n"))
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("err = %v, want jwt_secret validation failure", err)
	}
}

func TestDumpExample_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := DumpExample(&buf); err != nil {
		t.Fatalf("DumpExample: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "# ") {
		t.Error("example is missing its header comment")
	}

	cfg, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("example does not parse: %v", err)
	}
	if !cfg.Coin.Enabled || cfg.Coin.Pin != "GPIO17" {
		t.Errorf("coin section = %+v", cfg.Coin)
	}
	if len(cfg.Confirmation.Slots[2]) != 2 {
		t.Errorf("slot 2 sensors = %v", cfg.Confirmation.Slots[2])
	}
	if cfg.Hopper.ExitSensorPins[5] != "GPIO5" {
		t.Errorf("exit sensor pins = %v", cfg.Hopper.ExitSensorPins)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"MaxAttempts":    "max_attempts",
		"JWTSecret":      "jwt_secret",
		"DefaultPulseMS": "default_pulse_ms",
		"Port":           "port",
	}
	for in, want := range tests {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
