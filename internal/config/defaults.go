package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Default returns a configuration with every tunable set; the YAML file
// only needs to name what differs
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			ReadTimeoutMS:  10000,
			WriteTimeoutMS: 10000,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAgeSeconds:  300,
			},
		},
		Auth: AuthConfig{
			AdminUsername:  "kiosk",
			JWTExpiryHours: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Actuator: ActuatorConfig{
			Link: LinkConfig{
				Address:          "serial:/dev/ttyUSB0",
				BaudRate:         115200,
				CommandTimeoutMS: 1500,
				MaxAttempts:      2,
				RetryDelayMS:     200,
				DialTimeoutMS:    2000,
			},
			DefaultPulseMS: 800,
		},
		Hopper: HopperConfig{
			Link: LinkConfig{
				Address:          "serial:/dev/ttyUSB1",
				BaudRate:         115200,
				CommandTimeoutMS: 1500,
				MaxAttempts:      2,
				RetryDelayMS:     200,
				DialTimeoutMS:    2000,
			},
			Denominations:    []int64{5, 1},
			DefaultTimeoutMS: 15000,
			StallWindowMS:    3000,
			TickMS:           100,
		},
		Coin: CoinConfig{
			GroupGapMS:        150,
			EdgeDebounceUS:    2000,
			DuplicateWindowMS: 0,
		},
		Bill: BillConfig{
			BridgeBaudRate:    9600,
			GroupGapMS:        300,
			EdgeDebounceUS:    5000,
			DuplicateWindowMS: 1500,
			PulseTolerance:    1,
			Denominations: []BillDenomination{
				{Value: 10, Pulses: 10},
				{Value: 20, Pulses: 20},
				{Value: 50, Pulses: 50},
			},
		},
		Confirmation: ConfirmationConfig{
			Mode:           "any",
			TimeoutSeconds: 10,
			SettleMS:       300,
			TickMS:         500,
			ActiveLow:      true,
			Slots:          map[int][]string{},
		},
		Channel: ChannelConfig{
			MonetaryEventsChannelSize: 32,
			SessionEventsChannelSize:  64,
			DiagnosticsChannelSize:    64,
		},
	}
}

// defaultCoinPulseValues is applied after decoding because yaml.v3 merges
// into non-nil maps instead of replacing them
func defaultCoinPulseValues() map[int]int64 {
	return map[int]int64{1: 1, 5: 5}
}

// DumpExample writes an example configuration to the provided writer
func DumpExample(w io.Writer) error {
	example := Default()
	example.Auth.AdminPassword = "changeme"
	example.Auth.JWTSecret = "replace-with-a-random-secret-of-32-chars"
	example.Coin.Enabled = true
	example.Coin.Pin = "GPIO17"
	example.Coin.PulseValues = defaultCoinPulseValues()
	example.Bill.Enabled = true
	example.Bill.Pin = "GPIO27"
	example.Bill.BridgeAddress = "serial:/dev/ttyACM0@9600"
	example.Hopper.ExitSensorPins = map[int64]string{5: "GPIO5", 1: "GPIO6"}
	example.Confirmation.Slots = map[int][]string{
		1: {"GPIO20"},
		2: {"GPIO21", "GPIO22"},
	}

	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# vendlite example configuration
# =============================================================================
# Link addresses are either "serial:<device>[@baud]" or "host:port".
# Environment overrides: VEND_SERVER_PORT, VEND_AUTH_JWT_SECRET,
# VEND_AUTH_ADMIN_PASSWORD, VEND_ACTUATOR_ADDRESS, VEND_HOPPER_ADDRESS,
# VEND_BILL_BRIDGE_ADDRESS, VEND_CONFIRMATION_MODE, VEND_LOGGING_LEVEL
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	return nil
}
