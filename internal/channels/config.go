package channels

// EventChannelsConfig configures buffer sizes for event channels
type EventChannelsConfig struct {
	MonetaryBufferSize    int
	SessionBufferSize     int
	DiagnosticsBufferSize int
}
