// Package channels implements the typed channels that connect vendlite's
// concurrent workers.
//
// # Architecture
//
// The package provides two primary abstractions:
//
// 1. IntakePipeline: the work queue from the coin and bill adapters into the
// single session control loop, plus the diagnostics side channel.
// 2. EventChannels: broadcast of session lifecycle events to loggers and
// other read-only collaborators.
//
// Money is never dropped: Deliver blocks until the session loop takes the
// event or the pipeline shuts down. Session events and diagnostics are
// published without blocking and dropped with a warning when the buffer is
// full.
//
// # Usage
//
//	pipeline := NewIntakePipeline(ctx, cfg)
//	coin := intake.NewCoinAdapter(opts, pipeline.Deliver, pipeline.Report, logger)
//
//	for ev := range pipeline.Monetary {
//	    // apply to the session
//	}
//
// # Graceful Shutdown
//
//	events := NewEventChannels(ctx, cfg)
//	defer events.Close()
//
//	select {
//	case <-events.Done():
//	    // shutdown initiated
//	}
package channels
