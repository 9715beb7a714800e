package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vendlite/vendlite/internal/actuator"
	"github.com/vendlite/vendlite/internal/api"
	"github.com/vendlite/vendlite/internal/auth"
	"github.com/vendlite/vendlite/internal/channels"
	"github.com/vendlite/vendlite/internal/config"
	"github.com/vendlite/vendlite/internal/confirm"
	"github.com/vendlite/vendlite/internal/hopper"
	"github.com/vendlite/vendlite/internal/intake"
	"github.com/vendlite/vendlite/internal/link"
	"github.com/vendlite/vendlite/internal/pins"
	"github.com/vendlite/vendlite/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print an example configuration and exit")
	bench := flag.Bool("bench", false, "run without GPIO: no coin/bill pins, simulated slot sensors")
	flag.Parse()

	if *dumpConfig {
		if err := config.DumpExample(os.Stdout); err != nil {
			log.Fatalf("Failed to write example configuration: %v", err)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("Starting vendlite",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"actuator", cfg.Actuator.Link.Address,
		"hopper", cfg.Hopper.Link.Address,
		"bench", *bench,
	)

	if err := run(cfg, *bench, logger); err != nil {
		logger.Error("vendlite stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("vendlite stopped gracefully")
}

func run(cfg *config.Config, bench bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.JWTExpiry(),
	)
	if err != nil {
		return err
	}

	channelsCfg := channels.EventChannelsConfig{
		MonetaryBufferSize:    cfg.Channel.MonetaryEventsChannelSize,
		SessionBufferSize:     cfg.Channel.SessionEventsChannelSize,
		DiagnosticsBufferSize: cfg.Channel.DiagnosticsChannelSize,
	}
	events := channels.NewEventChannels(ctx, channelsCfg, logger)
	defer events.Close()
	pipeline := channels.NewIntakePipeline(ctx, channelsCfg, logger)
	defer pipeline.Close()
	logger.Info("EventChannels initialized",
		"monetary_buffer", channelsCfg.MonetaryBufferSize,
		"session_buffer", channelsCfg.SessionBufferSize,
	)

	channels.StartReconciliationLogger(ctx, events, logger)
	channels.StartDiagnosticsLogger(ctx, pipeline, logger)

	// Hardware links
	act := actuator.NewClient(
		link.Dialer(cfg.Actuator.Link.ParsedAddress(), cfg.Actuator.Link.DialTimeout()),
		actuator.Options{
			CommandTimeout: cfg.Actuator.Link.CommandTimeout(),
			DefaultPulse:   cfg.Actuator.DefaultPulse(),
			Retry:          retryPolicy(cfg.Actuator.Link),
		},
		logger,
	)
	defer act.Shutdown()

	disp := hopper.NewClient(
		link.Dialer(cfg.Hopper.Link.ParsedAddress(), cfg.Hopper.Link.DialTimeout()),
		hopper.Options{
			CommandTimeout: cfg.Hopper.Link.CommandTimeout(),
			Retry:          retryPolicy(cfg.Hopper.Link),
			DefaultTimeout: cfg.Hopper.DefaultTimeout(),
			StallWindow:    cfg.Hopper.StallWindow(),
			Tick:           cfg.Hopper.Tick(),
		},
		logger,
	)
	defer disp.Shutdown()
	disp.OnProgress(func(s hopper.Snapshot) {
		logger.Debug("Hopper progress",
			"label", s.Label,
			"dispensed", s.DispensedCount,
			"target", s.TargetCount,
			"status", s.Status)
	})

	// Confirmation sensors
	mode, err := confirm.ParseMode(cfg.Confirmation.Mode)
	if err != nil {
		return err
	}
	reader, sessionActuator, err := openSensors(cfg, bench, act, logger)
	if err != nil {
		return err
	}
	monitor := confirm.NewMonitor(reader, confirm.Options{
		Slots:  cfg.Confirmation.Slots,
		Settle: cfg.Confirmation.Settle(),
		Tick:   cfg.Confirmation.Tick(),
	}, logger)

	// Session controller
	controller := session.NewController(sessionActuator, disp, monitor, pipeline.Monetary, session.Options{
		Denominations:  cfg.Hopper.DenominationsDescending(),
		ConfirmMode:    mode,
		ConfirmTimeout: cfg.Confirmation.Timeout(),
		PulseDuration:  cfg.Actuator.DefaultPulse(),
	}, logger)
	controller.AddListener(session.NewHubListener(events))

	router := api.NewRouter(api.Dependencies{
		Auth:     authService,
		Sessions: controller,
		Actuator: act,
		Checks: map[string]api.ReadinessCheck{
			"actuator": act.Connected,
			"hopper":   disp.Connected,
		},
		CORS:            cfg.Server.CORS,
		ActuatorTimeout: cfg.Actuator.Link.CommandTimeout() * time.Duration(cfg.Actuator.Link.MaxAttempts+1),
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })

	if err := startIntake(gctx, g, cfg, bench, disp, pipeline, logger); err != nil {
		return err
	}

	g.Go(func() error {
		warmUp(gctx, act, disp, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}

		// leave no slot energised
		abortCtx, abortCancel := context.WithTimeout(context.Background(), cfg.Actuator.Link.CommandTimeout())
		defer abortCancel()
		if err := act.Abort(abortCtx); err != nil {
			logger.Warn("Actuator abort on shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// startIntake starts one goroutine per configured money input and wires the
// hopper exit counters
func startIntake(ctx context.Context, g *errgroup.Group, cfg *config.Config, bench bool, disp *hopper.Client, pipeline *channels.IntakePipeline, logger *slog.Logger) error {
	if cfg.Coin.Enabled && !bench {
		pin, err := pins.OpenEdge(cfg.Coin.Pin)
		if err != nil {
			return err
		}
		coin := intake.NewCoinAdapter(intake.CoinOptions{
			GroupGap:        cfg.Coin.GroupGap(),
			EdgeDebounce:    cfg.Coin.EdgeDebounce(),
			DuplicateWindow: cfg.Coin.DuplicateWindow(),
			PulseValues:     cfg.Coin.PulseValues,
		}, pipeline.Deliver, pipeline.Report, logger)
		g.Go(func() error { return ignoreCancel(coin.Run(ctx, pin)) })
	}

	if cfg.Bill.Enabled {
		denoms := make([]intake.BillDenomination, 0, len(cfg.Bill.Denominations))
		for _, d := range cfg.Bill.Denominations {
			denoms = append(denoms, intake.BillDenomination{Value: d.Value, Pulses: d.Pulses})
		}
		bill := intake.NewBillAdapter(intake.BillOptions{
			GroupGap:        cfg.Bill.GroupGap(),
			EdgeDebounce:    cfg.Bill.EdgeDebounce(),
			DuplicateWindow: cfg.Bill.DuplicateWindow(),
			Tolerance:       cfg.Bill.PulseTolerance,
			Denominations:   denoms,
		}, pipeline.Deliver, pipeline.Report, logger)

		if cfg.Bill.Pin != "" && !bench {
			pin, err := pins.OpenEdge(cfg.Bill.Pin)
			if err != nil {
				return err
			}
			g.Go(func() error { return ignoreCancel(bill.RunPulses(ctx, pin)) })
		}
		if cfg.Bill.BridgeAddress != "" {
			addr, err := link.ParseAddress(cfg.Bill.BridgeAddress, cfg.Bill.BridgeBaudRate)
			if err != nil {
				return err
			}
			g.Go(func() error { return ignoreCancel(bill.RunBridge(ctx, link.Dialer(addr, 2*time.Second))) })
		}
	}

	if !bench {
		for denom, name := range cfg.Hopper.ExitSensorPins {
			pin, err := pins.OpenEdge(name)
			if err != nil {
				return err
			}
			disp.SetExitSensor(denom, pin)
		}
	}
	return nil
}

// openSensors returns the slot sensor reader. In bench mode the sensors are
// simulated and the returned actuator empties a slot's sensors after each
// successful pulse.
func openSensors(cfg *config.Config, bench bool, act *actuator.Client, logger *slog.Logger) (confirm.SensorReader, session.Actuator, error) {
	var names []string
	seen := make(map[string]bool)
	for _, ids := range cfg.Confirmation.Slots {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				names = append(names, id)
			}
		}
	}
	sort.Strings(names)

	if !bench {
		reader, err := confirm.OpenGPIO(names, cfg.Confirmation.ActiveLow)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Slot sensors opened", "count", len(names))
		return reader, act, nil
	}

	reader := confirm.NewMemoryReader()
	for _, name := range names {
		reader.Set(name, true)
	}
	logger.Warn("Bench mode: slot sensors are simulated", "count", len(names))
	return reader, &benchActuator{
		Client: act,
		reader: reader,
		slots:  cfg.Confirmation.Slots,
		delay:  cfg.Confirmation.Settle() + cfg.Confirmation.Tick(),
	}, nil
}

// benchActuator simulates an item leaving the slot after every pulse
type benchActuator struct {
	*actuator.Client
	reader *confirm.MemoryReader
	slots  map[int][]string
	delay  time.Duration
}

func (b *benchActuator) Pulse(ctx context.Context, slot int, d time.Duration) (actuator.Response, error) {
	resp, err := b.Client.Pulse(ctx, slot, d)
	if err != nil {
		return resp, err
	}
	ids := b.slots[slot]
	time.AfterFunc(b.delay, func() {
		for _, id := range ids {
			b.reader.Set(id, false)
		}
	})
	// restock for the next sale
	time.AfterFunc(4*b.delay+d, func() {
		for _, id := range ids {
			b.reader.Set(id, true)
		}
	})
	return resp, nil
}

// warmUp opens both links so readiness reflects reality before the first sale
func warmUp(ctx context.Context, act *actuator.Client, disp *hopper.Client, logger *slog.Logger) {
	if slots, err := act.Status(ctx); err != nil {
		logger.Warn("Actuator not reachable at startup", "error", err)
	} else if len(slots) > 0 {
		logger.Warn("Actuator reports energised slots at startup, closing", "slots", slots)
		if err := act.CloseAll(ctx); err != nil {
			logger.Warn("CLOSEALL at startup failed", "error", err)
		}
	}
	if jobs, err := disp.Status(ctx); err != nil {
		logger.Warn("Hopper not reachable at startup", "error", err)
	} else if len(jobs) > 0 {
		logger.Warn("Hopper reports jobs at startup, stopping", "jobs", len(jobs))
		if err := disp.Stop(ctx); err != nil {
			logger.Warn("STOP at startup failed", "error", err)
		}
	}
}

func retryPolicy(l config.LinkConfig) link.RetryPolicy {
	return link.RetryPolicy{MaxAttempts: l.MaxAttempts, Delay: l.RetryDelay()}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
