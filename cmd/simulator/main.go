package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vendlite/vendlite/internal/simulator"
)

func main() {
	actuatorAddr := flag.String("actuator", "127.0.0.1:7001", "actuator controller listen address")
	hopperAddr := flag.String("hopper", "127.0.0.1:7002", "hopper controller listen address")
	bridgeAddr := flag.String("bridge", "127.0.0.1:7003", "bill bridge listen address")
	slots := flag.Int("slots", 12, "number of actuator slots")
	denoms := flag.String("denominations", "5,1", "hopper denominations, comma separated")
	unit := flag.Duration("unit-interval", 250*time.Millisecond, "time to release one unit")
	flag.Parse()

	denominations, err := parseDenominations(*denoms)
	if err != nil {
		log.Fatalf("Invalid -denominations: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	act := simulator.NewActuator(*slots, logger)
	hop := simulator.NewHopper(denominations, *unit, logger)
	bridge := simulator.NewBillBridge(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	serve := func(addr string, fn func(context.Context, net.Listener) error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Listen %s: %v", addr, err)
		}
		g.Go(func() error { return fn(gctx, ln) })
	}
	serve(*actuatorAddr, act.Serve)
	serve(*hopperAddr, hop.Serve)
	serve(*bridgeAddr, bridge.Serve)

	fmt.Println("vendlite hardware simulator")
	fmt.Printf("  actuator: %s (%d slots)\n", *actuatorAddr, *slots)
	fmt.Printf("  hopper:   %s (denominations %v)\n", *hopperAddr, denominations)
	fmt.Printf("  bridge:   %s\n", *bridgeAddr)
	fmt.Println("\nCommands on stdin:")
	fmt.Println("  BILL <value> | PULSES <n> | <value>   send a bill bridge line")
	fmt.Println("  jam <denomination> <units>           release only <units> then stall (-1 clears)")
	fmt.Println("  drop on|off                          drop actuator connections mid-command")
	fmt.Println()

	go readCommands(os.Stdin, act, hop, bridge)

	if err := g.Wait(); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
}

func readCommands(in *os.File, act *simulator.Actuator, hop *simulator.Hopper, bridge *simulator.BillBridge) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "jam":
			if len(fields) != 3 {
				fmt.Println("usage: jam <denomination> <units>")
				continue
			}
			denom, err1 := strconv.ParseInt(fields[1], 10, 64)
			n, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("usage: jam <denomination> <units>")
				continue
			}
			hop.Jam(denom, n)
		case "drop":
			act.SetDropConnections(len(fields) > 1 && fields[1] == "on")
		default:
			if n := bridge.Insert(strings.Join(fields, " ")); n == 0 {
				fmt.Println("no bill bridge reader connected")
			}
		}
	}
}

func parseDenominations(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bad denomination %q", part)
		}
		out = append(out, v)
	}
	return out, nil
}
