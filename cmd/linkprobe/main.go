package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vendlite/vendlite/internal/hwerr"
	"github.com/vendlite/vendlite/internal/link"
)

func main() {
	address := flag.String("addr", "127.0.0.1:7001", `link address: "host:port" or "serial:<device>[@baud]"`)
	baud := flag.Int("baud", 115200, "default serial baud rate")
	command := flag.String("cmd", "STATUS", "command line to send")
	timeout := flag.Duration("timeout", 2*time.Second, "dial and reply timeout")
	flag.Parse()

	addr, err := link.ParseAddress(*address, *baud)
	if err != nil {
		fmt.Printf("Invalid address: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Dialing %s with timeout %v...\n", addr, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	conn, err := link.Dial(ctx, addr, *timeout)
	if err != nil {
		fmt.Printf("Failed (%s): %v\n", hwerr.KindOf(err), err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("Connected in %v\n", time.Since(start).Round(time.Millisecond))

	if err := conn.WriteLine(*command, time.Now().Add(*timeout)); err != nil {
		fmt.Printf("Write failed: %v\n", err)
		os.Exit(1)
	}
	reply, err := conn.ReadLine(time.Now().Add(*timeout))
	if err != nil {
		fmt.Printf("No reply (%s): %v\n", hwerr.KindOf(err), err)
		os.Exit(1)
	}
	fmt.Printf("%s -> %s (%v)\n", *command, reply, time.Since(start).Round(time.Millisecond))
}
