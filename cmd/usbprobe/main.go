package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"device-recovery/internal/adb"
	"device-recovery/internal/logger"
	"device-recovery/internal/usb"
)

// usbprobe lists attached Android devices, opens the first one, prints the interface
// the negotiator picks and, with -shell, runs one command over the debug bridge.
func main() {
	shell := flag.String("shell", "", "command to run once connected, e.g. 'getprop ro.product.model'")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	debug := flag.Bool("debug", false, "log protocol traffic")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	lg := logger.Setup(nil, os.Stderr, logger.ParseLevel(level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	fmt.Println("--- USB PROBE ---")

	bus, err := usb.OpenBus()
	if err != nil {
		log.Fatal(err)
	}
	listing := func(candidates []usb.DeviceInfo) (int, bool) {
		for i, c := range candidates {
			fmt.Printf("  [%d] %s\n", i+1, c)
		}
		return usb.FirstDevice(candidates)
	}
	neg := usb.NewNegotiator(bus, listing, lg)
	defer neg.Close()

	h, err := neg.Open(ctx, nil)
	if errors.Is(err, usb.ErrNoDeviceSelected) {
		fmt.Println("No Android device found.")
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	defer h.Release()

	fmt.Printf("Device:    %s\n", h.Info)
	ep, err := h.Negotiate()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Interface: %d (alt %d) in=0x%02x out=0x%02x fallback=%t\n", ep.Interface, ep.Alternate, ep.In, ep.Out, ep.Fallback)

	if *shell == "" {
		return
	}
	if err := h.Claim(ep); err != nil {
		log.Fatal(err)
	}

	conn := adb.NewConn(h, adb.WithLogger(lg))
	for {
		state, err := conn.Connect(ctx)
		if err != nil {
			log.Fatal(err)
		}
		if state == adb.StateConnected {
			break
		}
		fmt.Println("Accept the debugging prompt on the device...")
		select {
		case <-ctx.Done():
			log.Fatal(ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	fmt.Printf("Banner:    %s\n", conn.Banner())

	out, err := conn.Shell(ctx, *shell)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(strings.TrimRight(string(out), "\n"))
}
