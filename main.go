// Command nfc-engine drives an NFC reader and exposes tag reads, writes,
// formatting and locking over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dotside-studios/tagengine/buildinfo"
	"github.com/dotside-studios/tagengine/config"
	"github.com/dotside-studios/tagengine/nfc/libnfc"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file (overrides the environment)")
		devicePath  = flag.String("device", "", "libnfc connection string of the reader (optional)")
		port        = flag.Int("port", 0, "Port to listen on")
		apiSecret   = flag.String("api-secret", "", "API secret for the session handshake (optional)")
		mock        = flag.Bool("mock", false, "Serve an in-memory tag instead of a reader")
		listDevices = flag.Bool("list-devices", false, "List attached readers and exit")
		showVersion = flag.Bool("version", false, "Print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.DisplayName, buildinfo.FullVersion())
		return
	}
	if *listDevices {
		devices, err := libnfc.ListDevices()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return
	}

	if *configPath != "" {
		os.Setenv(config.FileEnv, *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Flags win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = *devicePath
		case "port":
			cfg.Port = *port
		case "api-secret":
			cfg.APISecret = *apiSecret
		case "mock":
			cfg.Mock = *mock
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("service", buildinfo.Name, "version", buildinfo.Version)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewAgent(cfg, logger).Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
