package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"

	"device-recovery/internal/cli"
	"device-recovery/internal/config"
	"device-recovery/internal/logger"
	"device-recovery/internal/registry"
)

// configPath is RCD_CONFIG when set, otherwise config.json next to the executable.
func configPath() (string, error) {
	if p := os.Getenv("RCD_CONFIG"); p != "" {
		return p, nil
	}
	ex, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(ex), "config.json"), nil
}

func main() {
	cfgPath, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	srv := &registry.Server{Cfg: cfg}
	svcConfig := &service.Config{
		Name:        "device-recovery-registry",
		DisplayName: "Device Recovery Registry",
		Description: "Issues recovery codes and tracks device recovery cases.",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"UserService": true,
		},
	}

	s, err := service.New(srv, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	sysLogger, err := s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	var logFile io.Writer = os.Stderr
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
		log.Printf("Failed to create log dir: %v", err)
	} else {
		rotator := logger.NewLogRotator(cfg.LogPath)
		rotator.OnError = func(err error) { log.Printf("log rotation: %v", err) }
		defer rotator.Close()
		logFile = rotator
	}

	// The system log only matters under the service manager; interactive runs keep
	// the terminal clean.
	var svcLog service.Logger
	if !service.Interactive() {
		svcLog = sysLogger
	}
	srv.Logger = logger.Setup(svcLog, logFile, logger.ParseLevel(cfg.LogLevel))

	rootCmd := cli.NewRootCmd(s, &cli.App{CfgPath: cfgPath, Cfg: cfg, Logger: srv.Logger})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
