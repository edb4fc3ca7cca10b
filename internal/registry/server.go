package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"

	"device-recovery/internal/archive"
	"device-recovery/internal/config"
	"device-recovery/internal/notify"
)

// Server implements the service.Interface required by kardianos/service. It owns the case
// store, the HTTP API and the background expirer and packager.
type Server struct {
	Logger *slog.Logger
	Cfg    *config.Config

	Store    *Store
	Service  *Service
	Expirer  *Expirer
	Packager *Packager
	Notifier notify.Notifier

	http     *http.Server
	listener net.Listener
}

// Start is called when the service is started. It must not block.
func (srv *Server) Start(s service.Service) error {
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}
	if srv.Cfg == nil {
		ex, err := os.Executable()
		if err != nil {
			return err
		}
		cfgPath := filepath.Join(filepath.Dir(ex), "config.json")
		srv.Cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			_ = config.Save(cfgPath, srv.Cfg)
		}
	}
	return srv.Run(context.Background())
}

// Run opens the store, builds the service and starts serving in the background.
func (srv *Server) Run(ctx context.Context) error {
	cfg := srv.Cfg
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}

	var err error
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create db dir: %w", err)
	}
	srv.Store, err = NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init store at %s: %w", cfg.DBPath, err)
	}

	if srv.Notifier == nil {
		srv.Notifier, err = NewNotifier(cfg)
		if err != nil {
			srv.Store.Close()
			return err
		}
	}
	arch, err := NewArchive(ctx, cfg)
	if err != nil {
		srv.Store.Close()
		return err
	}

	srv.Service = NewService(srv.Store, ServiceConfig{
		TTL:       cfg.CaseTTLDuration(),
		PublicURL: cfg.PublicURL,
		Notifier:  srv.Notifier,
		Logger:    srv.Logger,
	})

	srv.Expirer = NewExpirer(srv.Service, cfg.ExpiryInterval(), srv.Logger)
	srv.Expirer.Sweep(ctx)
	srv.Expirer.Start()

	srv.Packager = NewPackager(srv.Service, arch, cfg.PackageInterval(), srv.Logger)
	srv.Packager.Start()

	srv.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		srv.stopWorkers()
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	srv.http = &http.Server{
		Handler:           NewRouter(srv.Service, cfg.OperatorToken, srv.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.http.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.Logger.Error("HTTP server stopped", "error", err)
		}
	}()

	srv.Logger.Info("Case registry started", "addr", srv.listener.Addr().String(), "db", cfg.DBPath, "public_url", cfg.PublicURL)
	return nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() string {
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

// Stop is called when the service is being stopped.
func (srv *Server) Stop(s service.Service) error {
	if srv.Logger != nil {
		srv.Logger.Info("Stopping case registry...")
	}
	var err error
	if srv.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.http.Shutdown(ctx)
		cancel()
	}
	srv.stopWorkers()
	return err
}

func (srv *Server) stopWorkers() {
	if srv.Packager != nil {
		srv.Packager.Stop()
	}
	if srv.Expirer != nil {
		srv.Expirer.Stop()
	}
	if srv.Notifier != nil {
		_ = srv.Notifier.Close()
	}
	if srv.Store != nil {
		srv.Store.Close()
	}
}

// NewNotifier builds the configured notifiers. With none configured it returns notify.Nop.
func NewNotifier(cfg *config.Config) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.RedisURL != "" {
		r, err := notify.NewRedis(notify.RedisConfig{URL: cfg.RedisURL, Channel: cfg.RedisChannel, Retries: 2})
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		multi = append(multi, r)
	}
	if cfg.WebhookURL != "" {
		w, err := notify.NewWebhook(notify.WebhookConfig{URL: cfg.WebhookURL, Retries: 2})
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		multi = append(multi, w)
	}
	if len(multi) == 0 {
		return notify.Nop{}, nil
	}
	return multi, nil
}

// NewArchive returns the S3 archive when a bucket is configured, else a local directory.
func NewArchive(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	if cfg.S3Bucket != "" {
		return archive.NewS3(ctx, archive.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3Endpoint != "",
		})
	}
	return archive.NewLocal(cfg.ArchiveDir)
}
