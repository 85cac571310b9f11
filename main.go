package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/camstream/internal/api"
	"github.com/bilbercode/camstream/internal/camera"
	"github.com/bilbercode/camstream/internal/config"
	"github.com/bilbercode/camstream/internal/monitors"
)

const (
	appName = "camstream"
	appDesc = "per camera RTSP streaming server"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "YAML configuration file",
		EnvVar: "CAMSTREAM_CONFIG",
	})
	basePort := app.Int(cli.IntOpt{
		Name:   "base-port",
		Desc:   "RTSP port of camera 0, camera n listens on base-port+n",
		EnvVar: "CAMSTREAM_BASE_PORT",
	})
	address := app.String(cli.StringOpt{
		Name:   "address",
		Desc:   "address the RTSP servers listen on",
		EnvVar: "CAMSTREAM_ADDRESS",
	})
	publicHost := app.String(cli.StringOpt{
		Name:   "public-host",
		Desc:   "host name advertised in play URLs",
		EnvVar: "CAMSTREAM_PUBLIC_HOST",
	})
	httpAddress := app.String(cli.StringOpt{
		Name:   "http",
		Desc:   "address of the monitor API and metrics",
		EnvVar: "CAMSTREAM_HTTP",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "log-level",
		Desc:   "log level",
		EnvVar: "CAMSTREAM_LOG_LEVEL",
	})

	app.Action = func() {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		override(cfg, *basePort, *address, *publicHost, *httpAddress, *logLevel)
		if err := cfg.Validate(); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		level, _ := log.ParseLevel(cfg.LogLevel)
		log.SetLevel(level)

		if err := run(cfg); err != nil {
			log.WithError(err).Fatal("stopped")
		}
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

// override applies command line values over the configuration file.
func override(cfg *config.Config, basePort int, address, publicHost, httpAddress, logLevel string) {
	if basePort != 0 {
		cfg.BasePort = basePort
	}
	if address != "" {
		cfg.Address = address
	}
	if publicHost != "" {
		cfg.PublicHost = publicHost
	}
	if httpAddress != "" {
		cfg.HTTPAddress = httpAddress
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := monitors.NewService(cfg.StateDir, cfg.Monitors)
	if err != nil {
		return err
	}

	manager := camera.NewManager(camera.Config{
		BasePort:    cfg.BasePort,
		Address:     cfg.Address,
		PublicHost:  cfg.PublicHost,
		Auth:        cfg.AuthDatabase(),
		SessionName: cfg.SessionName,
		QueueSize:   cfg.QueueSize,
	})

	group, ctx := errgroup.WithContext(ctx)

	unsubscribe := registry.Subscribe(func(event *monitors.Event) {
		logger := log.WithFields(log.Fields{"camera": event.Meta.ID, "name": event.Meta.Name})
		switch event.Type {
		case monitors.EventTypeStartCamera:
			srv, err := manager.Start(ctx, event.Meta.Camera())
			if err != nil {
				logger.WithError(err).Error("failed to start camera")
				return
			}
			for _, m := range srv.Sessions() {
				url, _ := srv.URL(m.Name())
				logger.WithField("url", url).Info("camera is streaming")
			}
		case monitors.EventTypeStopCamera:
			if err := manager.Stop(event.Meta.ID); err != nil {
				logger.WithError(err).Warn("failed to stop camera")
				return
			}
			logger.Info("camera stopped")
		}
	})
	defer unsubscribe()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.NewHandler(registry, manager),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		log.WithField("address", cfg.HTTPAddress).Info("monitor api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return manager.Close()
	})

	return group.Wait()
}
