package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/orrn/gridlocal/internal/api"
	"github.com/orrn/gridlocal/internal/api/middleware"
	"github.com/orrn/gridlocal/internal/config"
	"github.com/orrn/gridlocal/internal/core"
	"github.com/orrn/gridlocal/internal/db"
	"github.com/orrn/gridlocal/internal/drivers"
	"github.com/orrn/gridlocal/internal/logging"
	"github.com/orrn/gridlocal/internal/netutil"
	"github.com/orrn/gridlocal/internal/relay"
	"github.com/orrn/gridlocal/internal/webhook"
)

type serveOptions struct {
	configPath string
	port       int
	portSet    bool
	debug      bool
}

func runServe(opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if opts.portSet {
		cfg.Server.Port = opts.port
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(cfg.Logging)
	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetAccessLogger(zerolog.New(os.Stdout).With().Timestamp().Str("component", "http").Logger())

	if err := os.MkdirAll(cfg.Server.TempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	store, closeStore, err := openStore(cfg.Queue)
	if err != nil {
		return err
	}
	defer closeStore()

	queue := core.NewQueue(store, cfg.Queue.MaxHistory, logging.Component(log, "queue"))
	if err := queue.Restore(); err != nil {
		log.WithError(err).Warn("starting with an empty queue")
	}

	lanAddr := netutil.LANAddress()
	registry := core.NewDriverRegistry(core.Env{
		Queue:   queue,
		Log:     logging.Component(log, "driver"),
		Filters: cfg.Filters,
	})
	drivers.RegisterAll(registry)

	devices := core.NewDevices(registry, lanAddr, logging.Component(log, "devices"))
	devices.Resolve(cfg.Devices)
	log.WithField("devices", devices.Names()).Info("devices resolved")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var relays *relay.Manager
	var starter core.RelayStarter
	if cfg.Relay.Enabled {
		host := cfg.Server.Host
		if host == "" {
			host = lanAddr
		}
		relays = relay.NewManager(relay.Config{
			URL:         cfg.Relay.URL,
			Version:     cfg.Relay.Version,
			IdleTimeout: cfg.Relay.IdleTimeout,
			Host:        host,
			Port:        cfg.Server.Port,
		}, logging.Component(log, "relay"))
		starter = relays
	}
	go core.NewPoller(devices, starter, logging.Component(log, "poller")).Run(ctx)

	dispatcher := core.NewDispatcher(queue, devices, cfg.Server.TempDir, cfg.Queue.DispatchTimeout, logging.Component(log, "dispatch"))

	var hooks *webhook.Sender
	if len(cfg.Hooks) > 0 {
		hooks = webhook.NewSender(cfg.Hooks, webhook.Config{}, logging.Component(log, "webhook"))
		hooks.Start()
		dispatcher.SetNotifier(hooks)
	}

	auth := middleware.NewAuthMiddleware(cfg.Server.Secret, cfg.Server.SecretHash)
	if !auth.Enabled() {
		log.Warn("no server secret configured, API is unauthenticated")
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      api.NewRouter(api.Deps{Dispatcher: dispatcher, Devices: devices, Auth: auth}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "lan": lanAddr}).Info("gridlocal listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
	if relays != nil {
		relays.Stop()
	}
	dispatcher.Drain()
	if hooks != nil {
		hooks.Stop()
	}
	return nil
}

func openStore(cfg config.QueueConfig) (core.Store, func(), error) {
	if cfg.Store == config.StoreSQLite {
		conn, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open queue database: %w", err)
		}
		return db.NewQueueStore(conn), func() { conn.Close() }, nil
	}
	return core.NewFileStore(cfg.Path), func() {}, nil
}
