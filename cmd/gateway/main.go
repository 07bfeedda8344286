// Command gpsgateway is the multi-protocol GPS telematics ingestion
// gateway: it binds the GT06 and Teltonika TCP ports plus the admin HTTP
// API, wires the presence/command store and event fan-out, and runs
// until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/protei/gpsgateway/internal/config"
	"github.com/protei/gpsgateway/internal/logger"
	"github.com/protei/gpsgateway/pkg/admin"
	"github.com/protei/gpsgateway/pkg/health"
	"github.com/protei/gpsgateway/pkg/protocol"
	"github.com/protei/gpsgateway/pkg/protocol/gt06"
	"github.com/protei/gpsgateway/pkg/protocol/teltonika"
	"github.com/protei/gpsgateway/pkg/store"
	"github.com/protei/gpsgateway/pkg/supervisor"
	"github.com/protei/gpsgateway/pkg/webhook"
)

const (
	appName    = "gpsgateway"
	appVersion = "1.0.0"
)

var (
	logPath = flag.String("log-file", "", "Path to log file (empty = stdout)")
	version = flag.Bool("version", false, "Print version and exit")
)

// Application owns every long-lived component of the gateway and their
// start/stop order.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	health *health.Check

	store *store.Store
	hook  *webhook.Forwarder

	gt06Sup      *supervisor.Supervisor
	teltonikaSup *supervisor.Supervisor
	adminSrv     *admin.Server
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.log.Fatal("failed to start gateway", err)
		os.Exit(1)
	}

	app.log.Info("gateway started",
		"gt06_port", cfg.GT06Port,
		"teltonika_port", cfg.TeltonikaPort,
		"api_port", cfg.APIPort)

	app.WaitForShutdown()

	if err := app.Stop(); err != nil {
		app.log.Error("error during shutdown", err)
		os.Exit(1)
	}

	app.log.Info("gateway stopped cleanly")
}

// NewApplication wires every component in dependency order, leaves
// first: frame reassembler/codecs are stateless and constructed inline
// by the supervisors; presence/command store; event fan-out; session
// supervisors; admin API.
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{cfg: cfg}

	log, err := logger.New(logger.Config{
		Path:  *logPath,
		Level: cfg.LogLevel,
		Env:   cfg.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	app.log = log

	app.health = health.New()

	sqlStore, err := store.OpenSQL(cfg.PrimaryDatabaseURL, cfg.DBPoolSize)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}

	cache, err := store.OpenCache(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("open redis cache: %w", err)
	}

	// Store.New runs the startup sync before returning, so the acceptors
	// never start against an empty allow-list.
	st, err := store.New(sqlStore, cache, log.With("store"))
	if err != nil {
		return nil, fmt.Errorf("initialize presence/command store: %w", err)
	}
	app.store = st
	app.health.UpdateComponent("store", true, "startup sync complete")

	app.hook = webhook.New(cfg.DataForwardURL, cfg.SecretKey, log.With("webhook"))

	gt06Codec := gt06.New(cfg.GT06ChecksumFallback)
	app.gt06Sup = supervisor.New(supervisor.Config{
		Addr:                   fmt.Sprintf("0.0.0.0:%d", cfg.GT06Port),
		Protocol:               protocol.GT06,
		Codec:                  gt06Codec,
		MaxConnections:         cfg.MaxConnectionsPerPort,
		SocketTimeout:          cfg.SocketTimeout,
		KeepAliveTimeout:       cfg.KeepAliveTimeout,
		ForwardAlarmsWithRetry: cfg.ForwardAlarmsWithRetry,
	}, app.store, app.hook, app.health, log)

	teltonikaCodec := teltonika.New(false)
	app.teltonikaSup = supervisor.New(supervisor.Config{
		Addr:                   fmt.Sprintf("0.0.0.0:%d", cfg.TeltonikaPort),
		Protocol:               protocol.Teltonika,
		Codec:                  teltonikaCodec,
		MaxConnections:         cfg.MaxConnectionsPerPort,
		SocketTimeout:          cfg.SocketTimeout,
		KeepAliveTimeout:       cfg.KeepAliveTimeout,
		ForwardAlarmsWithRetry: cfg.ForwardAlarmsWithRetry,
	}, app.store, app.hook, app.health, log)

	app.adminSrv = admin.New(fmt.Sprintf("0.0.0.0:%d", cfg.APIPort), cfg.SecretKey, app.health, app.store, log.With("admin"))

	return app, nil
}

// Start begins accepting on both protocol ports, the admin API, and the
// background presence/command sync loop.
func (a *Application) Start() error {
	if err := a.gt06Sup.Start(); err != nil {
		return fmt.Errorf("start gt06 supervisor: %w", err)
	}
	if err := a.teltonikaSup.Start(); err != nil {
		return fmt.Errorf("start teltonika supervisor: %w", err)
	}

	go a.store.Run()

	go func() {
		if err := a.adminSrv.Start(); err != nil {
			a.log.Error("admin api server error", err)
		}
	}()

	return nil
}

// Stop shuts every component down in reverse dependency order, giving
// in-flight connections the configured grace period.
func (a *Application) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.adminSrv.Stop(ctx); err != nil {
		a.log.Warn("admin api shutdown error", "error", err)
	}

	a.gt06Sup.Stop()
	a.teltonikaSup.Stop()

	a.store.Stop()

	return a.store.Close()
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives.
func (a *Application) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	a.log.Info("received shutdown signal", "signal", sig.String())
}
