package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/releaseflow/internal/api"
	"github.com/seantiz/releaseflow/internal/audit"
	"github.com/seantiz/releaseflow/internal/config"
	"github.com/seantiz/releaseflow/internal/dedupe"
	"github.com/seantiz/releaseflow/internal/engine"
	"github.com/seantiz/releaseflow/internal/monitor"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("releaseflow: starting",
		"listen_addr", cfg.ListenAddr,
		"store_driver", cfg.Store.Driver,
		"monitor_enabled", cfg.Monitor.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store.Driver, cfg.DSN())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()
	db.SetLogger(logger)

	broker := notify.NewBroker()
	sinks := notify.Fanout{notify.NewLogSink(logger), broker}
	if cfg.Redis.Addr != "" {
		rs, err := notify.NewRedisSink(ctx, cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rs.Close()
		sinks = append(sinks, rs)
		logger.Info("redis notifications enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	var archiver audit.Archiver
	if cfg.Audit.Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, audit.S3Config{
			Bucket:    cfg.Audit.Bucket,
			Region:    cfg.Audit.Region,
			Endpoint:  cfg.Audit.Endpoint,
			PathStyle: cfg.Audit.PathStyle,
			Prefix:    cfg.Audit.Prefix,
		})
		if err != nil {
			log.Fatalf("failed to configure audit archive: %v", err)
		}
		archiver = a
		logger.Info("audit archive enabled", "bucket", cfg.Audit.Bucket)
	}

	eng := engine.NewEngine(db, sinks, archiver, logger, engine.Options{
		AllowLoadFromStaged: cfg.Engine.AllowLoadFromStaged,
		LockTTL:             cfg.LockTTL,
	})
	defer eng.Wait()

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(db, sinks, logger, monitorOptions(cfg))
		mon.Start(ctx)
		defer mon.Wait()
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:   db,
		Engine:  eng,
		Guard:   dedupe.NewGuard(db, logger, nil),
		Monitor: mon,
		Broker:  broker,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stop()
	}
}

func monitorOptions(cfg config.Config) monitor.Options {
	return monitor.Options{
		Interval:         cfg.Monitor.Interval,
		Timeout:          cfg.Monitor.Timeout,
		MaxFailures:      cfg.Monitor.MaxFailures,
		LockTTL:          cfg.LockTTL,
		AlertCooldown:    cfg.Monitor.AlertCooldown,
		MaxIssuesPerType: cfg.Monitor.MaxIssuesPerType,
		MaxFixesPerType:  cfg.Monitor.MaxFixesPerType,
		RenameDuplicates: cfg.Monitor.RenameDuplicates,
	}
}
