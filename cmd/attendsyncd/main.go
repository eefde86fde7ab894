package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"attendsync/internal/api"
	"attendsync/internal/attendance"
	"attendsync/internal/config"
	"attendsync/internal/credentials"
	"attendsync/internal/directory"
	"attendsync/internal/ingest"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/publish"
	"attendsync/internal/storage"
	"attendsync/internal/subscription"
	"attendsync/internal/supervisor"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "attendsync.yaml", "path to the YAML or JSON config file")
	encrypt := flag.String("encrypt", "", "print the ciphertext of a device password for the config file and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *encrypt); err != nil {
		fmt.Fprintln(os.Stderr, "attendsyncd:", err)
		os.Exit(1)
	}
}

func run(configPath, encrypt string) error {
	cfgMgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	if encrypt != "" {
		enc, err := credentials.NewEncryptor(cfg.Credentials.Secret)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		out, err := enc.EncryptString(encrypt)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		fmt.Println(out)
		return nil
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting attendsyncd", "version", version, "config", cfgMgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	decrypt, err := credentials.New(cfg.Credentials.Secret)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	dir := directory.New(cfgMgr)

	recent := publish.NewRecent(cfg.Publish.RecentLimit)
	notifiers := []ingest.Notifier{recent}
	if cfg.Publish.Kafka.Enabled {
		k, err := publish.NewKafka(cfg.Publish.Kafka, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := k.Close(); err != nil {
				logger.Warn("kafka close failed", "err", err)
			}
		}()
		notifiers = append(notifiers, k)
	}

	stats := metrics.NewStore(1000)
	pipeline := ingest.NewPipeline(store, ingest.Options{
		Users:        dir,
		Notifier:     publish.NewFanout(logger, notifiers...),
		Stats:        stats,
		DedupeWindow: cfg.Push.DedupeWindow,
		Location:     cfg.Location(),
		Logger:       logger,
	})
	subs := subscription.NewManager(subscription.Options{
		Devices:   dir,
		Decryptor: decrypt,
		Sink:      pipeline,
		Config:    cfgMgr,
		Logger:    logger,
	})
	reports := attendance.NewService(store, dir, cfg.Location(), logger)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddIngest(supervisor.NewSubscriptionService(subs, cfg.Subscription, logger))
	if cfg.Subscription.WatchdogEnabled {
		tree.AddIngest(subscription.NewWatchdog(subs, cfgMgr, logger))
	}
	if cfg.Push.Enabled {
		logger.Info("push receiver enabled", "addr", cfg.Push.Addr, "path", cfg.Push.Path)
		tree.AddIngest(supervisor.NewHTTPService("push-receiver", ingest.NewPushServer(cfg.Push, pipeline, logger), 0))
	}
	if cfg.API.Enabled {
		logger.Info("api enabled", "addr", cfg.API.Addr)
		server := api.NewServer(api.Options{
			Config:        cfgMgr,
			Subscriptions: subs,
			Reports:       reports,
			Recent:        recent,
			Stats:         stats,
			Dedupe:        pipeline,
			Logger:        logger,
			Version:       version,
		})
		tree.AddControl(supervisor.NewHTTPService("api", server.NewHTTPServer(cfg.API), 0))
	}
	tree.AddControl(supervisor.NewConfigWatchService(cfgMgr, 0, nil, logger))

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "err", err)
		return err
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", slog.Int("count", len(report)))
	}
	logger.Info("attendsyncd stopped")
	return nil
}
