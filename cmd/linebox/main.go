package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/credential"
	"github.com/mbaer/linebox/internal/engine"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/logger"
	"github.com/mbaer/linebox/internal/model"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if len(cfg.Accounts) == 0 {
		log.Fatal("no accounts configured", zap.String("config", *configPath))
	}

	bus := events.NewBus()
	eng := engine.New(cfg, bus, log)

	for _, account := range cfg.Accounts {
		key := account.CredentialKey
		if key == "" {
			key = account.ID
		}
		password, err := credential.Get(key)
		if err != nil {
			log.Error("missing credentials, skipping account",
				zap.String("account", account.ID),
				zap.Error(err))
			continue
		}

		if err := eng.InitAccount(account, password); err != nil {
			log.Error("account init failed",
				zap.String("account", account.ID),
				zap.Error(err))
		}
	}

	eventCh, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	go logEvents(log, eventCh)

	if cfg.Classifier.Enabled {
		go runSkillLoop(eng, cfg, log)
	}

	log.Info("linebox running",
		zap.Int("accounts", len(cfg.Accounts)),
		zap.String("data_dir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	eng.Close()
}

// logEvents mirrors engine events into the log so a headless run is
// observable.
func logEvents(log *zap.Logger, ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.StatusChanged:
			log.Debug("status changed",
				zap.String("account", e.Status.AccountID),
				zap.String("state", string(e.Status.State)))
		case events.NewMessages:
			log.Info("new messages",
				zap.String("account", e.AccountID),
				zap.String("folder", e.Folder),
				zap.Int("count", e.Count))
		case events.SyncFailed:
			log.Warn("sync failed",
				zap.String("account", e.AccountID),
				zap.String("error", e.Message))
		}
	}
}

// runSkillLoop periodically classifies unlabeled messages for every
// account's enabled skills.
func runSkillLoop(eng *engine.Engine, cfg *model.AppConfig, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		for _, account := range cfg.Accounts {
			ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
			if err := eng.RunSkills(ctx, account.ID, 0); err != nil {
				log.Warn("skill run failed",
					zap.String("account", account.ID),
					zap.Error(err))
			}
			cancel()
		}
	}
}
