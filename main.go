package main

import (
	"log"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miladez1/mrzadmincr/bot"
	"github.com/miladez1/mrzadmincr/config"
	"github.com/miladez1/mrzadmincr/panel"
	"github.com/miladez1/mrzadmincr/quota"
	"github.com/miladez1/mrzadmincr/report"
	"github.com/miladez1/mrzadmincr/sched"
	"github.com/miladez1/mrzadmincr/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.BotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is not set")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// A store that cannot be opened or migrated at startup is fatal; every
	// other failure is classified and survived.
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	st := store.New(db, logger)
	gw := panel.NewClient(cfg.Panel.BaseURL, cfg.Panel.Username, cfg.Panel.Password, cfg.Panel.Timeout, logger)
	engine := quota.NewEngine(st, gw, logger)
	gen := report.NewGenerator(st, gw, logger)

	b, err := bot.New(cfg.BotToken, st, engine, gen, cfg, logger)
	if err != nil {
		logger.Fatal("start bot", zap.Error(err))
	}

	scheduler := sched.New(st, gen, b, cfg.Sweep, logger)
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("bot started",
		zap.String("panel", cfg.Panel.BaseURL),
		zap.Duration("sweep_interval", cfg.Sweep.Interval))
	b.Start()
}
