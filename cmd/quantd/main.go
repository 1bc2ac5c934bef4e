package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/mkarlsen/quantd/internal/api"
	"github.com/mkarlsen/quantd/internal/client"
	"github.com/mkarlsen/quantd/internal/config"
	"github.com/mkarlsen/quantd/internal/engine"
	"github.com/mkarlsen/quantd/internal/jobs"
	"github.com/mkarlsen/quantd/internal/marketdata"
	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/notify"
	"github.com/mkarlsen/quantd/internal/store"
	"github.com/mkarlsen/quantd/internal/work"
)

// retentionInterval is how often the registry sweeps evicted terminal jobs.
const retentionInterval = time.Minute

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", "path", cfg.DBPath)

	reg := jobs.NewRegistry(notify.NewNotifier(), st, logger)

	limits := map[model.Class]int64{
		model.ClassBacktest:     int64(cfg.MaxConcurrentJobs),
		model.ClassDatasetBuild: int64(cfg.MaxConcurrentJobs),
		model.ClassScreening:    int64(cfg.MaxConcurrentJobs),
		model.ClassSync:         1,
	}
	eng := engine.NewEngine(reg, limits, logger)

	upstream, err := client.New(client.Config{
		BaseURL:    cfg.MarketDataURL,
		RPS:        cfg.MarketDataRPS,
		ListFields: marketdata.ListFields,
	}, logger)
	if err != nil {
		return err
	}

	table := work.NewTable()
	table.Register(model.ClassSync, marketdata.NewSyncer(upstream, logger).Build)

	stop := make(chan struct{})
	defer close(stop)
	go retentionLoop(reg, cfg.JobRetention, logger, stop)

	srv := api.NewServer(cfg.ListenAddr, reg, eng, table, st, logger)
	return srv.Run()
}

// retentionLoop periodically evicts old terminal jobs from the in-memory
// registry. Durable history stays in the store.
func retentionLoop(reg *jobs.Registry, retain int, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := reg.CleanupOld(retain); n > 0 {
				logger.Info("evicted terminal jobs", "count", n)
			}
		}
	}
}
