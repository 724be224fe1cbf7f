// Command calibration-svc is the calibration core: it owns the single
// Modbus/TCP connection to the packaging machine, runs the per-hopper
// stage controllers, and exposes the Control/Status Server over HTTP.
package main

import (
	"context"

	"calibration/internal/orchestrator"
	"calibration/pkg/config"
	"calibration/pkg/logger"
	"calibration/pkg/materials"
	"calibration/pkg/metrics"
	"calibration/pkg/server"
	"calibration/pkg/telemetry"
)

func main() {
	cfg := config.MustLoad()

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	ctx := context.Background()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("failed to init telemetry, continuing without it", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Log.Warn("failed to shut down telemetry", "error", err)
				}
			}()
		}
	}

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	var materialsRepo *materials.Repository
	if cfg.Materials.DSN != "" {
		db, err := materials.NewPostgresDB(ctx, &cfg.Materials)
		if err != nil {
			logger.Log.Warn("failed to connect to materials database, coarse-time seeding will use the default speed", "error", err)
		} else {
			defer db.Close()
			materialsRepo = materials.NewRepository(db)
		}
	}

	orch, err := orchestrator.New(cfg, &orchestrator.Options{MaterialsRepo: materialsRepo})
	if err != nil {
		logger.Fatal("failed to wire orchestrator", "error", err)
	}

	if err := orch.Connect(ctx); err != nil {
		logger.Fatal("failed to connect to the PLC", "error", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Log.Warn("failed to shut down orchestrator cleanly", "error", err)
		}
	}()

	srv := server.New(&cfg.Server, &server.Options{
		Controller: orch,
		Snapshots:  orch.Snapshots(),
		AuditLog:   orch.AuditLog(),
	})

	logger.Log.Info("calibration-svc starting", "port", cfg.Server.Port, "environment", cfg.App.Environment)

	// Run blocks and handles its own SIGINT/SIGTERM graceful shutdown.
	if err := srv.Run(); err != nil {
		logger.Fatal("control/status server exited with an error", "error", err)
	}
}
