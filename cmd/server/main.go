// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package main is the entry point for the Vigil server.
//
// Vigil is a self-hosted security monitoring service: detectors examine
// the monitored application for brute-force bursts, file tampering, and
// malware signatures; findings are fingerprinted into a deduplicated
// issue ledger, filtered through operator-managed ignore rules, and
// delivered through notification channels with bounded retry.
//
// The server initializes components in the following order:
//
//  1. Configuration: koanf v2 layering defaults, config.yaml, and
//     VIGIL_* environment variables
//  2. DuckDB: issue ledger, ignore rules, and dispatch task storage
//  3. Badger: channel options, detector configs, and scan baselines
//  4. Pipeline: ignore matcher, ledger, dispatch queue, orchestrator,
//     detectors
//  5. HTTP API and WebSocket live feed
//  6. Supervisor tree: suture v4 supervising the detection loop,
//     dispatch pump, cleanup, hub, and HTTP server
//
// Shutdown is graceful on SIGINT/SIGTERM: the supervisor tree drains
// every service, then the databases are checkpointed and closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigilsec/vigil/internal/api"
	"github.com/vigilsec/vigil/internal/channel"
	"github.com/vigilsec/vigil/internal/config"
	"github.com/vigilsec/vigil/internal/database"
	"github.com/vigilsec/vigil/internal/detectors"
	"github.com/vigilsec/vigil/internal/dispatch"
	"github.com/vigilsec/vigil/internal/finding"
	"github.com/vigilsec/vigil/internal/forensics"
	"github.com/vigilsec/vigil/internal/ignore"
	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/orchestrator"
	"github.com/vigilsec/vigil/internal/settings"
	"github.com/vigilsec/vigil/internal/supervisor"
	"github.com/vigilsec/vigil/internal/supervisor/services"
	ws "github.com/vigilsec/vigil/internal/websocket"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("db_path", cfg.Database.Path).
		Dur("detection_interval", cfg.Detection.Interval).
		Msg("Starting Vigil")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledgerStore := ledger.NewDuckDBStore(db.Conn())
	ruleStore := ignore.NewDuckDBStore(db.Conn())
	taskStore := dispatch.NewDuckDBStore(db.Conn())
	for name, init := range map[string]func(context.Context) error{
		"issues":       ledgerStore.InitSchema,
		"ignore_rules": ruleStore.InitSchema,
		"tasks":        taskStore.InitSchema,
	} {
		if err := init(ctx); err != nil {
			logging.Fatal().Err(err).Str("schema", name).Msg("Failed to initialize schema")
		}
	}

	badgerDB, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open settings store")
	}
	defer func() {
		if err := badgerDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing settings store")
		}
	}()
	settingsStore := settings.NewStore(badgerDB)
	settingsStore.StartGCRoutine(ctx, cfg.Settings.GCInterval)

	// Channel options survive restarts in the settings store.
	registry := channel.NewRegistry()
	if allOpts, err := settingsStore.AllChannelOptions(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to load persisted channel options")
	} else {
		for name, opts := range allOpts {
			if err := registry.Configure(name, opts); err != nil {
				logging.Warn().Err(err).Str("channel", name).Msg("Persisted channel options rejected")
			}
		}
	}

	matcher := ignore.NewMatcher(ruleStore)
	fp := ledger.NewFingerprinter(cfg.Detection.InternalPathMarkers...)
	led := ledger.New(ledgerStore, matcher, ruleStore, fp, finding.DefaultClassifier())

	queue := dispatch.NewQueue(taskStore, registry, dispatch.Config{
		MaxRetries:  cfg.Dispatch.MaxRetries,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
		SendTimeout: cfg.Dispatch.SendTimeout,
		BatchSize:   cfg.Dispatch.BatchSize,
		Retention:   cfg.Dispatch.Retention,
		BaseURL:     cfg.Server.BaseURL,
	})

	orch := orchestrator.New(orchestrator.Config{
		MinRunInterval:           cfg.Detection.MinRunInterval,
		SynthesizeDetectorErrors: cfg.Detection.SynthesizeDetectorErrors,
	}, led, queue)

	loginDetector := detectors.NewLoginFailureDetector()
	orch.Register(loginDetector)
	orch.Register(detectors.NewFileIntegrityDetector(settingsStore))
	orch.Register(detectors.NewMalwareDetector())

	// Detector configs survive restarts in the settings store.
	for _, d := range orch.Detectors() {
		raw, err := settingsStore.DetectorConfig(ctx, d.Name())
		if errors.Is(err, settings.ErrNotFound) {
			continue // never configured, defaults apply
		}
		if err != nil {
			logging.Warn().Err(err).Str("detector", d.Name()).Msg("Failed to load detector config")
			continue
		}
		if len(raw) == 0 {
			continue
		}
		if err := d.Configure(raw); err != nil {
			logging.Warn().Err(err).Str("detector", d.Name()).Msg("Persisted detector config rejected")
		}
	}

	collector := forensics.NewCollector(forensics.Config{
		PluginPathPrefixes:    cfg.Forensics.PluginPathPrefixes,
		ModulePathPrefixes:    cfg.Forensics.ModulePathPrefixes,
		CorePathPrefixes:      cfg.Forensics.CorePathPrefixes,
		ProxyHeaderPrecedence: cfg.Forensics.ProxyHeaders,
	})
	scanEnv := map[string]string{"version": version}
	for _, d := range orch.Detectors() {
		if d.Enabled() {
			scanEnv["detector:"+d.Name()] = string(d.Class())
		}
	}
	collector.SetScanEnvironment(scanEnv)
	orch.SetForensics(collector)

	wsHub := ws.NewHub()
	orch.SetIssueBroadcaster(wsHub)

	mw := api.NewMiddleware(&api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.API.CORSOrigins,
		RateLimitRequests:  cfg.API.RateLimitReqs,
		RateLimitWindow:    cfg.API.RateLimitWindow,
	})
	router := api.NewRouter(
		mw,
		api.NewIssueHandlers(led, wsHub, cfg.API.DefaultPageSize, cfg.API.MaxPageSize,
			cfg.Detection.InternalPathMarkers...),
		api.NewRuleHandlers(ruleStore),
		api.NewChannelHandlers(registry, settingsStore),
		api.NewTaskHandlers(queue, cfg.API.DefaultPageSize, cfg.API.MaxPageSize),
		api.NewDetectorHandlers(orch, settingsStore, loginDetector, wsHub),
		api.NewHealthHandlers(db, version),
		wsHub.ServeWS,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddDataService(services.NewCleanupService(
		led, queue, nil, cfg.Retention.IssueMaxAge, cfg.Retention.CleanupInterval))
	tree.AddPipelineService(services.NewWebSocketHubService(wsHub))
	tree.AddPipelineService(services.NewDetectionLoopService(orch, wsHub, cfg.Detection.Interval))
	tree.AddPipelineService(services.NewDispatchPumpService(queue, cfg.Dispatch.ProcessInterval))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, stopping services")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Vigil stopped gracefully")
}
