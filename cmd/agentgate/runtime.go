package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/app"
	"github.com/triage-ai/agentgate/internal/chread"
	"github.com/triage-ai/agentgate/internal/config"
	"github.com/triage-ai/agentgate/internal/llm"
	"github.com/triage-ai/agentgate/internal/logging"
	"github.com/triage-ai/agentgate/internal/pipeline"
	"github.com/triage-ai/agentgate/internal/scanner"
	"github.com/triage-ai/agentgate/internal/search"
	"github.com/triage-ai/agentgate/internal/storage"
	"github.com/triage-ai/agentgate/internal/store"
)

// runtime is everything a command needs, built from config. Optional
// backends stay nil when they are not configured or unreachable.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	scanner *scanner.Scanner
	writer  storage.EventWriter
	store   *store.Store
	reader  *chread.Reader
	app     *app.App
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newScanner(cfg config.Config, logger *zap.Logger) (*scanner.Scanner, error) {
	s, err := scanner.New(cfg.ScannerConfig(), logger.Named("scanner"))
	if err != nil {
		return nil, err
	}
	if s.Configured() {
		logger.Info("security scanning enabled",
			zap.String("endpoint", cfg.Security.Endpoint),
			zap.Bool("fail_open", cfg.Security.FailOpen),
		)
	} else {
		logger.Warn("AIRS_API_KEY or AIRS_API_PROFILE_NAME not set, security scanning bypassed")
	}
	return s, nil
}

// newRuntime connects the configured backends and assembles the agent tree.
func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	s, err := newScanner(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, scanner: s}

	var writers []storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writers = append(writers, storage.NewLogWriter(logger))
		} else {
			writers = append(writers, chWriter)
			logger.Info("clickhouse writer connected")
		}

		rt.reader, err = chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			rt.reader = nil
		}
	} else {
		writers = append(writers, storage.NewLogWriter(logger))
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}

	if cfg.PostgresDSN != "" {
		db, err := store.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Warn("postgres connection failed, feedback and conversations will not be stored", zap.Error(err))
		} else {
			rt.store = store.NewStore(db)
			if err := rt.store.Migrate(ctx); err != nil {
				logger.Warn("postgres migration failed", zap.Error(err))
			}
			writers = append(writers, store.NewTurnWriter(rt.store, logger))
			logger.Info("postgres connected")
		}
	} else {
		logger.Info("no POSTGRES_DSN set, feedback and conversations will not be stored")
	}
	rt.writer = storage.NewMultiWriter(writers...)

	deps := app.Deps{
		Scanner:      s,
		Completer:    llm.NewOllamaClient(cfg.LLM.Endpoint, time.Duration(cfg.LLM.TimeoutSecs)*time.Second, logger.Named("llm")),
		Searcher:     search.NewClient(cfg.Search.Endpoint, cfg.Search.APIKey, time.Duration(cfg.Search.TimeoutSecs)*time.Second, logger.Named("search")),
		Sink:         rt.writer,
		Model:        cfg.LLM.Model,
		RoutingModel: cfg.LLM.RoutingModel,
		Gate: pipeline.Config{
			Verbose:                cfg.Verbose,
			PassthroughDiagnostics: cfg.Security.PassthroughDiagnostics,
		},
		Logger: logger,
	}
	if rt.store != nil {
		deps.Feedback = rt.store
	}
	rt.app = app.New(deps)
	return rt, nil
}

// Close flushes the writers and releases every connection. Call once.
func (rt *runtime) Close() {
	rt.writer.Close()
	if rt.reader != nil {
		_ = rt.reader.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if err := rt.scanner.Close(); err != nil {
		rt.logger.Warn("scanner close failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
