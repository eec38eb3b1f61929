// Package app wires the configured components of metric-explorer together.
// Both binaries build their runtime through Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/audit"
	"github.com/MLMario/metric-explorer/internal/config"
	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/llm/adapter"
	"github.com/MLMario/metric-explorer/internal/llm/budget"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/memory/vector"
	"github.com/MLMario/metric-explorer/internal/reasoning/engine"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/reasoning/prompt"
	"github.com/MLMario/metric-explorer/internal/tabular"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

// App holds the long-lived components.
type App struct {
	Config   *config.Config
	Manager  config.ConfigManager
	Logger   *zap.Logger
	Audit    audit.Logger
	Store    db.Store
	Memory   vector.Store
	LLM      adapter.LLMAdapter
	Budget   budget.Tracker
	Engine   engine.Engine
	Sessions *workspace.Resolver
	Ledger   ledger.Store

	// LLMUnavailable is set when no provider credentials are configured.
	LLMUnavailable error
}

// Build loads configuration from configPath (empty for the default path)
// and constructs every component.
func Build(ctx context.Context, configPath string) (*App, error) {
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := New(ctx, mgr.Get(ctx))
	if err != nil {
		return nil, err
	}
	a.Manager = mgr
	return a, nil
}

// New constructs the components from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	auditCfg := &audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
		Format:       cfg.Logging.Format,
	}
	logger, err := audit.NewAppLogger(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.Audit, err = audit.NewLogger(auditCfg, logger); err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	if a.Store, err = db.NewSQLiteStore(cfg.Database.SQLitePath); err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}

	a.Memory, err = vector.New(ctx, vector.Config{
		Backend:        cfg.Memory.Backend,
		WeaviateHost:   cfg.Memory.WeaviateHost,
		WeaviateScheme: cfg.Memory.WeaviateScheme,
		WeaviateClass:  cfg.Memory.WeaviateClass,
		ChunkSize:      cfg.Memory.ChunkSize,
		ChunkOverlap:   cfg.Memory.ChunkOverlap,
	}, a.Store, logger.Named("memory"))
	if err != nil {
		// The memory document is always kept locally, so a missing store
		// only loses the external copy.
		logger.Warn("Memory store unavailable; keeping memory documents locally",
			zap.String("backend", cfg.Memory.Backend), zap.Error(err))
		a.Memory = vector.Disabled()
	}

	llm, err := adapter.NewLLMAdapter(cfg, logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("create LLM adapter: %w", err)
	}
	if llm.Provider() == string(adapter.ProviderNone) {
		a.LLMUnavailable = fmt.Errorf("%w: set an API key for provider %q", adapter.ErrProviderNotConfigured, cfg.LLM.Provider)
	}
	a.Budget = budget.NewTracker(budget.Config{
		PerSessionLimitTokens: cfg.LLM.SessionTokenLimit,
		PerSessionLimitUSD:    cfg.LLM.SessionCostLimitUSD,
	}, logger.Named("budget"))
	a.LLM = adapter.NewBudgetedAdapter(llm, a.Budget)

	if err := os.MkdirAll(cfg.Session.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("create session storage: %w", err)
	}
	a.Sessions = workspace.NewResolver(cfg.Session.StoragePath)
	a.Ledger = ledger.NewStore(logger.Named("ledger"))

	engCfg := engine.DefaultConfig()
	engCfg.MaxTurns = cfg.Analysis.MaxTurns
	engCfg.SampleRows = cfg.Analysis.SampleRows
	engCfg.CommandTimeout = time.Duration(cfg.Analysis.CommandTimeoutSeconds) * time.Second
	if n := cfg.ProviderMaxTokens(); n > 0 {
		engCfg.MaxTokens = n
	}
	a.Engine, err = engine.NewEngine(engCfg, engine.Deps{
		LLM:     a.LLM,
		Prompts: prompt.NewPromptManager(),
		Ledger:  a.Ledger,
		Reader:  tabular.NewReader(),
		Stager:  workspace.NewStager(a.Sessions, logger.Named("stager")),
		Paths:   a.Sessions,
		Memory:  a.Memory,
		Runs:    db.NewRunIndex(a.Store),
		Audit:   a.Audit,
		Logger:  logger.Named("engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	logger.Info("metric-explorer initialized",
		zap.String("llm_provider", llm.Provider()),
		zap.String("llm_model", llm.Model()),
		zap.String("memory_backend", a.Memory.Backend()),
		zap.String("session_storage", cfg.Session.StoragePath),
		zap.String("database", cfg.Database.SQLitePath))
	ok = true
	return a, nil
}

// RunSession investigates one session in the foreground. It is what the
// server does in the background, minus the registry.
func (a *App) RunSession(ctx context.Context, sessionID string) (*investigation.State, error) {
	root, err := a.Sessions.Existing(sessionID)
	if err != nil {
		return nil, err
	}
	st, err := workspace.LoadState(root, sessionID)
	if err != nil {
		return nil, a.fail(root, err)
	}
	final, err := a.Engine.Run(ctx, st)
	if err != nil {
		return final, a.fail(root, err)
	}
	return final, nil
}

func (a *App) fail(root string, err error) error {
	if werr := workspace.WriteError(root, err); werr != nil {
		a.Logger.Warn("Failed to write error.json", zap.Error(werr))
	}
	return err
}

// Close releases resources. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
