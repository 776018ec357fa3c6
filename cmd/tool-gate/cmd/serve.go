package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Toolgate/internal/adapter/inbound/api"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/graph"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/Toolgate/internal/adapter/outbound/toolbackend"
	"github.com/Sentinel-Gate/Toolgate/internal/config"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/redact"
	"github.com/Sentinel-Gate/Toolgate/internal/domain/registry"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Toolgate/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the HTTP server that accepts tool call proposals, evaluates
them against policy, and manages the approval queue.

In --dev mode the store defaults to in-memory and logging to debug,
so the gateway runs without any config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "development mode (in-memory store, debug logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if cfg.DevMode {
		cfg.SetDevDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel, cfg.DevMode),
	}))
	slog.SetDefault(logger)

	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("loaded config file", "path", used)
	}

	rules, err := service.LoadRulesFile(cfg.Policy.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	engine, err := service.NewPolicyService(rules, logger,
		service.WithCacheSize(cfg.Policy.CacheSize),
		service.WithSandboxRoot(cfg.Policy.SandboxRoot),
		service.WithBlockedFiles(cfg.Policy.BlockedFiles),
	)
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}

	var (
		decisionStore decision.Store
		registryStore registry.Store
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		}()
		decisionStore = st
		registryStore = st
		logger.Info("using sqlite store", "path", cfg.Store.Path)
	default:
		st := memory.NewStore()
		decisionStore = st
		registryStore = st
		logger.Info("using in-memory store; decisions will not survive restarts")
	}

	var citations outbound.CitationResolver = graph.NoopResolver{}
	if cfg.Graph.Enabled {
		resolver, err := graph.NewResolver(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, logger)
		if err != nil {
			logger.Warn("graph unavailable, decisions will carry no citations", "uri", cfg.Graph.URI, "error", err)
		} else {
			defer func() {
				if err := resolver.Close(context.Background()); err != nil {
					logger.Error("failed to close graph driver", "error", err)
				}
			}()
			citations = resolver
		}
	}

	redactor := redact.New(redact.WithExtraSensitiveKeys(cfg.Redaction.ExtraSensitiveKeys...))
	factory := toolbackend.NewFactory(logger,
		toolbackend.WithDiscoveryPageCap(cfg.Discovery.MaxPages))
	local := toolbackend.NewMockBackend()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(promReg)

	pipeline := service.NewPipelineService(
		decisionStore, registryStore, engine, redactor, citations,
		factory, local, logger,
		service.WithMetrics(metrics),
	)
	approvals := service.NewApprovalService(decisionStore, pipeline, logger)
	regSvc, err := service.NewRegistryService(ctx, registryStore, factory, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server registry: %w", err)
	}

	handler := api.NewHandler(pipeline, approvals, regSvc, logger,
		api.WithAPIKeyHashes(cfg.Auth.APIKeyHashes),
	)
	server := api.NewServer(handler, logger,
		api.WithAddr(cfg.Server.HTTPAddr),
		api.WithRegistry(promReg),
	)

	logger.Info("starting tool-gate",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"dev_mode", cfg.DevMode,
	)
	if len(cfg.Auth.APIKeyHashes) == 0 {
		logger.Warn("no API key hashes configured, API is unauthenticated")
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string, dev bool) slog.Level {
	if dev {
		return slog.LevelDebug
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
