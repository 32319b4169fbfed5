package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/taskdaemon/taskdaemon/internal/archive"
	"github.com/taskdaemon/taskdaemon/internal/config"
	"github.com/taskdaemon/taskdaemon/internal/controlapi"
	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/engine"
	"github.com/taskdaemon/taskdaemon/internal/eventbus"
	"github.com/taskdaemon/taskdaemon/internal/gitops"
	"github.com/taskdaemon/taskdaemon/internal/llmclient"
	"github.com/taskdaemon/taskdaemon/internal/llmclient/anthropic"
	"github.com/taskdaemon/taskdaemon/internal/logging"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
	"github.com/taskdaemon/taskdaemon/internal/supervisor"
)

var cfgFile string

// rootCmd starts the daemon: config resolution, service construction,
// control surface, and graceful shutdown. Grounded on cli/root.go's
// RootCmd/runServer shape (PersistentFlags bound through viper,
// cobra.OnInitialize, a long-running Run that blocks on an OS signal
// before tearing services down in reverse order).
var rootCmd = &cobra.Command{
	Use:   "taskdaemon",
	Short: "Orchestrates concurrent AI-driven ralph loops over isolated git worktrees",
	Long: "taskdaemon admits plans, specs, phases and ralph loops, drives each\n" +
		"through an LLM-backed engine against isolated git worktrees until\n" +
		"validation passes or a safety limit is hit, and exposes a control\n" +
		"surface (REST, websocket events, Prometheus metrics) for operators.",
	RunE: runDaemon,
}

// Flag names match config.Load's viper keys exactly (BindPFlags binds by
// literal flag name), the same approach as cli/root.go's per-flag
// viper.BindPFlag calls, just done in bulk since every key here has a
// 1:1 flag.
func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to a .taskdaemon.yaml config file")
	flags.String("controlapi.addr", "", "control surface listen address (default :8420)")
	flags.String("log.level", "", "log level: debug, info, warn, error")
	flags.String("log.format", "", "log format: text, json")
	flags.String("store.path", "", "directory the Store persists its collections under")
	flags.String("git.base-dir", "", "git repository root runs cut worktrees from")
	flags.StringVar(&templatesFile, "templates-file", "", "YAML file overriding one or more default prompt templates")
}

var templatesFile string

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("", cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("taskdaemon: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	entry := log.WithField("component", "main")

	if cfgFile != "" {
		if watcher, err := config.WatchFile(cfgFile, func() {
			entry.Warn("config file changed on disk; restart taskdaemon to pick up the new values")
		}); err != nil {
			entry.WithError(err).Debug("config file watch not started")
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("taskdaemon: open store: %w", err)
	}
	defer st.Close()
	registerCollections(st)

	coord := coordinator.New(st, log.WithField("component", "coordinator"))
	defer coord.Close()

	bus, err := eventbus.New(
		filepath.Join(cfg.StorePath, "events"),
		eventbus.RedisConfig{URL: cfg.EventsRedisURL},
		log,
	)
	if err != nil {
		return fmt.Errorf("taskdaemon: open event bus: %w", err)
	}
	defer bus.Close()

	llm, err := buildAnthropicClient(cfg, log)
	if err != nil {
		return fmt.Errorf("taskdaemon: build llm client: %w", err)
	}

	tpl := engine.DefaultTemplates()
	if templatesFile != "" {
		tpl, err = engine.LoadTemplatesFile(templatesFile)
		if err != nil {
			return fmt.Errorf("taskdaemon: %w", err)
		}
	}

	repo, err := gitops.Open(ctx, cfg.GitBaseDir)
	if err != nil {
		entry.WithError(err).Warn("no git repository at git.base-dir, falling back to simple execution mode")
		repo = nil
	}

	eng := engine.New(st, coord, bus, llm, repo, tpl, engine.Config{
		Model:      cfg.LLMModel,
		MaxTokens:  cfg.LLMMaxTokens,
		BaseBranch: cfg.GitSharedBaseBranch,
	}, nil, log)

	sup := supervisor.New(st, coord, eng, repo, supervisor.Config{
		MaxRuns:      int64(cfg.MaxLoops),
		MaxWorktrees: int64(cfg.MaxWorktrees),
		GitBaseDir:   cfg.GitBaseDir,
		BaseBranch:   cfg.GitSharedBaseBranch,
	}, log)
	entry.WithField("mode", sup.Mode()).Info("supervisor execution mode detected")
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("taskdaemon: start supervisor: %w", err)
	}
	defer sup.Stop("shutdown")

	archiveCfg := archive.Config{
		Bucket:    cfg.ArchiveS3Bucket,
		ReplayDir: filepath.Join(cfg.StorePath, "events"),
	}
	if archiveCfg.Enabled() {
		arc, err := archive.New(ctx, archiveCfg, log)
		if err != nil {
			return fmt.Errorf("taskdaemon: build archiver: %w", err)
		}
		go arc.Run(ctx, st)
	}

	metrics := controlapi.NewMetrics("taskdaemon")
	api := controlapi.New(st, sup, coord, bus, metrics, controlapi.Config{
		Addr:       cfg.ControlAPIAddr,
		ContentDir: filepath.Join(cfg.StorePath, "content"),
	}, log)
	api.Start(ctx)

	entry.WithField("addr", cfg.ControlAPIAddr).Info("taskdaemon running")
	<-ctx.Done()
	entry.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return api.Stop(shutdownCtx)
}

func registerCollections(st *store.Store) {
	for _, col := range []string{"plans", "specs", "phases", "runs"} {
		st.RegisterCollection(col, col+".jsonl", 256, 1024, func() model.Record { return &model.Run{} })
	}
	st.RegisterCollection("coordination", "coordination.jsonl", 256, 1024, func() model.Record {
		return &model.CoordinationMessage{}
	})
}

// buildAnthropicClient wires the Anthropic binding behind the shared
// MaxAPICalls semaphore, mirroring the pack's provider-selection-by-string
// shape; taskdaemon currently ships one provider, so unsupported values in
// llm.provider are rejected rather than silently ignored.
func buildAnthropicClient(cfg *config.Config, log *logrus.Logger) (llmclient.Client, error) {
	if cfg.LLMProvider != "anthropic" {
		return nil, fmt.Errorf("unsupported llm.provider %q", cfg.LLMProvider)
	}
	apiKey := os.Getenv(cfg.LLMAPIKeyEnv)
	inner, err := anthropic.NewClient(anthropic.Config{
		APIKey:    apiKey,
		BaseURL:   cfg.LLMBaseURL,
		MaxTokens: cfg.LLMMaxTokens,
	}, log)
	if err != nil {
		return nil, err
	}
	return llmclient.NewLimited(inner, semaphore.NewWeighted(int64(cfg.MaxAPICalls))), nil
}
