package main

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/youruser/productivai/internal/assistant"
	"github.com/youruser/productivai/internal/config"
	"github.com/youruser/productivai/internal/logging"
	"github.com/youruser/productivai/internal/store"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "pai",
		Short:         "ProductivAI: a productivity assistant that suggests tasks while you chat",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/productivai/config.json)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newChatCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pai %s\n", versionString())
			return err
		},
	}
}

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	db        *store.DB
	assistant *assistant.Assistant
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		v := viper.New()
		v.SetConfigFile(opts.configPath)
		cfg, err = config.LoadFrom(v)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func wireApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log := logging.Get()
	log.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logBuildInfo(log)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backend := assistant.NewBackend(cfg, log)
	return &app{
		cfg: cfg,
		log: log,
		db:  db,
		assistant: assistant.New(backend,
			assistant.WithLogger(log.With("assistant")),
			assistant.WithHistoryBudget(cfg.HistoryTokenBudget),
		),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("Closing store: %v", err)
	}
	a.log.Close()
}

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func logBuildInfo(log *logging.Logger) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision, buildTime, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	build := info.Main.Version
	if revision != "" {
		build = revision
	}
	if modified == "true" {
		build += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", build, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", build, runtime.Version())
}
