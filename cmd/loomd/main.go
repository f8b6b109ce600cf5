package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"loom/internal/auth"
	"loom/internal/bus"
	"loom/internal/catalog"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/mcp"
	"loom/internal/provider"
	"loom/internal/pty"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loomd",
		Short: "AI coding assistant runtime daemon",
		Long: `Loomd mediates between a developer-facing client and LLM providers,
exposing a uniform tool-execution surface: file and shell tools over PTY
sessions, and external Model Context Protocol servers.`,
		RunE: runServe,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/loom/config.yaml, or $HOME/.config/loom/config.yaml when XDG_CONFIG_HOME is unset)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon",
			RunE:  runServe,
		},
		newModelsCmd(),
		newAuthCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("loomd version %s\n", version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logOpts := logging.Options{Level: logging.Level(cfg.Logging.Level)}
	if cfg.Logging.File {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		logOpts.DataDir = cfg.DataDir
	}
	if err := logging.Setup(logOpts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config) *catalog.Registry {
	return catalog.Build(ctx, catalog.BuildInputs{
		Config:  cfg,
		Loaders: provider.DefaultLoaders(),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := auth.OpenStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	events := bus.New()

	registry := buildRegistry(ctx, cfg)
	adapter := provider.NewAdapter(registry)

	// Warm the default model handle so misconfiguration surfaces at
	// startup instead of on the first chat request.
	if ref, err := registry.DefaultModel(cfg.Model); err == nil {
		if _, err := adapter.Language(ctx, ref); err != nil {
			logging.Warn("default model unavailable", "model", ref.String(), "error", err)
		} else {
			logging.Info("default model ready", "model", ref.String())
		}
	} else {
		logging.Warn("no default model resolved", "error", err)
	}

	manager := mcp.NewManager(cfg.MCP, store, events)
	manager.Start(ctx)
	defer manager.Close()

	terminals := pty.NewMultiplexer(events, cfg.Shell)
	defer terminals.Close()

	logging.Info("loomd started",
		"version", version,
		"providers", len(registry.Providers()),
		"mcp_servers", len(cfg.MCP))

	for name, status := range manager.Status() {
		logging.Info("mcp status", "server", name, "state", status.State)
	}

	<-ctx.Done()
	logging.Info("loomd shutting down")
	return nil
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List available models as provider/model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Close()

			registry := buildRegistry(cmd.Context(), cfg)

			defaultRef, _ := registry.DefaultModel(cfg.Model)

			var refs []string
			for providerID, p := range registry.Providers() {
				for modelID := range p.Models {
					refs = append(refs, providerID+"/"+modelID)
				}
			}
			sort.Strings(refs)

			for _, ref := range refs {
				marker := " "
				if ref == defaultRef.String() {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, ref)
			}
			return nil
		},
	}
}

func newAuthCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "auth <mcp-server>",
		Short: "Authenticate against a remote MCP server (or remove stored credentials)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Close()

			store, err := auth.OpenStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			name := args[0]
			manager := mcp.NewManager(cfg.MCP, store, bus.New())
			defer manager.Close()

			if remove {
				if err := manager.RemoveAuth(name); err != nil {
					return err
				}
				fmt.Printf("Removed stored credentials for %q.\n", name)
				return nil
			}

			status, err := manager.Authenticate(cmd.Context(), name, func(authURL string) {
				fmt.Printf("Open this URL in your browser to authorize:\n\n  %s\n\n", authURL)
			})
			if err != nil {
				return err
			}

			fmt.Printf("Server %q is now %s.\n", name, status.State)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "remove stored tokens and client registration")
	return cmd
}
