// Package main is the entry point for the MobileClaw daemon, an agent that
// operates Android devices over a websocket bridge to carry out tasks given
// through chat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mobileclaw/mobileclaw/internal/bridge"
	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/chat"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/executor"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/internal/logging"
	"github.com/mobileclaw/mobileclaw/internal/memory"
	"github.com/mobileclaw/mobileclaw/internal/metrics"
	"github.com/mobileclaw/mobileclaw/internal/orchestrator"
	"github.com/mobileclaw/mobileclaw/internal/server"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mobileclaw",
		Short: "MobileClaw - chat-driven agent for Android devices",
		Long: `MobileClaw drives Android devices over a websocket bridge: it plans
tasks with a language model, grounds UI targets on screen, verifies every
action's effect, and keeps durable markdown memory per organization.

Run the daemon:        mobileclaw serve
Inspect memory:        mobileclaw memory tree
Configuration:         mobileclaw config show`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.mobileclaw/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MobileClaw v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Setup(level, cfg.Logging.Console)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			return runDaemon(cfg, newLogger(cfg))
		},
	}
}

func runDaemon(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	defer b.Close()

	store, err := memory.NewStore(cfg.Memory, cfg.Org.Name, b, logging.Component(log, "memory"))
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := bridge.NewManager(cfg.Bridge, cfg.Devices, b, logging.Component(log, "bridge"))
	defer mgr.Close()

	plannerProvider, err := buildProvider(cfg, cfg.Models.Planner, b)
	if err != nil {
		return err
	}
	grounderProvider, err := buildProvider(cfg, cfg.Models.Grounder, b)
	if err != nil {
		return err
	}
	planner := llm.NewPlanner(plannerProvider, logging.Component(log, "planner"))
	grounder := llm.NewGrounder(grounderProvider, cfg.Executor.GroundingThreshold,
		logging.Component(log, "grounder"))

	exec := executor.New(cfg.Executor, grounder, b, logging.Component(log, "executor"))

	router := chat.NewRouter(cfg.Chat, b, logging.Component(log, "chat"))
	defer router.Close()
	router.Register(chat.NewLoopback("loopback"))

	orch := orchestrator.New(cfg.Orchestrator, cfg.Org.Agent, orchestrator.Deps{
		Devices:   orchestrator.NewBridgeDevices(mgr),
		DeviceIDs: deviceIDs(cfg),
		Executor:  exec,
		Planner:   planner,
		Store:     store,
		Router:    router,
		Bus:       b,
		Logger:    logging.Component(log, "orchestrator"),
	})

	collector := metrics.NewCollector(b)
	collector.Start()
	defer collector.Stop()

	observer := bus.NewObserver(b, cfg.Server.HistoryReplay, logging.Component(log, "observer"))
	if err := observer.Start(); err != nil {
		return err
	}
	defer observer.Stop()

	srv := server.New(cfg.Server, mgr, orch, collector, observer, logging.Component(log, "server"))
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("operator server stopped")
			stop()
		}
	}()

	log.Info().
		Str("org", cfg.Org.Name).
		Str("agent", cfg.Org.Agent).
		Int("devices", len(cfg.Devices)).
		Msg("mobileclaw running")

	orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildProvider(cfg *config.Config, name string, b *bus.Bus) (llm.Provider, error) {
	pc, ok := cfg.Models.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	p, err := llm.New(name, pc)
	if err != nil {
		return nil, err
	}
	return llm.NewGuard(p, b), nil
}

func deviceIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Devices))
	for id := range cfg.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			fmt.Println("configuration ready")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Models.Providers = map[string]config.ProviderConfig{}
			for name, pc := range cfg.Models.Providers {
				if pc.APIKey != "" {
					pc.APIKey = "***"
				}
				redacted.Models.Providers[name] = pc
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("configuration valid")
			return nil
		},
	})

	return cmd
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the memory store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "tree",
		Short: "Print the organization's memory tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewStore(cfg.Memory, cfg.Org.Name, nil, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()
			tree, err := store.Tree()
			if err != nil {
				return err
			}
			fmt.Print(tree)
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <secret>",
		Short: "Hash an operator token for server.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	}
}
