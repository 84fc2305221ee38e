package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/justinmoon/playground/internal/catalog"
	"github.com/justinmoon/playground/internal/config"
	"github.com/justinmoon/playground/internal/db"
	"github.com/justinmoon/playground/internal/logging"
	"github.com/justinmoon/playground/internal/runtime/docker"
	"github.com/justinmoon/playground/internal/server"
)

var version = "0.1.0"

func main() {
	// Load .env if present; real environment variables take precedence.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "playground",
		Short: "Docker playground manager",
		Long:  "Playground runs a catalog of Docker containers and serves browser terminals into them.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("playground version %s\n", version)
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newContainerCmds()...)
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newOperationsCmd())
	rootCmd.AddCommand(newEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var serveHost string
	var servePort int
	var catalogDir string
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the playground server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Override with flags if provided
			if serveHost != "" {
				cfg.Server.Host = serveHost
			}
			if servePort != 0 {
				cfg.Server.Port = servePort
			}
			if catalogDir != "" {
				cfg.Server.CatalogDir = catalogDir
			}
			if databaseURL != "" {
				cfg.Server.DatabaseURL = databaseURL
			}

			logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat)

			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("failed to create data directories: %w", err)
			}

			cat, err := catalog.Load(cfg.CatalogPath())
			if err != nil {
				return fmt.Errorf("failed to load catalog: %w", err)
			}
			log.Info().Str("dir", cfg.CatalogPath()).Int("entries", len(cat.Names())).Msg("Catalog loaded")

			rt, err := docker.New()
			if err != nil {
				return err
			}
			defer rt.Close()

			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = rt.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("docker daemon unreachable: %w", err)
			}

			// History is optional; without a database the server keeps
			// only in-memory state.
			var database *db.DB
			if cfg.Server.DatabaseURL != "" {
				database, err = db.Open(cfg.Server.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer database.Close()
			}
			if cfg.Server.NatsURL != "" {
				log.Info().Str("url", cfg.Server.NatsURL).Msg("Publishing events to NATS")
			}

			srv, err := server.New(cfg, rt, cat, database)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			// Wait for interrupt in goroutine
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigCh
				log.Info().Msg("Shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Docker.StopTimeout+5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			// Start server (blocks until shutdown)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	cmd.Flags().IntVar(&servePort, "port", 0, "port to bind (default from config)")
	cmd.Flags().StringVar(&catalogDir, "catalog", "", "catalog directory (default from config)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "database URL for session history (optional)")

	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return cfg.Write(os.Stdout)
		},
	}
}

func newCatalogCmd() *cobra.Command {
	var catalogDir string

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate and list the local catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if catalogDir != "" {
				cfg.Server.CatalogDir = catalogDir
			}
			cat, err := catalog.Load(cfg.CatalogPath())
			if err != nil {
				return err
			}
			for _, name := range cat.Names() {
				e, _ := cat.Get(name)
				fmt.Printf("%-20s %-30s %s\n", name, e.Image, e.ShellOrDefault())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogDir, "dir", "", "catalog directory (default from config)")
	return cmd
}
