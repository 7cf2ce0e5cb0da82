package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpbox/mcpbox/pkg/authserver"
	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/gateway"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/multiplexer"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "mcpbox [config]",
		Short:         "Serve local MCP servers behind one authenticated HTTP endpoint",
		Args:          cobra.MaximumNArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				// Bare positional argument, kept for compatibility with
				// earlier releases.
				path = args[0]
			}
			return run(cmd.Context(), path)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultFilename, "Path to the configuration file")
	cmd.SetVersionTemplate("mcpbox {{.Version}}\n")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Setup(log.Config{
		Level:         cfg.Log.Level,
		Format:        cfg.Log.Format,
		RedactSecrets: cfg.Log.RedactSecretsEnabled(),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	forceExitOnSecondSignal(ctx)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to close store: %v", err)
		}
	}()

	var auth *authserver.Server
	if cfg.Auth != nil && cfg.Auth.Type == "oauth" {
		auth, err = authserver.New(ctx, cfg.Auth, store)
		if err != nil {
			return err
		}
		auth.StartJanitor(ctx)
		log.Infof("oauth authorization server enabled (issuer %s)", auth.Issuer())
	}

	mpx := multiplexer.New(cfg.MCPServers, multiplexer.Options{
		MCPDebug:      cfg.Log.MCPDebug,
		ClientVersion: version,
	})
	mpx.Start(ctx)

	tools, resources, prompts := mpx.Counts()
	log.Infof("serving %d tools, %d resources, %d prompts", tools, resources, prompts)

	return gateway.New(cfg, mpx, auth, version).Run(ctx)
}

// forceExitOnSecondSignal lets an impatient operator kill the process while
// graceful shutdown is still draining.
func forceExitOnSecondSignal(ctx context.Context) {
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Errorf("forcing exit")
		os.Exit(1)
	}()
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path)
	default:
		return storage.NewMemoryStore(), nil
	}
}
