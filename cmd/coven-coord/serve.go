// ABOUTME: serve command: loads config, starts the coordination service and servers
// ABOUTME: Watches the config file and reloads agent policy on change

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/server"
	"github.com/2389/coven-coordinator/internal/service"
)

const banner = `
  ┌─┐┌─┐┬  ┬┌─┐┌┐┌   ┌─┐┌─┐┌─┐┬─┐┌┬┐
  │  │ │└┐┌┘├┤ │││───│  │ ││ │├┬┘ ││
  └─┘└─┘ └┘ └─┘┘└┘   └─┘└─┘└─┘┴└──┴┘
`

var noWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload agent policy when the config file changes")
}

func runServe(ctx context.Context) error {
	configPath := config.ResolvePath(configFlag)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Executor:  %s", cfg.Executor.Provider)
	if cfg.Executor.Model != "" {
		gray.Printf(" %s", cfg.Executor.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API auth disabled (auth.jwt_secret is empty)")
	}
	fmt.Println()

	logger.Info("starting coven-coord",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	svc, err := service.New(cfg, service.Deps{}, logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	if _, err := svc.Start(ctx); err != nil {
		_ = svc.Close(context.Background())
		return fmt.Errorf("starting service: %w", err)
	}

	srv, err := server.New(cfg, svc, logger)
	if err != nil {
		_ = svc.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	if !noWatch {
		go func() {
			err := config.Watch(ctx, configPath, logger, svc.ApplyConfig)
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	return srv.Run(ctx)
}
