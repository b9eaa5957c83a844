// ABOUTME: health command: checks the HTTP health endpoints and optionally gRPC health
// ABOUTME: Exits non-zero when the coordinator is unreachable or not serving

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/server"
)

var healthGRPC bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check coordinator health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if healthGRPC {
			return runGRPCHealth(ctx)
		}
		return runHealth(ctx)
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthGRPC, "grpc", false, "check the gRPC health service at server.grpc_addr instead of HTTP")
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var body string
	if err := client.do(ctx, "GET", "/health", nil, &body); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if err := client.do(ctx, "GET", "/health/ready", nil, &body); err != nil {
		return fmt.Errorf("not ready: %w", err)
	}

	color.Green("healthy")
	fmt.Println(body)
	return nil
}

func runGRPCHealth(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath(configFlag))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is not configured")
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.GRPCAddr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.HealthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}

	color.Green("healthy")
	return nil
}
