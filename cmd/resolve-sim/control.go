package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/resolve-sim/internal/api"
)

var (
	serverAddr  string
	callTimeout time.Duration
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverAddr, "addr", "localhost:50051", "Address of a running live simulator")
	cmd.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "Call timeout")
}

func withClient(fn func(ctx context.Context, c *api.ControlClient) (any, error)) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	resp, err := fn(ctx, api.NewControlClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func newActivateCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "activate <kind>",
		Short: "Activate a scenario on a running live simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.ControlClient) (any, error) {
				return c.Activate(ctx, args[0], origin)
			})
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "Origin service (defaults to the catalog origin)")
	addClientFlags(cmd)
	return cmd
}

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Begin remediation of the active scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.ControlClient) (any, error) {
				return c.Recover(ctx)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a live simulator at the next step boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.ControlClient) (any, error) {
				return c.Stop(ctx)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the clock and scenario state of a live simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.ControlClient) (any, error) {
				return c.Status(ctx)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}
