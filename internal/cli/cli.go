// ============================================================================
// Factobox CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for running the coordinator and for talking to
// a running one over gRPC
//
// Command Structure:
//   factobox                       # Root command
//   ├── run                        # Start the coordinator
//   ├── status [--json]            # Print the current snapshot
//   ├── start                      # Open the run gate
//   ├── stop                       # Close the run gate
//   ├── build <r> <g> <b>          # Queue a tower
//   ├── cancel <id>                # Remove a queued tower
//   └── watch                      # Stream snapshots until interrupted
//
//   --config, -c   config file (run), default configs/default.yaml
//   --server, -s   coordinator gRPC address (client commands)
//
// run Command:
//   1. Load config file and install the logger
//   2. Create and start the Controller (restores the snapshot)
//   3. Serve HTTP (control surface, /ws, /metrics) and gRPC
//   4. On SIGINT/SIGTERM: stop HTTP, stop the controller (final snapshot),
//      then stop gRPC
//
//   Examples:
//     ./factobox run
//     ./factobox run -c custom-config.yaml
//     ./factobox build Red Green Blue
//     ./factobox watch -s factory-pc:50051
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Jmolenaartje/Factobox/internal/controller"
	"github.com/Jmolenaartje/Factobox/internal/metrics"
	"github.com/Jmolenaartje/Factobox/internal/server"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var log = slog.Default()

var (
	configFile string
	serverAddr string
)

const rpcTimeout = 10 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "factobox",
		Short: "Factobox: an inventory-aware build queue for a block-stacking device",
		Long: `Factobox coordinates tower builds on a block-stacking device:
- FIFO build queue with dispatch-time stock reservation
- Reconnecting serial/TCP device link
- WebSocket observers, HTTP and gRPC control
- Snapshot-based restart recovery
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:50051", "coordinator gRPC address")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildBuildCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildWatchCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Factobox coordinator",
		Long:  "Start the coordinator with its HTTP, WebSocket and gRPC surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("Starting Factobox", "config", configFile, "device", cfg.Dialer().String())
			if err := Serve(ctx, cfg, nil); err != nil {
				return err
			}
			log.Info("System stopped. Goodbye!")
			return nil
		},
	}
}

// Addrs are the addresses Serve actually bound.
type Addrs struct {
	HTTP string
	GRPC string // empty when gRPC is disabled
}

// Serve runs the coordinator until ctx ends. ready, if set, is called once
// every listener is bound.
func Serve(ctx context.Context, cfg *Config, ready func(Addrs)) error {
	ctrlConfig, err := cfg.ControllerConfig()
	if err != nil {
		return err
	}

	var (
		collector      *metrics.Collector
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		metricsHandler = collector.Handler()
	}

	ctrl, err := controller.NewController(ctrlConfig, collector)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	httpSrv := &http.Server{
		Handler: server.NewHTTPServer(ctrl, server.HTTPConfig{
			Metrics:        metricsHandler,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.Enabled {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			httpLis.Close()
			ctrl.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcSrv = grpc.NewServer()
		server.RegisterControlServer(grpcSrv, server.NewControlService(ctrl, 0))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, stopping gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "error", err)
		}
		// Stopping the controller closes every observer, which ends Watch
		// streams and lets GracefulStop return.
		ctrl.Stop()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return nil
	})

	if ready != nil {
		addrs := Addrs{HTTP: httpLis.Addr().String()}
		if grpcLis != nil {
			addrs.GRPC = grpcLis.Addr().String()
		}
		ready(addrs)
	}

	return g.Wait()
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the coordinator and runs fn with a bounded context.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(context.Context, *server.ControlClient) error) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, server.NewControlClient(conn))
}

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display inventory, run state and the build queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rpcTimeout, func(ctx context.Context, c *server.ControlClient) error {
				snap, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch status: %w", err)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				printSnapshot(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot as JSON")
	return cmd
}

func buildStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Open the run gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rpcTimeout, func(ctx context.Context, c *server.ControlClient) error {
				state, err := c.Start(ctx)
				if err != nil {
					return fmt.Errorf("failed to start: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run state: %s\n", state)
				return nil
			})
		},
	}
}

func buildStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Close the run gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rpcTimeout, func(ctx context.Context, c *server.ControlClient) error {
				state, err := c.Stop(ctx)
				if err != nil {
					return fmt.Errorf("failed to stop: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run state: %s\n", state)
				return nil
			})
		},
	}
}

func buildBuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "build <block1> <block2> <block3>",
		Short:   "Queue a tower",
		Long:    "Queue a tower of three blocks, bottom first. Blocks are named Red, Green, Blue or R, G, B.",
		Example: "  factobox build Red Green Blue\n  factobox build b b r",
		Args:    cobra.ExactArgs(types.ShapeSize),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := types.ParseResources(args); err != nil {
				return err
			}
			return withClient(cmd, rpcTimeout, func(ctx context.Context, c *server.ControlClient) error {
				build, err := c.Submit(ctx, args)
				if err != nil {
					return fmt.Errorf("failed to submit build: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued build #%d %s\n", build.ID, shape(build.Resources))
				return nil
			})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Remove a queued tower",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			return withClient(cmd, rpcTimeout, func(ctx context.Context, c *server.ControlClient) error {
				build, err := c.Cancel(ctx, types.BuildID(id))
				if err != nil {
					return fmt.Errorf("failed to cancel build %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled build #%d %s\n", build.ID, shape(build.Resources))
				return nil
			})
		},
	}
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream snapshots until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withClient(cmd, 0, func(ctx context.Context, c *server.ControlClient) error {
				err := c.Watch(ctx, func(snap types.Snapshot) error {
					fmt.Fprintln(cmd.OutOrStdout(), summary(snap))
					return nil
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
}

// ============================================================================
// Output
// ============================================================================

func shape(resources []types.ResourceType) string {
	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.String()
	}
	return "[" + strings.Join(names, " ") + "]"
}

func inventoryLine(inv types.Inventory) string {
	parts := make([]string, 0, len(types.AllResources))
	for _, r := range types.AllResources {
		parts = append(parts, fmt.Sprintf("%s=%d", r, inv[r]))
	}
	return strings.Join(parts, " ")
}

// summary is the one-line form used by watch.
func summary(snap types.Snapshot) string {
	link := "down"
	if snap.Device.Connected {
		link = "up"
	}
	return fmt.Sprintf("v%d %s device=%s queue=%d %s",
		snap.Version, snap.RunState, link, len(snap.Queue), inventoryLine(snap.Inventory))
}

func printSnapshot(w io.Writer, snap types.Snapshot) {
	link := "disconnected"
	if snap.Device.Connected {
		link = "connected"
	}

	fmt.Fprintln(w, "Factobox status")
	fmt.Fprintf(w, "  Run state:  %s\n", snap.RunState)
	fmt.Fprintf(w, "  Device:     %s\n", link)
	fmt.Fprintf(w, "  Inventory:  %s\n", inventoryLine(snap.Inventory))
	fmt.Fprintln(w)

	if len(snap.Queue) == 0 {
		fmt.Fprintln(w, "  Queue:      empty")
	} else {
		fmt.Fprintf(w, "  Queue (%d):\n", len(snap.Queue))
		for _, b := range snap.Queue {
			fmt.Fprintf(w, "    #%-5d %-11s %s\n", b.ID, b.Status, shape(b.Resources))
		}
	}

	if len(snap.Recent) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Recent:")
		for _, b := range snap.Recent {
			line := fmt.Sprintf("    #%-5d %-11s %s", b.ID, b.Status, shape(b.Resources))
			if b.Error != "" {
				line += "  (" + b.Error + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
}
