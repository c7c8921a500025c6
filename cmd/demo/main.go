package main

// ============================================================================
// Factobox demo
// ============================================================================
//
//   go run ./cmd/demo run        # simulator + coordinator + scripted towers
//   go run ./cmd/demo sim [addr] # simulator only (pair with configs/simulator.yaml)
//
// run mode starts the device simulator on loopback, serves the coordinator
// against it, queues a few towers over gRPC and prints every snapshot until
// the queue drains or Ctrl+C.
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Jmolenaartje/Factobox/internal/cli"
	"github.com/Jmolenaartje/Factobox/internal/devicesim"
	"github.com/Jmolenaartje/Factobox/internal/server"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

var towers = [][]string{
	{"Red", "Green", "Blue"},
	{"Blue", "Blue", "Red"},
	{"Green", "Green", "Red"},
	{"Red", "Red", "Blue"}, // waits for a restock
}

var errDrained = errors.New("queue drained")

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <run|sim> [addr]")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "sim":
		addr := "127.0.0.1:7000"
		if len(os.Args) > 2 {
			addr = os.Args[2]
		}
		if err := runSimulator(ctx, addr); err != nil {
			log.Fatalf("Simulator failed: %v", err)
		}
	case "run":
		if err := runDemo(ctx); err != nil {
			log.Fatalf("Demo failed: %v", err)
		}
	default:
		log.Fatalf("Unknown mode %q", os.Args[1])
	}
}

func newSimulator() *devicesim.Simulator {
	return devicesim.New(devicesim.Config{
		Inventory:      types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3},
		BuildDelay:     500 * time.Millisecond,
		StatusInterval: 2 * time.Second,
	})
}

func runSimulator(ctx context.Context, addr string) error {
	sim := newSimulator()
	if err := sim.Listen(addr); err != nil {
		return err
	}
	defer sim.Close()

	fmt.Printf("✓ Simulator listening on %s (Ctrl+C to exit)\n", sim.Addr())
	<-ctx.Done()
	return nil
}

func runDemo(ctx context.Context) error {
	sim := newSimulator()
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		return err
	}
	defer sim.Close()

	cfg := cli.DefaultConfig()
	cfg.Device.Transport = "tcp"
	cfg.Device.Address = sim.Addr()
	cfg.Device.AckTimeout = 5 * time.Second
	cfg.Device.ReconnectDelay = time.Second
	cfg.Snapshot.Enabled = false
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan cli.Addrs, 1)
	served := make(chan error, 1)
	go func() { served <- cli.Serve(serveCtx, cfg, func(a cli.Addrs) { ready <- a }) }()

	var addrs cli.Addrs
	select {
	case addrs = <-ready:
	case err := <-served:
		return err
	}
	fmt.Printf("✓ Coordinator up: http=%s grpc=%s device=%s\n", addrs.HTTP, addrs.GRPC, sim.Addr())

	conn, err := grpc.NewClient(addrs.GRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	client := server.NewControlClient(conn)

	for _, t := range towers {
		build, err := client.Submit(ctx, t)
		if err != nil {
			return fmt.Errorf("submit %v: %w", t, err)
		}
		fmt.Printf("✓ Queued build #%d %v\n", build.ID, t)
	}
	if _, err := client.Start(ctx); err != nil {
		return err
	}
	fmt.Println("✓ Run gate open")

	restocked := false
	err = client.Watch(ctx, func(snap types.Snapshot) error {
		fmt.Printf("📊 v%d %s queue=%d R=%d G=%d B=%d\n", snap.Version, snap.RunState,
			len(snap.Queue), snap.Inventory[types.Red], snap.Inventory[types.Green], snap.Inventory[types.Blue])

		if len(snap.Queue) == 1 && !restocked && snap.Inventory[types.Red] < 2 {
			fmt.Println("🔧 Head tower is short on Red, restocking the simulator")
			sim.Restock(types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3})
			restocked = true
		}
		if len(snap.Queue) == 0 {
			return errDrained
		}
		return nil
	})
	switch {
	case errors.Is(err, errDrained):
		fmt.Println("✓ All towers processed")
	case ctx.Err() != nil:
		fmt.Println("\nReceived shutdown signal, stopping gracefully...")
	case err != nil:
		return err
	}

	cancel()
	if err := <-served; err != nil {
		return err
	}
	fmt.Println("✓ Coordinator stopped")
	return nil
}
