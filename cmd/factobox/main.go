package main

// ============================================================================
// Factobox entry point: builds the cobra tree from internal/cli and runs it.
// All behaviour lives in internal/cli.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/Jmolenaartje/Factobox/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

/*
# Build
go build -o bin/factobox ./cmd/factobox

# Run the coordinator, then drive it from another shell
./bin/factobox run -c configs/default.yaml
./bin/factobox build Red Green Blue
./bin/factobox start
./bin/factobox watch
*/
