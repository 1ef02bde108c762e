package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

type command struct {
	usage string
	run   func(args []string) error
}

var commands = map[string]command{
	"sync":              {"Run one synchronization pass and print the outcome of every record", runSync},
	"replenish":         {"Top up the local form identifier pool from the allocation service", runReplenish},
	"availability":      {"Print available identifiers per form type", runAvailability},
	"lease":             {"Lease an identifier (the next available one unless -id is given)", runLease},
	"refresh-reference": {"Refetch every configured reference data category", runRefreshReference},
	"fetch-form":        {"Download and cache a form definition for offline use", runFetchForm},
	"watch":             {"Poll the server; sync and replenish on every reconnect", runWatch},
}

var commandOrder = []string{"sync", "replenish", "availability", "lease", "refresh-reference", "fetch-form", "watch"}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	zap.ReplaceGlobals(logger)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		zap.S().Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		zap.S().Fatalf("%s: %v", os.Args[1], err)
	}
	_ = zap.L().Sync()
}

func printUsage() {
	fmt.Println("Usage: formsync <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	for _, name := range commandOrder {
		fmt.Printf("  %-18s %s\n", name, commands[name].usage)
	}
}
