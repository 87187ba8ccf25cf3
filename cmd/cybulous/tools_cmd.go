package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

func runToolsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tools", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := cliSession(ctx, *configPath, stderr)
	if err != nil {
		_, _ = failure.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close(ctx) }()

	for _, name := range s.orchestrator.ListTools() {
		_, _ = fmt.Fprintln(stdout, name)
	}
	return 0
}

