package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Doctor0Evil/Cybulous/pkg/archive"
)

func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printLedgerUsage(stderr)
		return 2
	}
	sub, rest := args[0], args[1:]

	var ref string
	switch sub {
	case "verify", "export":
	case "inspect":
		if len(rest) < 1 {
			printLedgerUsage(stderr)
			return 2
		}
		ref, rest = rest[0], rest[1:]
	default:
		printLedgerUsage(stderr)
		return 2
	}

	cmd := flag.NewFlagSet("ledger "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config file")
	if err := cmd.Parse(rest); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := cliSession(ctx, *configPath, stderr)
	if err != nil {
		_, _ = failure.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close(ctx) }()

	switch sub {
	case "verify":
		if err := s.ledger.Verify(ctx); err != nil {
			_, _ = failure.Fprintf(stdout, "chain broken: %v\n", err)
			return 1
		}
		_, _ = success.Fprintf(stdout, "chain verified (%s ledger)\n", s.cfg.Ledger)
		return 0

	case "export":
		store, err := s.openArchive(ctx)
		if err != nil {
			_, _ = failure.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		ref, snap, err := archive.Export(ctx, s.ledger, s.cfg.Ledger, store, s.keys, time.Now())
		if err != nil {
			_, _ = failure.Fprintf(stderr, "export failed: %v\n", err)
			return 1
		}
		s.logger.Info("ledger snapshot archived", "ref", ref, "entries", snap.Length, "store", s.cfg.ArchiveStore)
		_, _ = fmt.Fprintln(stdout, ref)
		return 0

	default: // inspect
		store, err := s.openArchive(ctx)
		if err != nil {
			_, _ = failure.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		snap, err := archive.Load(ctx, store, ref, s.keys)
		if err != nil {
			_, _ = failure.Fprintf(stderr, "snapshot rejected: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, snap)
	}
}

func printLedgerUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: cybulous ledger <verify|export|inspect REF> [--config FILE]")
}
