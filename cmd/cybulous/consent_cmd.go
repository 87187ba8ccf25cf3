package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Doctor0Evil/Cybulous/pkg/api"
)

// cliSession builds a stack for one-shot commands. Logs go to stderr.
func cliSession(ctx context.Context, configPath string, stderr io.Writer) (*stack, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return buildStack(ctx, cfg, newLogger(cfg, stderr))
}

func runConsentCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: cybulous consent <request|verify|revoke> <user> [--proof P] [--config FILE]")
		return 2
	}
	sub, userID := args[0], args[1]

	cmd := flag.NewFlagSet("consent "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config file")
	proof := cmd.String("proof", "", "Consent proof (verify only)")
	if err := cmd.Parse(args[2:]); err != nil {
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
	case "request":
		record, err := s.engine.RequestConsent(ctx, userID)
		if err != nil {
			_, _ = failure.Fprintf(stderr, "consent refused: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, api.GrantResponse{Record: record, Proof: s.engine.IssueProof(record)})

	case "verify":
		ok, err := s.engine.VerifyConsent(ctx, userID, *proof)
		if err != nil {
			_, _ = failure.Fprintf(stderr, "verification failed: %v\n", err)
			return 1
		}
		if !ok {
			_, _ = failure.Fprintln(stdout, "invalid")
			return 1
		}
		_, _ = success.Fprintln(stdout, "valid")
		return 0

	case "revoke":
		if err := s.engine.RevokeConsent(ctx, userID); err != nil {
			_, _ = failure.Fprintf(stderr, "revoke failed: %v\n", err)
			return 1
		}
		_, _ = success.Fprintf(stdout, "revoked %s\n", userID)
		return 0
	}

	_, _ = fmt.Fprintf(stderr, "Unknown consent subcommand: %s\n", sub)
	return 2
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = failure.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
