package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/Doctor0Evil/Cybulous/pkg/versioning"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "consent":
		return runConsentCmd(args[2:], stdout, stderr)
	case "tools":
		return runToolsCmd(args[2:], stdout, stderr)
	case "ledger":
		return runLedgerCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "cybulous %s (ledger protocol %s)\n", versioning.Version, versioning.ProtocolVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

var (
	headline = color.New(color.Bold, color.FgBlue)
	section  = color.New(color.Bold, color.FgCyan)
	command  = color.New(color.FgGreen)
	muted    = color.New(color.FgHiBlack)
	success  = color.New(color.FgGreen)
	failure  = color.New(color.FgRed)
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = headline.Fprintf(w, "Cybulous %s\n", versioning.Version)
	_, _ = muted.Fprintln(w, "Consent-gated tool orchestration.")
	_, _ = fmt.Fprintln(w, "")
	_, _ = section.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  cybulous <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP API (--config)")

	printSection(w, "CONSENT")
	printCommand(w, "consent", "request|verify|revoke <user> [--proof]")
	printCommand(w, "ledger", "verify|export|inspect REF: audit the consent hash chain")

	printSection(w, "TOOLS")
	printCommand(w, "tools", "List configured tools")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = section.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprint(w, "  ")
	_, _ = command.Fprintf(w, "%-10s", name)
	_, _ = fmt.Fprintf(w, " %s\n", desc)
}
