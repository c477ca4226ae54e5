package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.2.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. No arguments means serve.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "bundle":
		return runBundleCmd(args[2:], stdout, stderr)
	case "spokes":
		return runSpokesCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "fedhub %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "fedhub - coalition policy hub")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  fedhub <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the hub server (default)")
	fmt.Fprintln(w, "  health    Check a running hub over HTTP")
	fmt.Fprintln(w, "  bundle    Build or publish the policy bundle (build|publish)")
	fmt.Fprintln(w, "  spokes    List registered spokes")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}
