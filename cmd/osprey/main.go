package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "osprey - signed skill routing plane")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  osprey <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the routing plane server (default)")
	fmt.Fprintln(w, "  keygen   Generate a signing key pair (--alg, --out)")
	fmt.Fprintln(w, "  health   Check a running server over HTTP (--addr)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}
