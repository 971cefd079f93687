package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/osprey/pkg/crypto"
)

// runKeygen generates a key pair for the given algorithm and writes the
// private half to <out> and the public half to <out>.pub.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	algName := fs.String("alg", "EdDSA", "signing algorithm")
	out := fs.String("out", "osprey.key", "output path for the private key")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	alg, err := crypto.ParseAlgorithm(*algName)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	private, public, err := crypto.GenerateKey(alg)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	if err := os.WriteFile(*out, private, 0o600); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out+".pub", public, 0o644); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "wrote %s and %s.pub (%s)\n", *out, *out, alg)
	return 0
}
