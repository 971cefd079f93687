package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"
)

// runHealth queries a running server's /healthz endpoint.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "health: malformed response: %v\n", err)
		return 1
	}

	pretty, _ := json.MarshalIndent(body, "", "  ")
	fmt.Fprintln(stdout, string(pretty))

	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		return 1
	}
	return 0
}
