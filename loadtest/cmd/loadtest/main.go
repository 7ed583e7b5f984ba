// Package main is the entry point for the messenger load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: connection saturation test
//   - message:  message delivery round-trip test
//
// Both commands read device credentials from a CSV file, one
// "token,device_token" pair per line, provisioned ahead of time.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "message":
		runMessage(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle authenticated connections")
	fmt.Println("  message     Delivery round-trip test — paired devices exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// credential is one provisioned device login.
type credential struct {
	Token       string
	DeviceToken string
}

// loadCredentials reads "token,device_token" lines from path. Blank lines
// and lines starting with '#' are skipped.
func loadCredentials(path string) ([]credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []credential
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed credential line: %q", line)
		}
		creds = append(creds, credential{
			Token:       strings.TrimSpace(parts[0]),
			DeviceToken: strings.TrimSpace(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials in %s", path)
	}
	return creds, nil
}
