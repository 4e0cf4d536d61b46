// Klingnet notary daemon.
//
// Usage:
//
//	notaryd [--validating --storage=sqlite ...]  Run the notary
//	notaryd --help                               Show help
//
// The notary key password is read from KLINGNOTARY_KEY_PASSWORD, or
// prompted for when stdin is a terminal.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/node"
)

const passwordEnv = "KLINGNOTARY_KEY_PASSWORD"

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	password, err := keyPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, password)
	clear(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func keyPassword() ([]byte, error) {
	if pw, ok := os.LookupEnv(passwordEnv); ok {
		os.Unsetenv(passwordEnv)
		return []byte(pw), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, errors.New("no terminal for the key password; set " + passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Notary key password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}
