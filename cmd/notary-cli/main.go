// notary-cli is a command-line client for notaryd: key management,
// queries, and notarising transactions over JSON-RPC.
package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/keystore"
	"github.com/Klingon-tech/klingnet-notary/internal/rpcclient"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	rpcURL  string
	dataDir string
	network string
	timeout time.Duration
}

func (o *rootOptions) config() *config.Config {
	cfg := config.Default(config.NetworkType(o.network))
	cfg.DataDir = o.dataDir
	return cfg
}

func (o *rootOptions) client() *rpcclient.Client {
	url := o.rpcURL
	if url == "" {
		rpc := o.config().RPC
		url = fmt.Sprintf("http://%s:%d", rpc.Addr, rpc.Port)
	}
	return rpcclient.NewWithTimeout(url, o.timeout)
}

func (o *rootOptions) keystore() (*keystore.Keystore, error) {
	return keystore.New(o.config().KeystoreDir())
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "notary-cli",
		Short:         "Command-line client for the Klingnet notary",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch config.NetworkType(opts.network) {
			case config.Mainnet, config.Testnet:
				return nil
			default:
				return fmt.Errorf("invalid network %q: must be mainnet or testnet", opts.network)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.rpcURL, "rpc", "", "RPC endpoint (default: the network's local notaryd)")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "datadir", config.DefaultDataDir(), "data directory")
	cmd.PersistentFlags().StringVar(&opts.network, "network", string(config.Mainnet), "mainnet or testnet")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "RPC timeout")

	cmd.AddCommand(newKeygenCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newInfoCommand(opts))
	cmd.AddCommand(newEtaCommand(opts))
	cmd.AddCommand(newConsumerCommand(opts))
	cmd.AddCommand(newNotariesCommand(opts))
	cmd.AddCommand(newPeersCommand(opts))
	cmd.AddCommand(newTxCommand(opts))
	cmd.AddCommand(newNotariseCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}
