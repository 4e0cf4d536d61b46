package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-notary/internal/rpc"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ── info ────────────────────────────────────────────────────────────────

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the notary served by the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := opts.client().NotaryInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("notary_getInfo: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Notary:     %s\n", info.Party.Name)
			fmt.Fprintf(out, "PubKey:     %x\n", []byte(info.Party.PubKey))
			fmt.Fprintf(out, "Validating: %t\n", info.Validating)
			if info.PeerID != "" {
				fmt.Fprintf(out, "Peer ID:    %s\n", info.PeerID)
			}
			return nil
		},
	}
}

// ── eta ─────────────────────────────────────────────────────────────────

func newEtaCommand(opts *rootOptions) *cobra.Command {
	var states int
	cmd := &cobra.Command{
		Use:   "eta",
		Short: "Estimate the wait for a request with the given number of states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eta, err := opts.client().Eta(cmd.Context(), states)
			if err != nil {
				return fmt.Errorf("notary_getEta: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ETA for %d state(s): %s\n", states, eta)
			return nil
		},
	}
	cmd.Flags().IntVar(&states, "states", 1, "number of input and reference states")
	return cmd
}

// ── consumer ────────────────────────────────────────────────────────────

func newConsumerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer <txid:index>",
		Short: "Show whether a state has been consumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := types.ParseStateRef(args[0])
			if err != nil {
				return err
			}
			res, err := opts.client().Consumer(cmd.Context(), ref)
			if err != nil {
				return fmt.Errorf("notary_getConsumer: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:    %s\n", res.StateRef)
			if !res.Consumed {
				fmt.Fprintf(out, "Consumed: no\n")
				return nil
			}
			fmt.Fprintf(out, "Consumed: yes\n")
			fmt.Fprintf(out, "  By (hash of tx id): %s\n", res.ConsumedByHash)
			return nil
		},
	}
}

// ── notaries ────────────────────────────────────────────────────────────

func newNotariesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notaries",
		Short: "List notaries announced on the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.client().Notaries(cmd.Context())
			if err != nil {
				return fmt.Errorf("notary_listNotaries: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Notaries: %d\n", len(entries))
			for _, e := range entries {
				kind := "non-validating"
				if e.Validating {
					kind = "validating"
				}
				fmt.Fprintf(out, "  %-16s %-14s eta=%dms peer=%s (seen %s)\n",
					e.Party.Name, kind, e.EtaMillis, e.PeerID, e.LastSeen)
			}
			return nil
		},
	}
}

// ── peers ───────────────────────────────────────────────────────────────

func newPeersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Show node identity, connected peers and bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()

			var node rpc.NodeInfoResult
			if err := client.CallContext(cmd.Context(), "net_getNodeInfo", nil, &node); err != nil {
				return fmt.Errorf("net_getNodeInfo: %w", err)
			}
			fmt.Fprintf(out, "Node ID: %s\n", node.ID)
			for _, a := range node.Addrs {
				fmt.Fprintf(out, "  Listen: %s\n", a)
			}

			var peers rpc.PeerInfoResult
			if err := client.CallContext(cmd.Context(), "net_getPeerInfo", nil, &peers); err != nil {
				return fmt.Errorf("net_getPeerInfo: %w", err)
			}
			fmt.Fprintf(out, "Peers:   %d\n", peers.Count)
			for _, p := range peers.Peers {
				fmt.Fprintf(out, "  %s (%s, connected: %s)\n", p.ID, p.Source, p.ConnectedAt)
			}

			var bans rpc.BanListResult
			if err := client.CallContext(cmd.Context(), "net_getBanList", nil, &bans); err != nil {
				return fmt.Errorf("net_getBanList: %w", err)
			}
			fmt.Fprintf(out, "Bans:    %d\n", bans.Count)
			for _, b := range bans.Bans {
				expires := "never"
				if b.ExpiresAt > 0 {
					expires = strconv.FormatInt(b.ExpiresAt, 10)
				}
				fmt.Fprintf(out, "  %s score=%d expires=%s (%s)\n", b.ID, b.Score, expires, b.Reason)
			}
			return nil
		},
	}
}

// ── tx ──────────────────────────────────────────────────────────────────

func newTxCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tx <txid>",
		Short: "Show a transaction held in the node's vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.HexToHash(args[0])
			if err != nil {
				return err
			}
			res, err := opts.client().GetTransaction(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("vault_getTransaction: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
