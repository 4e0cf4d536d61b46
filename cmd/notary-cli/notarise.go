package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

func newNotariseCommand(opts *rootOptions) *cobra.Command {
	var (
		keyName  string
		txFile   string
		depFiles []string
		name     string
	)
	cmd := &cobra.Command{
		Use:   "notarise",
		Short: "Sign a transaction and ask its notary to notarise it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			password, err := readPassword(fmt.Sprintf("Password for %q: ", keyName))
			if err != nil {
				return err
			}
			id, err := ks.Unlock(keyName, password)
			clear(password)
			if err != nil {
				return err
			}
			defer id.Key.Zero()
			if name == "" {
				name = id.Party.Name
			}

			t, err := readTx(txFile)
			if err != nil {
				return err
			}
			if t.Notary == nil {
				return notary.ErrNoNotary
			}
			txID := t.ID()
			if containsKey(t.Signers, id.Party.PubKey) && !t.SignedBy(id.Party.PubKey) {
				sig, err := crypto.SignHash(id.Key, txID)
				if err != nil {
					return err
				}
				t.Signatures = append(t.Signatures, *sig)
			}

			ctx := cmd.Context()
			client := opts.client()
			v := vault.New(storage.NewMemory())
			for _, f := range depFiles {
				dep, err := readTx(f)
				if err != nil {
					return err
				}
				if err := v.Put(dep); err != nil {
					return err
				}
			}
			if err := fetchParents(ctx, client, v, t); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			transport := rpcclient.NewTransport(client).Via(t.Notary)
			nc := notary.NewClient(v, transport, name, id.Key, notary.WithWaitHandler(func(eta time.Duration) {
				fmt.Fprintf(out, "Notary busy, estimated wait %s\n", eta.Round(time.Millisecond))
			}))

			fmt.Fprintf(out, "Notarising %s with %s\n", txID, t.Notary.Name)
			sig, err := nc.Notarise(ctx, t)
			var nerr *notary.NotaryException
			if errors.As(err, &nerr) {
				printRejection(out, nerr)
				return fmt.Errorf("rejected: %s", nerr.Kind())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Notarised.\n")
			fmt.Fprintf(out, "  Signed by: %x\n", []byte(sig.By))
			fmt.Fprintf(out, "  Signature: %x\n", []byte(sig.Bytes))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyName, "key", "", "keystore key that signs the request")
	cmd.Flags().StringVar(&txFile, "tx", "", "transaction JSON file")
	cmd.Flags().StringSliceVar(&depFiles, "deps", nil, "JSON files of dependency transactions")
	cmd.Flags().StringVar(&name, "name", "", "requesting party name (default: the key's party)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

// fetchParents pulls the producing transactions of t's inputs and
// references from the node, recursively, skipping those already held.
// Missing ones are left for Notarise to report.
func fetchParents(ctx context.Context, c *rpcclient.Client, v *vault.Vault, t *tx.Transaction) error {
	queue := refsOf(t)
	seen := make(map[types.Hash]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		if ok, err := v.Has(id); err != nil {
			return err
		} else if ok {
			parent, err := v.Get(id)
			if err != nil {
				return err
			}
			queue = append(queue, refsOf(parent)...)
			continue
		}

		res, err := c.GetTransaction(ctx, id)
		var rpcErr *rpcclient.RPCError
		if errors.As(err, &rpcErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", id, err)
		}
		if res.Transaction == nil || res.Transaction.ID() != id {
			return fmt.Errorf("node returned a different transaction for %s", id)
		}
		if err := v.Put(res.Transaction); err != nil {
			return err
		}
		if res.NotarySignature != nil {
			if err := v.PutNotarySignature(id, res.NotarySignature); err != nil {
				return err
			}
		}
		queue = append(queue, refsOf(res.Transaction)...)
	}
	return nil
}

func refsOf(t *tx.Transaction) []types.Hash {
	ids := make([]types.Hash, 0, len(t.Inputs)+len(t.References))
	for _, r := range t.Inputs {
		ids = append(ids, r.TxID)
	}
	for _, r := range t.References {
		ids = append(ids, r.TxID)
	}
	return ids
}

func containsKey(keys []types.HexBytes, k []byte) bool {
	for _, key := range keys {
		if string(key) == string(k) {
			return true
		}
	}
	return false
}

func printRejection(out io.Writer, e *notary.NotaryException) {
	fmt.Fprintf(out, "Notary rejected the transaction: %s\n", e.Kind())
	if e.Err.Cause != "" {
		fmt.Fprintf(out, "  Cause: %s\n", e.Err.Cause)
	}
	refs := make([]types.StateRef, 0, len(e.Err.Conflicts))
	for ref := range e.Err.Conflicts {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for _, ref := range refs {
		c := e.Err.Conflicts[ref]
		fmt.Fprintf(out, "  Conflict: %s already used as %s by %s\n", ref, c.Type, c.HashOfTxID)
	}
	for _, k := range e.Err.Missing {
		fmt.Fprintf(out, "  Missing signature: %s\n", k)
	}
	if e.Err.TimeWindow != nil && e.Err.Now != nil {
		fmt.Fprintf(out, "  Time window %s does not contain %s\n", e.Err.TimeWindow, e.Err.Now.Format(time.RFC3339))
	}
}

func readTx(path string) (*tx.Transaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &t, nil
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}
