package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-notary/internal/keystore"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
)

func newKeygenCommand(opts *rootOptions) *cobra.Command {
	var (
		name     string
		role     string
		index    uint32
		mnemonic string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a sealed key in the keystore",
		Long: `Create a key from a BIP-39 mnemonic and seal it with a password.

Without --mnemonic a new 24-word mnemonic is generated and printed once;
write it down, it is the only way to recover the key. The notary daemon
loads the key named "notary" by default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := keystore.ParseRole(role)
			if err != nil {
				return err
			}
			fresh := mnemonic == ""
			if fresh {
				if mnemonic, err = keystore.GenerateMnemonic(); err != nil {
					return err
				}
			} else if !keystore.ValidateMnemonic(mnemonic) {
				return keystore.ErrInvalidMnemonic
			}

			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if !bytes.Equal(password, confirm) {
				return errors.New("passwords do not match")
			}

			seed, err := keystore.SeedFromMnemonic(mnemonic, "")
			if err != nil {
				return err
			}
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			party, err := ks.Create(name, seed, r, index, password, keystore.DefaultParams())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if fresh {
				fmt.Fprintf(out, "Mnemonic (write this down):\n\n  %s\n\n", mnemonic)
			}
			fmt.Fprintf(out, "Key created!\n")
			fmt.Fprintf(out, "  Name:   %s\n", party.Name)
			fmt.Fprintf(out, "  Path:   %s\n", keystore.Path(r, index))
			fmt.Fprintf(out, "  PubKey: %x\n", []byte(party.PubKey))
			fmt.Fprintf(out, "  KeyID:  %s\n", crypto.KeyIDFromPubKey(party.PubKey))
			fmt.Fprintf(out, "  File:   %s\n", ks.Path(name))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "notary", "key name")
	cmd.Flags().StringVar(&role, "role", "notary", "derivation role: notary or client")
	cmd.Flags().Uint32Var(&index, "index", 0, "derivation index")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "restore from an existing mnemonic")
	return cmd
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List keys in the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			names, err := ks.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No keys. Create one with: notary-cli keygen")
				return nil
			}
			for _, name := range names {
				party, err := ks.Public(name)
				if err != nil {
					fmt.Fprintf(out, "  %-16s (unreadable: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "  %-16s %s\n", name, crypto.KeyIDFromPubKey(party.PubKey))
			}
			return nil
		},
	}
}
