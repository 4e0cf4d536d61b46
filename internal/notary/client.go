package notary

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Client obtains notary signatures for transactions held in a vault.
type Client struct {
	vault     *vault.Vault
	transport Transport
	name      string
	signer    crypto.Signer
	onWait    WaitFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithWaitHandler registers fn for the notary's wait estimates.
func WithWaitHandler(fn WaitFunc) ClientOption {
	return func(c *Client) { c.onWait = fn }
}

// NewClient creates a client that signs requests as name with signer.
func NewClient(v *vault.Vault, transport Transport, name string, signer crypto.Signer, opts ...ClientOption) *Client {
	c := &Client{vault: v, transport: transport, name: name, signer: signer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notarise asks the transaction's notary to sign t. On success the
// signature has been checked and t is stored in the vault. A rejection is
// returned as *NotaryException.
func (c *Client) Notarise(ctx context.Context, t *tx.Transaction) (*crypto.DigitalSignature, error) {
	if t.Notary == nil {
		return nil, ErrNoNotary
	}
	for _, in := range t.Inputs {
		notary, err := c.vault.NotaryOf(in)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrNoSuchOutput) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownInput, in)
			}
			return nil, err
		}
		if !notary.Equal(t.Notary) {
			return nil, fmt.Errorf("%w: %s is notarised by %s", ErrWrongNotary, in, notary)
		}
	}

	info, err := c.transport.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("notary info: %w", err)
	}
	if !info.Party.Equal(t.Notary) {
		return nil, fmt.Errorf("%w: %s", ErrNotaryMismatch, &info.Party)
	}

	var deps []*tx.Transaction
	if info.Validating {
		if deps, err = c.vault.Chain(t); err != nil {
			return nil, fmt.Errorf("collect dependencies: %w", err)
		}
	}

	req, err := protocol.NewSignRequest(t, deps, c.name, c.signer)
	if err != nil {
		return nil, err
	}
	if req.DependencySignatures, err = c.dependencySignatures(deps); err != nil {
		return nil, err
	}
	txID := t.ID()
	klog.Notary.Debug().Str("tx", txID.String()).Str("notary", t.Notary.Name).
		Int("dependencies", len(deps)).Msg("Requesting notarisation")

	resp, err := c.transport.Sign(ctx, req, c.onWait)
	if err != nil {
		return nil, fmt.Errorf("notarise %s: %w", txID, err)
	}
	if resp.Error != nil {
		if resp.Error.Kind == protocol.KindConflict {
			if err := checkConflictProof(t, resp.Error); err != nil {
				return nil, err
			}
		}
		return nil, &NotaryException{Err: resp.Error}
	}

	sig := resp.Signature
	if sig == nil || !bytes.Equal(sig.By, t.Notary.PubKey) || !sig.Verify(txID) {
		return nil, ErrInvalidNotarySignature
	}

	if err := c.vault.Put(t); err != nil {
		return nil, err
	}
	if err := c.vault.PutNotarySignature(txID, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// dependencySignatures collects the notary signatures held for deps that
// consume states. A validating notary needs them for dependencies it did
// not commit itself.
func (c *Client) dependencySignatures(deps []*tx.Transaction) (map[types.Hash]*crypto.DigitalSignature, error) {
	var sigs map[types.Hash]*crypto.DigitalSignature
	for _, dep := range deps {
		if len(dep.Inputs) == 0 {
			continue
		}
		id := dep.ID()
		sig, err := c.vault.NotarySignature(id)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if sigs == nil {
			sigs = make(map[types.Hash]*crypto.DigitalSignature)
		}
		sigs[id] = sig
	}
	return sigs, nil
}

// checkConflictProof rejects conflict reports that could not be genuine:
// every conflicting state must be one t uses, and none may be consumed by
// t itself.
func checkConflictProof(t *tx.Transaction, e *protocol.Error) error {
	txID := t.ID()
	if e.TxID == nil || *e.TxID != txID {
		return fmt.Errorf("%w: conflict reported for another transaction", ErrInvalidConflictProof)
	}
	if len(e.Conflicts) == 0 {
		return fmt.Errorf("%w: no conflicting states", ErrInvalidConflictProof)
	}
	used := make(map[types.StateRef]bool, len(t.Inputs)+len(t.References))
	for _, r := range t.Inputs {
		used[r] = true
	}
	for _, r := range t.References {
		used[r] = true
	}
	self := protocol.HashTxID(txID)
	for ref, c := range e.Conflicts {
		if !used[ref] {
			return fmt.Errorf("%w: %s is not used by the transaction", ErrInvalidConflictProof, ref)
		}
		if c.HashOfTxID == self {
			return fmt.Errorf("%w: %s consumed by the transaction itself", ErrInvalidConflictProof, ref)
		}
	}
	return nil
}
