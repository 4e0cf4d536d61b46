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

// Policy decides what a notary checks beyond uniqueness.
type Policy interface {
	// BeforeCommit runs after the request passed the service's own checks
	// and before the provider sees it. A non-nil error rejects the request.
	BeforeCommit(ctx context.Context, req *protocol.SignRequest) *protocol.Error
	// AfterCommit runs once the transaction has been committed and signed.
	AfterCommit(ctx context.Context, t *tx.Transaction, sig *crypto.DigitalSignature)
	// Validating reports whether the notary needs to see dependencies.
	Validating() bool
}

// NonValidating only checks uniqueness. It sees nothing of the
// transaction beyond its states, time window and notary.
type NonValidating struct{}

func (NonValidating) BeforeCommit(context.Context, *protocol.SignRequest) *protocol.Error {
	return nil
}

func (NonValidating) AfterCommit(context.Context, *tx.Transaction, *crypto.DigitalSignature) {}

func (NonValidating) Validating() bool { return false }

// ErrUnnotarisedDependency is returned for a dependency that consumes
// states but carries no proof that its notary committed it.
var ErrUnnotarisedDependency = errors.New("dependency has not been notarised")

// ConsumerLookup reports which transaction a notary committed as the
// consumer of a state. commitlog.Log implements it.
type ConsumerLookup interface {
	ConsumingTx(ctx context.Context, ref types.StateRef) (types.Hash, bool, error)
}

// ValidatingOption configures a Validating policy.
type ValidatingOption func(*Validating)

// WithConsumerLookup lets the policy accept dependencies this notary
// committed without a stored signature, such as ones it notarised before
// it kept a vault.
func WithConsumerLookup(l ConsumerLookup) ValidatingOption {
	return func(p *Validating) { p.consumers = l }
}

// Validating resolves and verifies the full dependency chain, required
// signatures and contract rules before committing.
type Validating struct {
	vault     *vault.Vault
	verifier  ContractVerifier
	notaryKey []byte
	consumers ConsumerLookup
}

// NewValidating creates a validating policy for the notary with notaryKey.
// A nil verifier defaults to OwnershipVerifier.
func NewValidating(v *vault.Vault, verifier ContractVerifier, notaryKey []byte, opts ...ValidatingOption) *Validating {
	if verifier == nil {
		verifier = OwnershipVerifier{}
	}
	p := &Validating{vault: v, verifier: verifier, notaryKey: notaryKey}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Validating) Validating() bool { return true }

// BeforeCommit implements Policy. Every transaction in the dependency
// chain is held to the same rules as the request itself, and each one that
// consumes states must have been committed by its notary.
func (p *Validating) BeforeCommit(ctx context.Context, req *protocol.SignRequest) *protocol.Error {
	t := req.Tx
	txID := t.ID()

	for i, dep := range req.Dependencies {
		if err := dep.Validate(); err != nil {
			return protocol.TransactionInvalid(txID, fmt.Errorf("dependency %d: %w", i, err))
		}
		if err := dep.VerifySignatures(); err != nil {
			return protocol.TransactionInvalid(txID, fmt.Errorf("dependency %s: %w", dep.ID(), err))
		}
	}
	if err := p.vault.PutAll(req.Dependencies); err != nil {
		klog.Notary.Error().Err(err).Str("tx", txID.String()).Msg("Failed to store dependencies")
		return protocol.General(errors.New("failed to store dependencies"))
	}

	chain, err := p.vault.Chain(t)
	if err != nil {
		return protocol.TransactionInvalid(txID, err)
	}
	for _, parent := range chain {
		parentID := parent.ID()
		if err := p.verify(parent); err != nil {
			return protocol.TransactionInvalid(txID, fmt.Errorf("dependency %s: %w", parentID, err))
		}
		if err := p.checkNotarised(ctx, parent, req.DependencySignatures[parentID]); err != nil {
			return protocol.TransactionInvalid(txID, fmt.Errorf("dependency %s: %w", parentID, err))
		}
	}

	if err := t.VerifySignatures(); err != nil {
		return protocol.TransactionInvalid(txID, err)
	}
	if missing := t.MissingSignatures(p.notaryKey); len(missing) > 0 {
		return protocol.SignaturesMissing(txID, missing)
	}
	if err := p.verifyContract(t); err != nil {
		return protocol.TransactionInvalid(txID, err)
	}
	return nil
}

// verify checks a dependency's signatures and contract rules. Its notary
// is the only signer allowed to be absent.
func (p *Validating) verify(t *tx.Transaction) error {
	if err := t.VerifySignatures(); err != nil {
		return err
	}
	var exclude [][]byte
	if t.Notary != nil {
		exclude = append(exclude, t.Notary.PubKey)
	}
	if missing := t.MissingSignatures(exclude...); len(missing) > 0 {
		return fmt.Errorf("missing signature from %s", missing[0])
	}
	return p.verifyContract(t)
}

// verifyContract resolves t's states, checks that every input is assigned
// to t's notary and runs the contract verifier.
func (p *Validating) verifyContract(t *tx.Transaction) error {
	inputs, err := p.resolve(t.Inputs)
	if err != nil {
		return err
	}
	references, err := p.resolve(t.References)
	if err != nil {
		return err
	}
	for _, in := range t.Inputs {
		notary, err := p.vault.NotaryOf(in)
		if err != nil {
			return err
		}
		if !notary.Equal(t.Notary) {
			return fmt.Errorf("input %s: %w", in, ErrWrongNotary)
		}
	}
	return p.verifier.Verify(t, inputs, references)
}

// checkNotarised accepts a dependency that consumes states only with a
// valid signature of its notary, supplied or already held, or a commit
// log record showing this notary committed it. Supplied signatures are
// kept once verified.
func (p *Validating) checkNotarised(ctx context.Context, t *tx.Transaction, supplied *crypto.DigitalSignature) error {
	if len(t.Inputs) == 0 {
		return nil
	}
	if t.Notary == nil {
		return ErrNoNotary
	}
	id := t.ID()
	valid := func(sig *crypto.DigitalSignature) bool {
		return sig != nil && bytes.Equal(sig.By, t.Notary.PubKey) && sig.Verify(id)
	}

	if valid(supplied) {
		if err := p.vault.PutNotarySignature(id, supplied); err != nil {
			klog.Notary.Warn().Err(err).Str("tx", id.String()).Msg("Failed to store dependency signature")
		}
		return nil
	}
	held, err := p.vault.NotarySignature(id)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	if valid(held) {
		return nil
	}
	if p.consumers != nil && bytes.Equal(t.Notary.PubKey, p.notaryKey) {
		consumer, ok, err := p.consumers.ConsumingTx(ctx, t.Inputs[0])
		if err != nil {
			return err
		}
		if ok && consumer == id {
			return nil
		}
	}
	return ErrUnnotarisedDependency
}

func (p *Validating) resolve(refs []types.StateRef) ([]*tx.Output, error) {
	outs := make([]*tx.Output, len(refs))
	for i, ref := range refs {
		out, err := p.vault.Output(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		outs[i] = out
	}
	return outs, nil
}

// AfterCommit stores the notarised transaction and its signature so later
// requests that spend its outputs can be resolved.
func (p *Validating) AfterCommit(_ context.Context, t *tx.Transaction, sig *crypto.DigitalSignature) {
	id := t.ID()
	if err := p.vault.Put(t); err != nil {
		klog.Notary.Warn().Err(err).Str("tx", id.String()).Msg("Failed to store notarised transaction")
		return
	}
	if err := p.vault.PutNotarySignature(id, sig); err != nil {
		klog.Notary.Warn().Err(err).Str("tx", id.String()).Msg("Failed to store notary signature")
	}
}
