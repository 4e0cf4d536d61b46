package tx

import (
	"bytes"
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{Version: 1}}
}

// AddInput adds a state to consume.
func (b *Builder) AddInput(ref types.StateRef) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, ref)
	return b
}

// AddReference adds a state that is read but not consumed.
func (b *Builder) AddReference(ref types.StateRef) *Builder {
	b.tx.References = append(b.tx.References, ref)
	return b
}

// AddOutput adds a new state owned by owner.
func (b *Builder) AddOutput(owner []byte, contract string, data []byte) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Owner: owner, Contract: contract, Data: data})
	return b
}

// SetNotary names the notary that must sign the transaction.
func (b *Builder) SetNotary(notary *types.Party) *Builder {
	b.tx.Notary = notary
	return b
}

// SetTimeWindow sets the validity interval.
func (b *Builder) SetTimeWindow(w *types.TimeWindow) *Builder {
	b.tx.TimeWindow = w
	return b
}

// SetNonce sets the nonce; it distinguishes otherwise identical issuances.
func (b *Builder) SetNonce(n uint64) *Builder {
	b.tx.Nonce = n
	return b
}

// AddSigner adds a required signing key. Signers are part of the id, so
// they must all be added before Sign is called.
func (b *Builder) AddSigner(pubKey []byte) *Builder {
	for _, s := range b.tx.Signers {
		if bytes.Equal(s, pubKey) {
			return b
		}
	}
	b.tx.Signers = append(b.tx.Signers, pubKey)
	return b
}

// Sign attaches a signature over the transaction id.
func (b *Builder) Sign(signer crypto.Signer) error {
	sig, err := crypto.SignHash(signer, b.tx.ID())
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signatures = append(b.tx.Signatures, *sig)
	return nil
}

// Build returns the constructed transaction.
func (b *Builder) Build() *Transaction {
	return b.tx
}
