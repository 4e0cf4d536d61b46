package notary

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
)

// ErrOwnerNotSigned is returned by OwnershipVerifier.
var ErrOwnerNotSigned = errors.New("owner of consumed state has not signed")

// ContractVerifier checks a transaction's contract rules against the
// states it consumes and reads.
type ContractVerifier interface {
	Verify(t *tx.Transaction, inputs, references []*tx.Output) error
}

// VerifierFunc adapts a function to ContractVerifier.
type VerifierFunc func(t *tx.Transaction, inputs, references []*tx.Output) error

// Verify calls f.
func (f VerifierFunc) Verify(t *tx.Transaction, inputs, references []*tx.Output) error {
	return f(t, inputs, references)
}

// OwnershipVerifier requires the owner of every consumed state to have
// signed the transaction.
type OwnershipVerifier struct{}

// Verify implements ContractVerifier.
func (OwnershipVerifier) Verify(t *tx.Transaction, inputs, _ []*tx.Output) error {
	for i, in := range inputs {
		if !t.SignedBy(in.Owner) {
			return fmt.Errorf("input %d (%s): %w", i, t.Inputs[i], ErrOwnerNotSigned)
		}
	}
	return nil
}
