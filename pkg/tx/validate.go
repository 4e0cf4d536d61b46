package tx

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Validation errors.
var (
	ErrEmpty              = errors.New("transaction has no inputs and no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrReferenceIsInput   = errors.New("reference is also an input")
	ErrMissingNotary      = errors.New("transaction needs a notary")
	ErrInvalidNotary      = errors.New("invalid notary identity")
	ErrInvalidOwner       = errors.New("invalid output owner")
	ErrInvalidSigner      = errors.New("invalid signer key")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyReferences  = errors.New("too many references")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrDataTooLarge       = errors.New("output data too large")
)

// Validate checks transaction structure. It does not resolve inputs.
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return ErrEmpty
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.References) > config.MaxTxReferences {
		return fmt.Errorf("%w: %d references, max %d", ErrTooManyReferences, len(tx.References), config.MaxTxReferences)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	seen := make(map[types.StateRef]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in] = true
	}
	refs := make(map[types.StateRef]bool, len(tx.References))
	for i, ref := range tx.References {
		if seen[ref] {
			return fmt.Errorf("reference %d: %w", i, ErrReferenceIsInput)
		}
		if refs[ref] {
			return fmt.Errorf("reference %d: %w", i, ErrDuplicateReference)
		}
		refs[ref] = true
	}

	if tx.NeedsNotary() && tx.Notary == nil {
		return ErrMissingNotary
	}
	if tx.Notary != nil {
		if tx.Notary.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidNotary)
		}
		if err := crypto.ValidatePubKey(tx.Notary.PubKey); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidNotary, err)
		}
	}
	if err := tx.TimeWindow.Validate(); err != nil {
		return err
	}

	for i, out := range tx.Outputs {
		if err := crypto.ValidatePubKey(out.Owner); err != nil {
			return fmt.Errorf("output %d: %w: %v", i, ErrInvalidOwner, err)
		}
		if len(out.Data) > config.MaxOutputData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrDataTooLarge, len(out.Data), config.MaxOutputData)
		}
	}
	for i, s := range tx.Signers {
		if err := crypto.ValidatePubKey(s); err != nil {
			return fmt.Errorf("signer %d: %w: %v", i, ErrInvalidSigner, err)
		}
	}
	return nil
}

// VerifySignatures checks that every attached signature is valid for the id.
func (tx *Transaction) VerifySignatures() error {
	id := tx.ID()
	for i := range tx.Signatures {
		if !tx.Signatures[i].Verify(id) {
			return fmt.Errorf("signature %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}

// MissingSignatures returns the key ids of required signers without a valid
// signature. Keys listed in exclude are not required (a notary never signs
// before it has committed).
func (tx *Transaction) MissingSignatures(exclude ...[]byte) []types.KeyID {
	id := tx.ID()
	var missing []types.KeyID
	for _, signer := range tx.Signers {
		if containsKey(exclude, signer) {
			continue
		}
		if !tx.signedBy(id, signer) {
			missing = append(missing, crypto.KeyIDFromPubKey(signer))
		}
	}
	return missing
}

// SignedBy reports whether pubKey produced a valid signature over the id.
func (tx *Transaction) SignedBy(pubKey []byte) bool {
	return tx.signedBy(tx.ID(), pubKey)
}

func (tx *Transaction) signedBy(id types.Hash, pubKey []byte) bool {
	for i := range tx.Signatures {
		if bytes.Equal(tx.Signatures[i].By, pubKey) && tx.Signatures[i].Verify(id) {
			return true
		}
	}
	return false
}

func containsKey(keys [][]byte, k []byte) bool {
	for _, c := range keys {
		if bytes.Equal(c, k) {
			return true
		}
	}
	return false
}
