// Package notary implements the notarisation protocol: a Client that
// assembles and sends signed requests, and a Service that checks them,
// applies its validation policy and commits them through the uniqueness
// provider.
package notary

import (
	"errors"

	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
)

// Client-side errors.
var (
	ErrNoNotary               = errors.New("transaction names no notary")
	ErrUnknownInput           = errors.New("input state not found in vault")
	ErrWrongNotary            = errors.New("input state is assigned to a different notary")
	ErrNotaryMismatch         = errors.New("transport reaches a different notary than the transaction names")
	ErrInvalidNotarySignature = errors.New("invalid notary signature")
	ErrInvalidConflictProof   = errors.New("invalid conflict proof")
)

// ErrIdentityMismatch is returned by NewService when the signing key does
// not belong to the notary identity.
var ErrIdentityMismatch = errors.New("signing key does not match notary identity")

// NotaryException is returned by Client.Notarise when the notary rejects
// the transaction.
type NotaryException struct {
	Err *protocol.Error
}

func (e *NotaryException) Error() string {
	return "notarisation failed: " + e.Err.Error()
}

// Unwrap exposes the notary error to errors.As.
func (e *NotaryException) Unwrap() error {
	return e.Err
}

// Kind returns the kind of the notary error.
func (e *NotaryException) Kind() protocol.ErrorKind {
	return e.Err.Kind
}
