package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrMalformedRequest marks requests rejected before they reach the
// uniqueness provider.
var ErrMalformedRequest = errors.New("malformed sign request")

// requestTag domain-separates request signatures from tx signatures.
const requestTag = "klingnet/notary-request/v1"

// SignRequest asks a notary to sign Tx. Dependencies carries the producing
// transactions of Tx's inputs and references for validating notaries, and
// DependencySignatures the notary signatures the requester holds for them.
type SignRequest struct {
	Tx                   *tx.Transaction                         `json:"tx"`
	Dependencies         []*tx.Transaction                       `json:"dependencies,omitempty"`
	DependencySignatures map[types.Hash]*crypto.DigitalSignature `json:"dependency_signatures,omitempty"`
	Requester            types.Party                             `json:"requester"`
	RequestSignature     types.HexBytes                          `json:"request_signature"`
}

// RequestHash is the digest a requester signs to authorise notarisation.
func RequestHash(txID types.Hash, requester types.Party) types.Hash {
	return crypto.TaggedHash(requestTag, txID[:], requester.PubKey, []byte(requester.Name))
}

// NewSignRequest builds and signs a request for t on behalf of name.
func NewSignRequest(t *tx.Transaction, deps []*tx.Transaction, name string, signer crypto.Signer) (*SignRequest, error) {
	req := &SignRequest{
		Tx:           t,
		Dependencies: deps,
		Requester:    types.Party{Name: name, PubKey: signer.PublicKey()},
	}
	h := RequestHash(t.ID(), req.Requester)
	sig, err := signer.Sign(h[:])
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.RequestSignature = sig
	return req, nil
}

// Validate checks that the request is well formed. Failures wrap
// ErrMalformedRequest.
func (r *SignRequest) Validate() error {
	if r == nil || r.Tx == nil {
		return fmt.Errorf("%w: missing transaction", ErrMalformedRequest)
	}
	if r.Requester.Name == "" {
		return fmt.Errorf("%w: missing requester name", ErrMalformedRequest)
	}
	if err := crypto.ValidatePubKey(r.Requester.PubKey); err != nil {
		return fmt.Errorf("%w: requester key: %v", ErrMalformedRequest, err)
	}
	if len(r.RequestSignature) == 0 {
		return fmt.Errorf("%w: missing request signature", ErrMalformedRequest)
	}
	if err := r.Tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	for i, dep := range r.Dependencies {
		if dep == nil {
			return fmt.Errorf("%w: dependency %d is null", ErrMalformedRequest, i)
		}
	}
	for id, sig := range r.DependencySignatures {
		if sig == nil {
			return fmt.Errorf("%w: null signature for dependency %s", ErrMalformedRequest, id)
		}
	}
	return nil
}

// VerifyRequestSignature checks the requester's authorisation.
func (r *SignRequest) VerifyRequestSignature() error {
	h := RequestHash(r.Tx.ID(), r.Requester)
	if !crypto.VerifySignature(h[:], r.RequestSignature, r.Requester.PubKey) {
		return fmt.Errorf("signature by %s does not match request", r.Requester.Name)
	}
	return nil
}

// SignResponse carries either the notary signature over the tx id or a
// structured error.
type SignResponse struct {
	Signature *crypto.DigitalSignature `json:"signature,omitempty"`
	Error     *Error                   `json:"error,omitempty"`
}

// WaitTimeUpdate tells a waiting client how long the notary expects to take.
type WaitTimeUpdate struct {
	EtaMillis int64 `json:"eta_ms"`
}

// Eta returns the estimate as a duration.
func (w WaitTimeUpdate) Eta() time.Duration {
	return time.Duration(w.EtaMillis) * time.Millisecond
}

// NotaryInfo describes a notary service to its clients.
type NotaryInfo struct {
	Party      types.Party `json:"party"`
	Validating bool        `json:"validating"`
	PeerID     string      `json:"peer_id,omitempty"`
}
