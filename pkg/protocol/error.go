// Package protocol defines the notary's wire messages and its structured
// error taxonomy. Clients, the service and every transport share it.
package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrorKind tags the variant carried by an Error.
type ErrorKind string

const (
	KindConflict                ErrorKind = "conflict"
	KindTimestampInvalid        ErrorKind = "timestamp_invalid"
	KindTransactionInvalid      ErrorKind = "transaction_invalid"
	KindSignaturesMissing       ErrorKind = "signatures_missing"
	KindRequestSignatureInvalid ErrorKind = "request_signature_invalid"
	KindGeneral                 ErrorKind = "general"
)

// ConsumedType says how a conflicting state was used by the consuming tx.
type ConsumedType string

const (
	ConsumedInput     ConsumedType = "input"
	ConsumedReference ConsumedType = "reference"
)

// ConsumedBy identifies the transaction that already spent a state. Only
// the hash of its id is disclosed.
type ConsumedBy struct {
	HashOfTxID types.Hash   `json:"hash_of_tx_id"`
	Type       ConsumedType `json:"type"`
}

// NewConsumedBy hides txID behind its hash.
func NewConsumedBy(txID types.Hash, typ ConsumedType) ConsumedBy {
	return ConsumedBy{HashOfTxID: HashTxID(txID), Type: typ}
}

// HashTxID is the disclosure form of a transaction id in conflict reports.
func HashTxID(txID types.Hash) types.Hash {
	return crypto.Hash(txID[:])
}

// Error is a notary rejection. Kind selects which payload fields are set:
//
//	Conflict                 TxID, Conflicts
//	TimestampInvalid         Now, TimeWindow
//	TransactionInvalid       TxID, Cause
//	SignaturesMissing        TxID, Missing
//	RequestSignatureInvalid  Cause
//	General                  Cause
type Error struct {
	Kind       ErrorKind                     `json:"kind"`
	TxID       *types.Hash                   `json:"tx_id,omitempty"`
	Conflicts  map[types.StateRef]ConsumedBy `json:"conflicts,omitempty"`
	Now        *time.Time                    `json:"now,omitempty"`
	TimeWindow *types.TimeWindow             `json:"time_window,omitempty"`
	Missing    []types.KeyID                 `json:"missing,omitempty"`
	Cause      string                        `json:"cause,omitempty"`
}

// Conflict reports states of txID that another transaction consumed first.
func Conflict(txID types.Hash, conflicts map[types.StateRef]ConsumedBy) *Error {
	return &Error{Kind: KindConflict, TxID: &txID, Conflicts: conflicts}
}

// TimestampInvalid reports that now falls outside the declared window.
func TimestampInvalid(now time.Time, w *types.TimeWindow) *Error {
	n := now.UTC()
	return &Error{Kind: KindTimestampInvalid, Now: &n, TimeWindow: w}
}

// TransactionInvalid reports a failed verification.
func TransactionInvalid(txID types.Hash, cause error) *Error {
	return &Error{Kind: KindTransactionInvalid, TxID: &txID, Cause: errString(cause)}
}

// SignaturesMissing lists required signers that have not signed.
func SignaturesMissing(txID types.Hash, missing []types.KeyID) *Error {
	return &Error{Kind: KindSignaturesMissing, TxID: &txID, Missing: missing}
}

// RequestSignatureInvalid reports that the requester did not authorise the request.
func RequestSignatureInvalid(cause error) *Error {
	return &Error{Kind: KindRequestSignatureInvalid, Cause: errString(cause)}
}

// General reports an infrastructure failure.
func General(cause error) *Error {
	return &Error{Kind: KindGeneral, Cause: errString(cause)}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConflict:
		refs := make([]string, 0, len(e.Conflicts))
		for ref := range e.Conflicts {
			refs = append(refs, ref.String())
		}
		sort.Strings(refs)
		return fmt.Sprintf("notary conflict for tx %s: input states already consumed: %s",
			e.txString(), strings.Join(refs, ", "))
	case KindTimestampInvalid:
		now := "<unknown>"
		if e.Now != nil {
			now = e.Now.Format(time.RFC3339Nano)
		}
		return fmt.Sprintf("notary: current time %s is outside time window %s", now, e.TimeWindow)
	case KindTransactionInvalid:
		return fmt.Sprintf("notary: transaction %s invalid: %s", e.txString(), e.Cause)
	case KindSignaturesMissing:
		ids := make([]string, len(e.Missing))
		for i, k := range e.Missing {
			ids[i] = k.String()
		}
		return fmt.Sprintf("notary: transaction %s missing signatures from %s", e.txString(), strings.Join(ids, ", "))
	case KindRequestSignatureInvalid:
		return "notary: request signature invalid: " + e.Cause
	case KindGeneral:
		return "notary: general error: " + e.Cause
	default:
		return fmt.Sprintf("notary: %s: %s", e.Kind, e.Cause)
	}
}

func (e *Error) txString() string {
	if e.TxID == nil {
		return "<unknown>"
	}
	return e.TxID.String()
}

// Result is the outcome of a commit: success when Err is nil.
type Result struct {
	Err *Error
}

// Success returns a successful result.
func Success() Result {
	return Result{}
}

// Failure returns a failed result carrying err.
func Failure(err *Error) Result {
	return Result{Err: err}
}

// IsSuccess reports whether the commit succeeded.
func (r Result) IsSuccess() bool {
	return r.Err == nil
}
