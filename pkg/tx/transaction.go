// Package tx defines the ledger transaction that parties submit to a notary.
package tx

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Transaction consumes Inputs, reads References without consuming them and
// creates Outputs. A transaction with inputs, references or a time window
// must name a notary.
type Transaction struct {
	Version    uint32            `json:"version"`
	Nonce      uint64            `json:"nonce"`
	Inputs     []types.StateRef  `json:"inputs"`
	References []types.StateRef  `json:"references,omitempty"`
	Outputs    []Output          `json:"outputs"`
	Notary     *types.Party      `json:"notary,omitempty"`
	TimeWindow *types.TimeWindow `json:"time_window,omitempty"`
	Signers    []types.HexBytes  `json:"signers,omitempty"`
	Signatures []Signature       `json:"signatures,omitempty"`
}

// Output is a new ledger state owned by a public key.
type Output struct {
	Owner    types.HexBytes `json:"owner"`
	Contract string         `json:"contract"`
	Data     types.HexBytes `json:"data,omitempty"`
}

// Signature is a party's signature over the transaction id.
type Signature = crypto.DigitalSignature

// ID computes the transaction id (BLAKE3 of the signing bytes).
// Signatures are excluded so that signing does not change the id.
func (tx *Transaction) ID() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// OutRef returns the StateRef of output i.
func (tx *Transaction) OutRef(i uint32) types.StateRef {
	return types.StateRef{TxID: tx.ID(), Index: i}
}

// SigningBytes returns the canonical byte representation used for the id.
// Format: version(4) | nonce(8) | inputs | references | outputs | notary |
// time window | signers. Lists are length-prefixed, variable fields too.
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)

	buf = appendRefs(buf, tx.Inputs)
	buf = appendRefs(buf, tx.References)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = appendBytes(buf, out.Owner)
		buf = appendBytes(buf, []byte(out.Contract))
		buf = appendBytes(buf, out.Data)
	}

	if tx.Notary != nil {
		buf = append(buf, 1)
		buf = appendBytes(buf, []byte(tx.Notary.Name))
		buf = appendBytes(buf, tx.Notary.PubKey)
	} else {
		buf = append(buf, 0)
	}

	if w := tx.TimeWindow; w != nil {
		buf = append(buf, 1)
		if w.From != nil {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(w.From.UnixNano()))
		} else {
			buf = append(buf, 0)
		}
		if w.Until != nil {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(w.Until.UnixNano()))
		} else {
			buf = append(buf, 0)
		}
	} else {
		buf = append(buf, 0)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Signers)))
	for _, s := range tx.Signers {
		buf = appendBytes(buf, s)
	}
	return buf
}

func appendRefs(buf []byte, refs []types.StateRef) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(refs)))
	for _, r := range refs {
		buf = append(buf, r.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, r.Index)
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// NeedsNotary reports whether the transaction consumes or reads ledger
// state or declares a time window.
func (tx *Transaction) NeedsNotary() bool {
	return len(tx.Inputs) > 0 || len(tx.References) > 0 || tx.TimeWindow != nil
}
