package types

import (
	"fmt"
	"strconv"
	"strings"
)

// StateRef identifies one output slot of one transaction.
type StateRef struct {
	TxID  Hash   `json:"txid"`
	Index uint32 `json:"index"`
}

// String returns "txid:index" in hex.
func (r StateRef) String() string {
	return fmt.Sprintf("%s:%d", r.TxID.String(), r.Index)
}

// Less orders refs by transaction id, then index.
func (r StateRef) Less(other StateRef) bool {
	if r.TxID != other.TxID {
		return r.TxID.Less(other.TxID)
	}
	return r.Index < other.Index
}

// MarshalText lets StateRef be used as a JSON map key.
func (r StateRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the "txid:index" form.
func (r *StateRef) UnmarshalText(text []byte) error {
	parsed, err := ParseStateRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseStateRef parses "txid:index".
func ParseStateRef(s string) (StateRef, error) {
	txHex, idxStr, ok := strings.Cut(s, ":")
	if !ok {
		return StateRef{}, fmt.Errorf("state ref %q: missing ':'", s)
	}
	txID, err := HexToHash(txHex)
	if err != nil {
		return StateRef{}, fmt.Errorf("state ref %q: %w", s, err)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return StateRef{}, fmt.Errorf("state ref %q: bad index: %w", s, err)
	}
	return StateRef{TxID: txID, Index: uint32(idx)}, nil
}
