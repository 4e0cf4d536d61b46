package tx

import (
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// validTx creates a minimal valid signed transaction for testing.
func validTx(t *testing.T) *Transaction {
	t.Helper()
	key := testKey(t)
	b := NewBuilder().
		AddInput(types.StateRef{TxID: types.Hash{0x01}, Index: 0}).
		AddOutput(key.PublicKey(), "cash", []byte("100")).
		SetNotary(testNotary(t)).
		AddSigner(key.PublicKey())
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func TestValidate_Valid(t *testing.T) {
	if err := validTx(t).Validate(); err != nil {
		t.Errorf("valid tx should pass: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	same := types.StateRef{TxID: types.Hash{0x01}}
	other := types.StateRef{TxID: types.Hash{0x02}}
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(tx *Transaction)
		want   error
	}{
		{"empty", func(tx *Transaction) { tx.Inputs, tx.Outputs = nil, nil }, ErrEmpty},
		{"duplicate input", func(tx *Transaction) { tx.Inputs = []types.StateRef{same, same} }, ErrDuplicateInput},
		{"reference is input", func(tx *Transaction) { tx.References = []types.StateRef{same} }, ErrReferenceIsInput},
		{"duplicate reference", func(tx *Transaction) { tx.References = []types.StateRef{other, other} }, ErrDuplicateReference},
		{"missing notary", func(tx *Transaction) { tx.Notary = nil }, ErrMissingNotary},
		{"bad notary key", func(tx *Transaction) { tx.Notary = &types.Party{Name: "n", PubKey: []byte{1}} }, ErrInvalidNotary},
		{"bad owner", func(tx *Transaction) { tx.Outputs[0].Owner = []byte{1, 2} }, ErrInvalidOwner},
		{"bad signer", func(tx *Transaction) { tx.Signers = append(tx.Signers, []byte{9}) }, ErrInvalidSigner},
		{"data too large", func(tx *Transaction) { tx.Outputs[0].Data = make([]byte, 1<<20) }, ErrDataTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx(t)
			tt.mutate(tx)
			if err := tx.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("bad time window", func(t *testing.T) {
		tx := validTx(t)
		tx.TimeWindow = types.Between(now, now)
		if err := tx.Validate(); err == nil {
			t.Error("empty time window should fail")
		}
	})
}

func TestValidate_IssuanceNeedsNoNotary(t *testing.T) {
	key := testKey(t)
	tx := NewBuilder().AddOutput(key.PublicKey(), "cash", nil).Build()
	if err := tx.Validate(); err != nil {
		t.Errorf("issuance without notary should be valid: %v", err)
	}
}

func TestVerifySignatures(t *testing.T) {
	tx := validTx(t)
	if err := tx.VerifySignatures(); err != nil {
		t.Fatalf("VerifySignatures: %v", err)
	}
	tx.Nonce++ // id changes, signature no longer matches
	if err := tx.VerifySignatures(); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("VerifySignatures() = %v, want ErrInvalidSig", err)
	}
}

func TestMissingSignatures(t *testing.T) {
	alice, bob, notary := testKey(t), testKey(t), testKey(t)
	b := NewBuilder().
		AddInput(types.StateRef{TxID: types.Hash{0x01}}).
		AddOutput(bob.PublicKey(), "cash", nil).
		SetNotary(&types.Party{Name: "notary", PubKey: notary.PublicKey()}).
		AddSigner(alice.PublicKey()).
		AddSigner(bob.PublicKey()).
		AddSigner(notary.PublicKey())
	if err := b.Sign(alice); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx := b.Build()

	missing := tx.MissingSignatures(notary.PublicKey())
	if len(missing) != 1 {
		t.Fatalf("missing = %v, want only bob", missing)
	}
	if !tx.SignedBy(alice.PublicKey()) {
		t.Error("alice should have signed")
	}
	if tx.SignedBy(bob.PublicKey()) {
		t.Error("bob should not have signed")
	}

	if err := b.Sign(bob); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if missing := tx.MissingSignatures(notary.PublicKey()); len(missing) != 0 {
		t.Errorf("missing = %v, want none", missing)
	}
	if missing := tx.MissingSignatures(); len(missing) != 1 {
		t.Errorf("without exclusion the notary is missing, got %v", missing)
	}
}
