package rpc

import (
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ── Params ──────────────────────────────────────────────────────────────

// SignParam is used by notary_sign.
type SignParam struct {
	Request *protocol.SignRequest `json:"request"`
}

// EtaParam is used by notary_getEta.
type EtaParam struct {
	NumStates int `json:"num_states"`
}

// StateRefParam is used by notary_getConsumer.
type StateRefParam struct {
	StateRef types.StateRef `json:"state_ref"`
}

// TxParam is used by vault_putTransaction.
type TxParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// TxIDParam is used by vault_getTransaction.
type TxIDParam struct {
	TxID types.Hash `json:"tx_id"`
}

// ── Results ─────────────────────────────────────────────────────────────

// SignResult is returned by notary_sign. Exactly one of Signature and
// Error is set.
type SignResult struct {
	Signature *crypto.DigitalSignature `json:"signature,omitempty"`
	Error     *protocol.Error          `json:"error,omitempty"`
	EtaMillis int64                    `json:"eta_ms,omitempty"`      // estimate the notary announced, if any
	RelayedTo string                   `json:"relayed_to,omitempty"` // peer that served a forwarded request
}

// EtaResult is returned by notary_getEta.
type EtaResult struct {
	EtaMillis int64 `json:"eta_ms"`
}

// ConsumerResult is returned by notary_getConsumer. The consuming tx id is
// disclosed only in hashed form, as in conflict reports.
type ConsumerResult struct {
	StateRef       types.StateRef `json:"state_ref"`
	Consumed       bool           `json:"consumed"`
	ConsumedByHash *types.Hash    `json:"consumed_by_hash,omitempty"`
}

// NotaryEntry describes one notary known from adverts.
type NotaryEntry struct {
	Party      types.Party `json:"party"`
	Validating bool        `json:"validating"`
	PeerID     string      `json:"peer_id"`
	EtaMillis  int64       `json:"eta_ms"`
	LastSeen   string      `json:"last_seen"`
}

// NotaryListResult is returned by notary_listNotaries.
type NotaryListResult struct {
	Count    int           `json:"count"`
	Notaries []NotaryEntry `json:"notaries"`
}

// TxIDResult is returned by vault_putTransaction.
type TxIDResult struct {
	TxID types.Hash `json:"tx_id"`
}

// TxResult is returned by vault_getTransaction.
type TxResult struct {
	TxID            types.Hash               `json:"tx_id"`
	Transaction     *tx.Transaction          `json:"transaction"`
	NotarySignature *crypto.DigitalSignature `json:"notary_signature,omitempty"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}
