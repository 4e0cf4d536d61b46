package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-notary/internal/notary"
	"github.com/Klingon-tech/klingnet-notary/internal/rpc"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrEmptyResponse is returned when notary_sign carries neither a
// signature nor an error.
var ErrEmptyResponse = errors.New("notary returned neither signature nor error")

// NotaryInfo calls notary_getInfo.
func (c *Client) NotaryInfo(ctx context.Context) (*protocol.NotaryInfo, error) {
	var info protocol.NotaryInfo
	if err := c.CallContext(ctx, "notary_getInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Eta calls notary_getEta.
func (c *Client) Eta(ctx context.Context, numStates int) (time.Duration, error) {
	var res rpc.EtaResult
	if err := c.CallContext(ctx, "notary_getEta", rpc.EtaParam{NumStates: numStates}, &res); err != nil {
		return 0, err
	}
	return time.Duration(res.EtaMillis) * time.Millisecond, nil
}

// Consumer calls notary_getConsumer.
func (c *Client) Consumer(ctx context.Context, ref types.StateRef) (*rpc.ConsumerResult, error) {
	var res rpc.ConsumerResult
	if err := c.CallContext(ctx, "notary_getConsumer", rpc.StateRefParam{StateRef: ref}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Notaries calls notary_listNotaries.
func (c *Client) Notaries(ctx context.Context) ([]rpc.NotaryEntry, error) {
	var res rpc.NotaryListResult
	if err := c.CallContext(ctx, "notary_listNotaries", nil, &res); err != nil {
		return nil, err
	}
	return res.Notaries, nil
}

// SignRequest calls notary_sign.
func (c *Client) SignRequest(ctx context.Context, req *protocol.SignRequest) (*rpc.SignResult, error) {
	var res rpc.SignResult
	if err := c.CallContext(ctx, "notary_sign", rpc.SignParam{Request: req}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PutTransaction calls vault_putTransaction.
func (c *Client) PutTransaction(ctx context.Context, t *tx.Transaction) (types.Hash, error) {
	var res rpc.TxIDResult
	if err := c.CallContext(ctx, "vault_putTransaction", rpc.TxParam{Transaction: t}, &res); err != nil {
		return types.Hash{}, err
	}
	return res.TxID, nil
}

// GetTransaction calls vault_getTransaction.
func (c *Client) GetTransaction(ctx context.Context, id types.Hash) (*rpc.TxResult, error) {
	var res rpc.TxResult
	if err := c.CallContext(ctx, "vault_getTransaction", rpc.TxIDParam{TxID: id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Transport carries notary requests over JSON-RPC. HTTP cannot interleave
// wait updates with the response, so the estimate is fetched with
// notary_getEta before the request is sent.
type Transport struct {
	client *Client
	target *types.Party // notary expected behind a relaying node
}

var _ notary.Transport = (*Transport)(nil)

// NewTransport returns a Transport using c. The client timeout must allow
// for the notary's batching delay.
func NewTransport(c *Client) *Transport {
	return &Transport{client: c}
}

// Via returns a transport for the remote notary p reached through a node
// that relays sign requests.
func (t *Transport) Via(p *types.Party) *Transport {
	return &Transport{client: t.client, target: p}
}

// Info implements notary.Transport. A relaying node has no notary of its
// own; the target is then looked up among the notaries it knows.
func (t *Transport) Info(ctx context.Context) (*protocol.NotaryInfo, error) {
	info, err := t.client.NotaryInfo(ctx)
	var rpcErr *RPCError
	if t.target == nil || (err == nil && info.Party.Equal(t.target)) {
		return info, err
	}
	if err != nil && (!errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeUnavailable) {
		return nil, err
	}
	entries, err := t.client.Notaries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Party.Equal(t.target) {
			return &protocol.NotaryInfo{Party: e.Party, Validating: e.Validating, PeerID: e.PeerID}, nil
		}
	}
	return nil, fmt.Errorf("notary %s not known to %s", t.target, t.client.endpoint)
}

// Sign implements notary.Transport.
func (t *Transport) Sign(ctx context.Context, req *protocol.SignRequest, onWait notary.WaitFunc) (*protocol.SignResponse, error) {
	if onWait != nil && req != nil && req.Tx != nil {
		// A relaying node has no estimate of its own.
		if eta, err := t.client.Eta(ctx, len(req.Tx.Inputs)+len(req.Tx.References)); err == nil && eta > 0 {
			onWait(eta)
		}
	}
	res, err := t.client.SignRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Signature == nil && res.Error == nil {
		return nil, ErrEmptyResponse
	}
	return &protocol.SignResponse{Signature: res.Signature, Error: res.Error}, nil
}
