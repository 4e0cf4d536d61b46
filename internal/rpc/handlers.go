package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-notary/internal/vault"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/tx"
)

// ── Notary ──────────────────────────────────────────────────────────────

func (s *Server) handleNotarySign(ctx context.Context, req *Request) (interface{}, *Error) {
	var p SignParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.Request.Validate(); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if p.Request.Tx.Notary == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction names no notary"}
	}

	if s.service != nil {
		id := s.service.Identity()
		if p.Request.Tx.Notary.Equal(&id) {
			return s.signLocal(ctx, p.Request)
		}
	}
	return s.signRelay(ctx, p.Request)
}

func (s *Server) signLocal(ctx context.Context, req *protocol.SignRequest) (interface{}, *Error) {
	var result SignResult
	if u, ok := s.service.WaitUpdate(req); ok {
		result.EtaMillis = u.EtaMillis
	}
	resp, err := s.service.Sign(ctx, req)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedRequest) {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	result.Signature = resp.Signature
	result.Error = resp.Error
	if resp.Signature != nil {
		s.recordSigned(req.Tx, resp)
	}
	return &result, nil
}

// signRelay forwards req over p2p to the notary the transaction names.
func (s *Server) signRelay(ctx context.Context, req *protocol.SignRequest) (interface{}, *Error) {
	if s.p2pNode == nil || s.directory == nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("notary %s is not served by this node", req.Tx.Notary)}
	}
	entry, ok := s.directory.Lookup(req.Tx.Notary)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("notary %s not found", req.Tx.Notary)}
	}

	var result SignResult
	transport := s.p2pNode.Transport(entry.PeerID)
	resp, err := transport.Sign(ctx, req, func(eta time.Duration) {
		result.EtaMillis = eta.Milliseconds()
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("notary", req.Tx.Notary.String()).Msg("Relayed sign request failed")
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("relay to %s: %v", entry.PeerID, err)}
	}
	result.Signature = resp.Signature
	result.Error = resp.Error
	result.RelayedTo = entry.PeerID.String()
	if resp.Signature != nil {
		s.recordSigned(req.Tx, resp)
	}
	return &result, nil
}

// recordSigned keeps a notarised transaction and its signature in the vault.
func (s *Server) recordSigned(t *tx.Transaction, resp *protocol.SignResponse) {
	if s.vault == nil {
		return
	}
	txID := t.ID()
	if err := s.vault.Put(t); err != nil {
		s.logger.Warn().Err(err).Str("tx", txID.String()).Msg("Failed to store notarised transaction")
		return
	}
	if err := s.vault.PutNotarySignature(txID, resp.Signature); err != nil {
		s.logger.Warn().Err(err).Str("tx", txID.String()).Msg("Failed to store notary signature")
	}
}

func (s *Server) handleNotaryGetEta(req *Request) (interface{}, *Error) {
	if s.service == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "no notary service on this node"}
	}
	var p EtaParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.NumStates < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "num_states must not be negative"}
	}
	return &EtaResult{EtaMillis: s.service.Eta(p.NumStates).Milliseconds()}, nil
}

func (s *Server) handleNotaryGetInfo(_ *Request) (interface{}, *Error) {
	if s.service == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "no notary service on this node"}
	}
	info := s.service.Info()
	if s.p2pNode != nil {
		info.PeerID = s.p2pNode.ID().String()
	}
	return &info, nil
}

func (s *Server) handleNotaryGetConsumer(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.commitLog == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "commit log not available"}
	}
	var p StateRefParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	consumer, ok, err := s.commitLog.ConsumingTx(ctx, p.StateRef)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	result := &ConsumerResult{StateRef: p.StateRef, Consumed: ok}
	if ok {
		h := protocol.HashTxID(consumer)
		result.ConsumedByHash = &h
	}
	return result, nil
}

func (s *Server) handleNotaryListNotaries(_ *Request) (interface{}, *Error) {
	result := &NotaryListResult{Notaries: []NotaryEntry{}}
	if s.directory == nil {
		return result, nil
	}
	for _, e := range s.directory.List() {
		result.Notaries = append(result.Notaries, NotaryEntry{
			Party:      e.Info.Party,
			Validating: e.Info.Validating,
			PeerID:     e.PeerID.String(),
			EtaMillis:  e.Eta.Milliseconds(),
			LastSeen:   e.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	result.Count = len(result.Notaries)
	return result, nil
}

// ── Vault ───────────────────────────────────────────────────────────────

func (s *Server) handleVaultPutTransaction(req *Request) (interface{}, *Error) {
	var p TxParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction required"}
	}
	if err := p.Transaction.Validate(); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid transaction: %v", err)}
	}
	if err := s.vault.Put(p.Transaction); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return &TxIDResult{TxID: p.Transaction.ID()}, nil
}

func (s *Server) handleVaultGetTransaction(req *Request) (interface{}, *Error) {
	var p TxIDParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	t, err := s.vault.Get(p.TxID)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("transaction %s not found", p.TxID)}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	result := &TxResult{TxID: p.TxID, Transaction: t}
	sig, err := s.vault.NotarySignature(p.TxID)
	switch {
	case err == nil:
		result.NotarySignature = sig
	case !errors.Is(err, vault.ErrNotFound):
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return result, nil
}

// ── Net ─────────────────────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}
	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
			Source:      p.Source,
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "p2p not enabled"}
	}
	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}
	records := s.banManager.BanList()
	bans := make([]BanEntry, len(records))
	for i, r := range records {
		bans[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}
	return &BanListResult{Count: len(bans), Bans: bans}, nil
}
