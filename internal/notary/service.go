package notary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-notary/config"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/pkg/crypto"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// Committer is the part of the uniqueness provider the service uses.
type Committer interface {
	Commit(ctx context.Context, states []types.StateRef, txID types.Hash, requester string,
		requestSignature []byte, timeWindow *types.TimeWindow, references []types.StateRef) (<-chan protocol.Result, error)
	Eta(numStates int) time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock replaces the clock used for time window checks.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithTimeTolerance sets the clock skew allowed on time windows.
func WithTimeTolerance(d time.Duration) ServiceOption {
	return func(s *Service) { s.tolerance = d }
}

// WithEtaThreshold sets the wait estimate above which clients are told
// how long to expect.
func WithEtaThreshold(d time.Duration) ServiceOption {
	return func(s *Service) { s.etaThreshold = d }
}

// Service is the notary side of the protocol.
type Service struct {
	identity     types.Party
	signer       crypto.Signer
	provider     Committer
	policy       Policy
	tolerance    time.Duration
	etaThreshold time.Duration
	now          func() time.Time
}

// NewService creates a notary service for identity, signing with signer.
func NewService(identity types.Party, signer crypto.Signer, provider Committer, policy Policy, opts ...ServiceOption) (*Service, error) {
	if !bytes.Equal(signer.PublicKey(), identity.PubKey) {
		return nil, ErrIdentityMismatch
	}
	if policy == nil {
		policy = NonValidating{}
	}
	d := config.DefaultNotary()
	s := &Service{
		identity:     identity,
		signer:       signer,
		provider:     provider,
		policy:       policy,
		tolerance:    d.TimeTolerance,
		etaThreshold: d.EtaMessageThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Identity returns the notary party.
func (s *Service) Identity() types.Party {
	return s.identity
}

// Info describes the service.
func (s *Service) Info() protocol.NotaryInfo {
	return protocol.NotaryInfo{Party: s.identity, Validating: s.policy.Validating()}
}

// Eta estimates the wait for a request with numStates inputs and references.
func (s *Service) Eta(numStates int) time.Duration {
	return s.provider.Eta(numStates)
}

// WaitUpdate returns the estimate to send ahead of the response to req,
// if it is long enough to be worth telling the client about.
func (s *Service) WaitUpdate(req *protocol.SignRequest) (protocol.WaitTimeUpdate, bool) {
	if req == nil || req.Tx == nil {
		return protocol.WaitTimeUpdate{}, false
	}
	eta := s.Eta(len(req.Tx.Inputs) + len(req.Tx.References))
	if eta <= s.etaThreshold {
		return protocol.WaitTimeUpdate{}, false
	}
	return protocol.WaitTimeUpdate{EtaMillis: eta.Milliseconds()}, true
}

// Sign handles a notarisation request. Rejections are returned in the
// response; a non-nil error means the request was malformed or the call
// was abandoned.
func (s *Service) Sign(ctx context.Context, req *protocol.SignRequest) (*protocol.SignResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t := req.Tx
	txID := t.ID()
	logger := klog.Notary.With().Str("tx", txID.String()).Str("requester", req.Requester.Name).Logger()

	fail := func(e *protocol.Error) (*protocol.SignResponse, error) {
		logger.Info().Str("kind", string(e.Kind)).Msg(e.Error())
		return &protocol.SignResponse{Error: e}, nil
	}

	if err := req.VerifyRequestSignature(); err != nil {
		return fail(protocol.RequestSignatureInvalid(err))
	}
	if !t.Notary.Equal(&s.identity) {
		return fail(protocol.TransactionInvalid(txID,
			fmt.Errorf("notary in transaction %s does not match %s", t.Notary, &s.identity)))
	}
	now := s.now()
	if !t.TimeWindow.Contains(now, s.tolerance) {
		return fail(protocol.TimestampInvalid(now, t.TimeWindow))
	}
	if e := s.policy.BeforeCommit(ctx, req); e != nil {
		return fail(e)
	}

	ch, err := s.provider.Commit(ctx, t.Inputs, txID, req.Requester.String(),
		req.RequestSignature, t.TimeWindow, t.References)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		logger.Error().Err(err).Msg("Commit failed")
		return fail(protocol.General(err))
	}

	var res protocol.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for commit of %s: %w", txID, ctx.Err())
	}
	if !res.IsSuccess() {
		return fail(res.Err)
	}

	sig, err := crypto.SignHash(s.signer, txID)
	if err != nil {
		logger.Error().Err(err).Msg("Signing failed")
		return fail(protocol.General(errors.New("notary failed to sign")))
	}
	s.policy.AfterCommit(ctx, t, sig)
	logger.Debug().Msg("Transaction notarised")
	return &protocol.SignResponse{Signature: sig}, nil
}
