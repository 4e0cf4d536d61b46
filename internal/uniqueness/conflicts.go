package uniqueness

import (
	"context"

	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// consumedStates maps a state to the transaction that consumed it. It is
// loaded from the commit log at the start of a batch and extended as the
// batch accepts requests, so later requests see earlier winners.
type consumedStates map[types.StateRef]types.Hash

// findAllConflicts loads every committed state among the batch's inputs
// and references with one logical lookup.
func (p *Provider) findAllConflicts(ctx context.Context, reqs []*commitRequest) (consumedStates, error) {
	var nInputs, nRefs int
	seen := make(map[types.StateRef]struct{})
	var refs []types.StateRef
	add := func(r types.StateRef) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}
	for _, req := range reqs {
		nInputs += len(req.states)
		nRefs += len(req.references)
		for _, s := range req.states {
			add(s)
		}
		for _, r := range req.references {
			add(r)
		}
	}

	klog.Uniqueness.Debug().Msgf("Processing notarization requests with %d input states and %d references", nInputs, nRefs)

	found, err := p.log.FindCommitted(ctx, refs)
	if err != nil {
		return nil, err
	}
	return consumedStates(found), nil
}

// conflictsOf returns the conflicts affecting req, typed by how req uses
// each state, and whether all of them were consumed by req's own tx.
func (c consumedStates) conflictsOf(req *commitRequest) (map[types.StateRef]protocol.ConsumedBy, bool) {
	txID := req.request.ConsumingTxID
	var conflicts map[types.StateRef]protocol.ConsumedBy
	self := true
	check := func(ref types.StateRef, typ protocol.ConsumedType) {
		consumer, ok := c[ref]
		if !ok {
			return
		}
		if conflicts == nil {
			conflicts = make(map[types.StateRef]protocol.ConsumedBy)
		}
		conflicts[ref] = protocol.NewConsumedBy(consumer, typ)
		if consumer != txID {
			self = false
		}
	}
	for _, s := range req.states {
		check(s, protocol.ConsumedInput)
	}
	for _, r := range req.references {
		check(r, protocol.ConsumedReference)
	}
	return conflicts, self
}

// consume marks req's inputs as spent by its transaction.
func (c consumedStates) consume(req *commitRequest) {
	for _, s := range req.states {
		c[s] = req.request.ConsumingTxID
	}
}
