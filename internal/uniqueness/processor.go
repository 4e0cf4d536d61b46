package uniqueness

import (
	"context"
	"time"

	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// run is the single batch worker.
func (p *Provider) run(ctx context.Context) {
	defer p.wg.Done()
	buffer := make([]*commitRequest, 0, p.cfg.BatchSize)
	for {
		var ok bool
		buffer, ok = p.drain(ctx, buffer[:0])
		if !ok {
			return
		}
		if len(buffer) == 0 {
			continue
		}
		p.processBuffer(ctx, buffer)
	}
}

// drain waits up to BatchTimeout for a first request, then takes whatever
// else is already queued, up to BatchSize. It returns false once ctx is done.
func (p *Provider) drain(ctx context.Context, buf []*commitRequest) ([]*commitRequest, bool) {
	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return buf, false
	case <-timer.C:
		return buf, true
	case req := <-p.queue:
		buf = append(buf, req)
	}
	for len(buf) < p.cfg.BatchSize {
		select {
		case req := <-p.queue:
			buf = append(buf, req)
		default:
			return buf, true
		}
	}
	return buf, true
}

// processBuffer cuts the drained requests into batches whose combined
// input states stay within MaxBatchInputStates. A request larger than the
// limit is processed alone.
func (p *Provider) processBuffer(ctx context.Context, buffer []*commitRequest) {
	for len(buffer) > 0 {
		n, inputs := 0, 0
		for n < len(buffer) {
			size := len(buffer[n].states)
			if n > 0 && inputs+size > p.cfg.MaxBatchInputStates {
				break
			}
			inputs += size
			n++
		}
		p.processBatch(ctx, buffer[:n])
		buffer = buffer[n:]
	}
}

// processBatch resolves every request of reqs. Persistence is retried on
// transient errors; if it never succeeds every request fails with a
// general error and the worker moves on.
func (p *Provider) processBatch(ctx context.Context, reqs []*commitRequest) {
	start := time.Now()
	// Shutdown should not abort a batch that is already being written.
	ctx = context.WithoutCancel(ctx)

	numStates, inputs := 0, 0
	for _, req := range reqs {
		numStates += req.numStates()
		inputs += len(req.states)
	}

	results, err := withRetry(ctx, p.cfg.BackOffBase, p.cfg.MaxRetries,
		func(err error, wait time.Duration) {
			p.metrics.retries.Inc()
			klog.Uniqueness.Warn().Err(err).Dur("backoff", wait).Int("requests", len(reqs)).
				Msg("Transient commit log error, retrying batch")
		},
		func() ([]protocol.Result, error) {
			return p.attemptBatch(ctx, reqs)
		})

	elapsed := time.Since(start)
	p.queuedStates.Add(-int64(numStates))
	p.metrics.batchDuration.Observe(elapsed.Seconds())
	p.metrics.batchSize.Observe(float64(len(reqs)))
	p.metrics.inputStates.Add(float64(inputs))
	klog.Uniqueness.Trace().Int("requests", len(reqs)).Dur("elapsed", elapsed).Msg("Processed batch")

	if err != nil {
		klog.Uniqueness.Error().Err(err).Int("requests", len(reqs)).Msg("Error notarising transactions")
		p.metrics.failedBatches.Inc()
		for _, req := range reqs {
			p.respond(req, protocol.Failure(protocol.General(errInternal)))
		}
	} else {
		// Samples count input and reference states alike, matching queuedStates.
		p.throughput.record(numStates, elapsed)
		for i, req := range reqs {
			res := results[i]
			if res.Err != nil && res.Err.Kind == protocol.KindConflict {
				p.metrics.conflicts.Inc()
			}
			p.respond(req, res)
		}
	}
}

// attemptBatch decides every request in FIFO order and persists the
// outcome in one commit log transaction.
func (p *Provider) attemptBatch(ctx context.Context, reqs []*commitRequest) ([]protocol.Result, error) {
	consumed, err := p.findAllConflicts(ctx, reqs)
	if err != nil {
		return nil, err
	}

	processed := make(map[types.Hash]protocol.Result)
	var toCommit []*commitRequest
	results := make([]protocol.Result, len(reqs))
	for i, req := range reqs {
		res, accepted, err := p.decide(ctx, req, consumed, processed)
		if err != nil {
			return nil, err
		}
		if accepted {
			toCommit = append(toCommit, req)
		}
		results[i] = res
	}

	batch := &commitlog.Batch{Requests: make([]commitlog.Request, len(reqs))}
	for i, req := range reqs {
		batch.Requests[i] = req.request
	}
	for _, req := range toCommit {
		txID := req.request.ConsumingTxID
		for _, s := range req.states {
			batch.States = append(batch.States, commitlog.CommittedState{Ref: s, ConsumingTxID: txID})
		}
		if len(req.states) == 0 {
			batch.Transactions = append(batch.Transactions, txID)
		}
	}
	if err := p.log.PersistBatch(ctx, batch); err != nil {
		return nil, err
	}
	return results, nil
}

// decide resolves one request against the batch state. accepted is true
// when the request's rows must be written.
func (p *Provider) decide(
	ctx context.Context,
	req *commitRequest,
	consumed consumedStates,
	processed map[types.Hash]protocol.Result,
) (res protocol.Result, accepted bool, err error) {
	txID := req.request.ConsumingTxID

	if conflicts, self := consumed.conflictsOf(req); len(conflicts) > 0 {
		if self {
			return protocol.Success(), false, nil
		}
		if len(req.states) == 0 {
			notarised, err := p.log.IsTxCommitted(ctx, txID)
			if err != nil {
				return res, false, err
			}
			if notarised {
				return protocol.Success(), false, nil
			}
		}
		return protocol.Failure(protocol.Conflict(txID, conflicts)), false, nil
	}

	if len(req.states) == 0 {
		notarised, err := p.log.IsTxCommitted(ctx, txID)
		if err != nil {
			return res, false, err
		}
		if notarised {
			return protocol.Success(), false, nil
		}
	}
	if prev, ok := processed[txID]; ok {
		return prev, false, nil
	}

	now := p.now()
	if !req.timeWindow.Contains(now, p.cfg.TimeTolerance) {
		res = protocol.Failure(protocol.TimestampInvalid(now, req.timeWindow))
	} else {
		consumed.consume(req)
		res, accepted = protocol.Success(), true
	}
	processed[txID] = res
	return res, accepted, nil
}
