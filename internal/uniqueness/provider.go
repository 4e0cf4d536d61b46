// Package uniqueness decides, for every transaction submitted to the
// notary, whether the states it consumes are still unspent. Requests are
// queued and resolved in batches by a single worker against a commit log.
package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

// ErrStopped is returned by Commit once the provider has been stopped.
var ErrStopped = errors.New("uniqueness provider stopped")

// errNotaryStopped is the cause reported to requests still queued at shutdown.
var errNotaryStopped = errors.New("notary stopped")

// errInternal is the cause reported to clients when a batch cannot be
// persisted. The real error is only logged.
var errInternal = errors.New("internal service error")

// Config tunes the queue and batch processor.
type Config struct {
	QueueSize           int
	BatchSize           int
	BatchTimeout        time.Duration
	MaxBatchInputStates int
	BackOffBase         time.Duration
	MaxRetries          int
	TimeTolerance       time.Duration
}

// ConfigFromNotary extracts the provider settings from the node config.
func ConfigFromNotary(n config.NotaryConfig) Config {
	return Config{
		QueueSize:           n.QueueSize,
		BatchSize:           n.BatchSize,
		BatchTimeout:        n.BatchTimeout,
		MaxBatchInputStates: n.MaxBatchInputStates,
		BackOffBase:         n.BackOffBase,
		MaxRetries:          n.MaxDBTransactionRetryCount,
		TimeTolerance:       n.TimeTolerance,
	}
}

// DefaultConfig returns the provider defaults.
func DefaultConfig() Config {
	return ConfigFromNotary(config.DefaultNotary())
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxBatchInputStates <= 0 {
		c.MaxBatchInputStates = d.MaxBatchInputStates
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces the wall clock used for time window checks and
// request timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithRegisterer registers the provider's metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Provider) { p.registerer = reg }
}

// commitRequest is one queued call to Commit.
type commitRequest struct {
	request    commitlog.Request
	states     []types.StateRef
	references []types.StateRef
	timeWindow *types.TimeWindow
	enqueued   time.Time
	result     chan protocol.Result
}

func (r *commitRequest) numStates() int {
	return len(r.states) + len(r.references)
}

// Provider is the uniqueness provider.
type Provider struct {
	cfg        Config
	log        commitlog.Log
	now        func() time.Time
	registerer prometheus.Registerer
	metrics    *metrics

	queue        chan *commitRequest
	queuedStates atomic.Int64
	throughput   *throughput

	instanceID string
	nextID     atomic.Uint64

	mu      sync.RWMutex
	stopped bool
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a provider persisting to log. Call Start to begin processing.
func New(log commitlog.Log, cfg Config, opts ...Option) *Provider {
	cfg.applyDefaults()
	p := &Provider{
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		queue:      make(chan *commitRequest, cfg.QueueSize),
		throughput: newThroughput(),
		instanceID: uuid.NewString(),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registerer == nil {
		p.registerer = prometheus.NewRegistry()
	}
	p.metrics = newMetrics(p.registerer, p)
	p.nextID.Store(uint64(p.now().UnixMilli()) * 100)
	return p
}

// Start launches the batch worker.
func (p *Provider) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)
	klog.Uniqueness.Info().
		Str("instance", p.instanceID).
		Int("batch_size", p.cfg.BatchSize).
		Dur("batch_timeout", p.cfg.BatchTimeout).
		Msg("Uniqueness provider started")
}

// Stop halts the worker. Requests still queued resolve with a general
// "notary stopped" failure. Safe to call more than once.
func (p *Provider) Stop() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		n := 0
		for {
			select {
			case req := <-p.queue:
				p.respond(req, protocol.Failure(protocol.General(errNotaryStopped)))
				p.queuedStates.Add(-int64(req.numStates()))
				n++
			default:
				klog.Uniqueness.Info().Int("unprocessed", n).Msg("Uniqueness provider stopped")
				return
			}
		}
	})
}

// Commit queues the request and returns a channel that receives exactly
// one Result. Business failures arrive on the channel; the only errors
// returned here are ErrStopped and ctx's error while waiting for space in
// a full queue.
func (p *Provider) Commit(
	ctx context.Context,
	states []types.StateRef,
	txID types.Hash,
	requester string,
	requestSignature []byte,
	timeWindow *types.TimeWindow,
	references []types.StateRef,
) (<-chan protocol.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	now := p.now()
	req := &commitRequest{
		request: commitlog.Request{
			ID:            p.newRequestID(),
			ConsumingTxID: txID,
			Requester:     requester,
			Signature:     append(types.HexBytes(nil), requestSignature...),
			SubmittedAt:   now.UTC(),
		},
		states:     states,
		references: references,
		timeWindow: timeWindow,
		enqueued:   time.Now(),
		result:     make(chan protocol.Result, 1),
	}
	p.metrics.requestStates.Observe(float64(len(states)))

	p.queuedStates.Add(int64(req.numStates()))
	select {
	case p.queue <- req:
		return req.result, nil
	case <-ctx.Done():
		p.queuedStates.Add(-int64(req.numStates()))
		return nil, fmt.Errorf("enqueue commit request: %w", ctx.Err())
	case <-p.quit:
		p.queuedStates.Add(-int64(req.numStates()))
		return nil, ErrStopped
	}
}

// Eta estimates how long a request with numStates inputs and references
// would wait if submitted now.
func (p *Provider) Eta(numStates int) time.Duration {
	queued := p.queuedStates.Load() + int64(numStates)
	eta := estimate(p.throughput.rate(), queued)
	klog.Uniqueness.Debug().
		Float64("rate", p.throughput.rate()).
		Int64("queued_states", queued).
		Dur("eta", eta).
		Msg("Estimated wait time")
	return eta
}

// QueueLen returns the number of requests waiting for the worker.
func (p *Provider) QueueLen() int {
	return len(p.queue)
}

// InstanceID identifies this provider in request log ids.
func (p *Provider) InstanceID() string {
	return p.instanceID
}

// newRequestID returns "<instance>:<hex counter>", unique within the log.
func (p *Provider) newRequestID() string {
	return fmt.Sprintf("%s:%x", p.instanceID, p.nextID.Add(1))
}

func (p *Provider) respond(req *commitRequest, res protocol.Result) {
	req.result <- res
	p.metrics.commitDuration.Observe(time.Since(req.enqueued).Seconds())
}
