package uniqueness

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
	klog "github.com/Klingon-tech/klingnet-notary/internal/log"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
	"github.com/Klingon-tech/klingnet-notary/pkg/protocol"
	"github.com/Klingon-tech/klingnet-notary/pkg/types"
)

func init() {
	klog.Init("error", false, "")
}

var counter atomic.Uint32

// newHash returns a fresh hash unique within the test binary.
func newHash() types.Hash {
	var h types.Hash
	n := counter.Add(1)
	h[0], h[1], h[2], h[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	h[31] = 0x5a
	return h
}

func newRef() types.StateRef {
	return types.StateRef{TxID: newHash(), Index: 0}
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchTimeout = 10 * time.Millisecond
	cfg.BackOffBase = time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

type fixture struct {
	p     *Provider
	log   commitlog.Log
	clock *testClock
}

// newFixture builds a provider that is not started yet, so tests can queue
// several requests into the same batch before calling start.
func newFixture(t *testing.T, log commitlog.Log, cfg Config) *fixture {
	t.Helper()
	if log == nil {
		log = commitlog.NewKV(storage.NewMemory(), 0)
	}
	clock := newTestClock()
	p := New(log, cfg, WithClock(clock.Now))
	t.Cleanup(p.Stop)
	return &fixture{p: p, log: log, clock: clock}
}

func startedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, nil, testConfig())
	f.p.Start()
	return f
}

type commitArgs struct {
	states []types.StateRef
	txID   types.Hash
	window *types.TimeWindow
	refs   []types.StateRef
}

func (f *fixture) submit(t *testing.T, a commitArgs) <-chan protocol.Result {
	t.Helper()
	ch, err := f.p.Commit(context.Background(), a.states, a.txID, "alice", []byte{0x01}, a.window, a.refs)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return ch
}

func wait(t *testing.T, ch <-chan protocol.Result) protocol.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit result")
		return protocol.Result{}
	}
}

func (f *fixture) commit(t *testing.T, a commitArgs) protocol.Result {
	t.Helper()
	return wait(t, f.submit(t, a))
}

func mustSucceed(t *testing.T, res protocol.Result) {
	t.Helper()
	if !res.IsSuccess() {
		t.Fatalf("result = %v, want success", res.Err)
	}
}

func mustFail(t *testing.T, res protocol.Result, kind protocol.ErrorKind) *protocol.Error {
	t.Helper()
	if res.IsSuccess() {
		t.Fatalf("result = success, want %s", kind)
	}
	if res.Err.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", res.Err.Kind, kind, res.Err)
	}
	return res.Err
}

func checkConflict(t *testing.T, e *protocol.Error, ref types.StateRef, consumer types.Hash, typ protocol.ConsumedType) {
	t.Helper()
	c, ok := e.Conflicts[ref]
	if !ok {
		t.Fatalf("conflict map %v lacks %s", e.Conflicts, ref)
	}
	if c.HashOfTxID != protocol.HashTxID(consumer) {
		t.Errorf("conflict consumer = %s, want hash of %s", c.HashOfTxID, consumer)
	}
	if c.Type != typ {
		t.Errorf("conflict type = %s, want %s", c.Type, typ)
	}
}

// --- time window only ---

func TestRejectsBeforeTimeWindow(t *testing.T) {
	f := startedFixture(t)
	now := f.clock.Now()
	w := types.FromOnly(now.Add(30 * time.Minute))
	e := mustFail(t, f.commit(t, commitArgs{txID: newHash(), window: w}), protocol.KindTimestampInvalid)
	if e.TimeWindow != w {
		t.Errorf("error window = %v, want %v", e.TimeWindow, w)
	}
}

func TestCommitsWithinTimeWindow(t *testing.T) {
	f := startedFixture(t)
	txID := newHash()
	w := types.UntilOnly(f.clock.Now().Add(30 * time.Minute))
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, window: w}))

	// Idempotent retry after the window closed.
	f.clock.Advance(time.Hour)
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, window: w}))

	ok, err := f.log.IsTxCommitted(context.Background(), txID)
	if err != nil || !ok {
		t.Errorf("IsTxCommitted = %v, %v; want true", ok, err)
	}
}

func TestRejectsAfterTimeWindow(t *testing.T) {
	f := startedFixture(t)
	txID := newHash()
	w := types.UntilOnly(f.clock.Now().Add(30 * time.Minute))
	f.clock.Advance(time.Hour)
	mustFail(t, f.commit(t, commitArgs{txID: txID, window: w}), protocol.KindTimestampInvalid)

	ok, _ := f.log.IsTxCommitted(context.Background(), txID)
	if ok {
		t.Error("rejected tx recorded as committed")
	}
}

func TestTimeWindowTolerance(t *testing.T) {
	f := startedFixture(t)
	w := types.UntilOnly(f.clock.Now().Add(-10 * time.Second))
	// Default tolerance is 30s.
	mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), window: w}))
}

func TestTimeWindowDuplicatesInBatch(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	now := f.clock.Now()
	valid := types.UntilOnly(now.Add(30 * time.Minute))
	invalid := types.UntilOnly(now.Add(-30 * time.Minute))
	first, second := newHash(), newHash()

	v1 := f.submit(t, commitArgs{txID: first, window: valid})
	v2 := f.submit(t, commitArgs{txID: first, window: valid})
	i1 := f.submit(t, commitArgs{txID: second, window: invalid})
	i2 := f.submit(t, commitArgs{txID: second, window: invalid})
	f.p.Start()

	mustSucceed(t, wait(t, v1))
	mustSucceed(t, wait(t, v2))
	mustFail(t, wait(t, i1), protocol.KindTimestampInvalid)
	mustFail(t, wait(t, i2), protocol.KindTimestampInvalid)
}

// --- reference states only ---

func TestCommitsUnusedReferenceStates(t *testing.T) {
	f := startedFixture(t)
	txID, r := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, refs: []types.StateRef{r}}))
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, refs: []types.StateRef{r}}))

	// Many transactions may read the same unspent reference.
	mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), refs: []types.StateRef{r}}))
}

func TestRejectsPreviouslyUsedReferenceStates(t *testing.T) {
	f := startedFixture(t)
	first, r := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, states: []types.StateRef{r}}))

	e := mustFail(t, f.commit(t, commitArgs{txID: newHash(), refs: []types.StateRef{r}}), protocol.KindConflict)
	checkConflict(t, e, r, first, protocol.ConsumedReference)
}

func TestRetryAfterReferenceSpent(t *testing.T) {
	f := startedFixture(t)
	first, r := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, refs: []types.StateRef{r}}))
	mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), states: []types.StateRef{r}}))

	// first was notarised before r was spent.
	mustSucceed(t, f.commit(t, commitArgs{txID: first, refs: []types.StateRef{r}}))
}

func TestReferenceDuplicatesInBatch(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	first, second, r := newHash(), newHash(), newRef()
	refs := []types.StateRef{r}

	c3 := f.submit(t, commitArgs{txID: first, refs: refs})
	c4 := f.submit(t, commitArgs{txID: first, refs: refs})
	c1 := f.submit(t, commitArgs{txID: second, refs: refs})
	c2 := f.submit(t, commitArgs{txID: second, refs: refs})
	f.p.Start()

	for _, ch := range []<-chan protocol.Result{c1, c2, c3, c4} {
		mustSucceed(t, wait(t, ch))
	}
}

// --- reference states and time window ---

func TestReferenceStatesWithTimeWindow(t *testing.T) {
	f := startedFixture(t)
	now := f.clock.Now()

	t.Run("unused references valid window", func(t *testing.T) {
		mustSucceed(t, f.commit(t, commitArgs{
			txID: newHash(), refs: []types.StateRef{newRef()}, window: types.UntilOnly(now.Add(time.Hour)),
		}))
	})
	t.Run("unused references invalid window", func(t *testing.T) {
		mustFail(t, f.commit(t, commitArgs{
			txID: newHash(), refs: []types.StateRef{newRef()}, window: types.UntilOnly(now.Add(-time.Hour)),
		}), protocol.KindTimestampInvalid)
	})
	t.Run("used references valid window", func(t *testing.T) {
		spender, r := newHash(), newRef()
		mustSucceed(t, f.commit(t, commitArgs{txID: spender, states: []types.StateRef{r}}))
		e := mustFail(t, f.commit(t, commitArgs{
			txID: newHash(), refs: []types.StateRef{r}, window: types.UntilOnly(now.Add(time.Hour)),
		}), protocol.KindConflict)
		checkConflict(t, e, r, spender, protocol.ConsumedReference)
	})
	t.Run("used references invalid window", func(t *testing.T) {
		r := newRef()
		mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), states: []types.StateRef{r}}))
		// Conflicts are reported ahead of the window.
		mustFail(t, f.commit(t, commitArgs{
			txID: newHash(), refs: []types.StateRef{r}, window: types.UntilOnly(now.Add(-time.Hour)),
		}), protocol.KindConflict)
	})
}

// --- input states ---

func TestCommitsUnusedInputs(t *testing.T) {
	f := startedFixture(t)
	txID, in := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, states: []types.StateRef{in}}))

	consumer, ok, err := f.log.ConsumingTx(context.Background(), in)
	if err != nil || !ok || consumer != txID {
		t.Errorf("ConsumingTx = %s, %v, %v; want %s", consumer, ok, err, txID)
	}
	// Transactions with inputs are not added to the committed tx index.
	if ok, _ := f.log.IsTxCommitted(context.Background(), txID); ok {
		t.Error("tx with inputs recorded in committed transactions")
	}
}

func TestRejectsPreviouslyUsedInputs(t *testing.T) {
	f := startedFixture(t)
	first, in := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, states: []types.StateRef{in}}))

	second := newHash()
	e := mustFail(t, f.commit(t, commitArgs{txID: second, states: []types.StateRef{in}}), protocol.KindConflict)
	checkConflict(t, e, in, first, protocol.ConsumedInput)
	if *e.TxID != second {
		t.Errorf("conflict tx = %s, want %s", e.TxID, second)
	}

	consumer, _, _ := f.log.ConsumingTx(context.Background(), in)
	if consumer != first {
		t.Errorf("consumer changed to %s", consumer)
	}
}

func TestInputIdempotence(t *testing.T) {
	f := startedFixture(t)
	txID, a, b := newHash(), newRef(), newRef()
	w := types.UntilOnly(f.clock.Now().Add(30 * time.Minute))
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, states: []types.StateRef{a, b}, window: w}))

	f.clock.Advance(time.Hour)
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, states: []types.StateRef{a, b}, window: w}))
}

func TestInputDuplicatesInBatch(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	first, second, in := newHash(), newHash(), newRef()

	a1 := f.submit(t, commitArgs{txID: first, states: []types.StateRef{in}})
	a2 := f.submit(t, commitArgs{txID: first, states: []types.StateRef{in}})
	b1 := f.submit(t, commitArgs{txID: second, states: []types.StateRef{in}})
	b2 := f.submit(t, commitArgs{txID: second, states: []types.StateRef{in}})
	f.p.Start()

	mustSucceed(t, wait(t, a1))
	mustSucceed(t, wait(t, a2))
	checkConflict(t, mustFail(t, wait(t, b1), protocol.KindConflict), in, first, protocol.ConsumedInput)
	mustFail(t, wait(t, b2), protocol.KindConflict)
}

func TestInputsWithTimeWindow(t *testing.T) {
	f := startedFixture(t)
	now := f.clock.Now()

	in := newRef()
	mustFail(t, f.commit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{in}, window: types.UntilOnly(now.Add(-time.Hour)),
	}), protocol.KindTimestampInvalid)

	// The rejected request did not consume the state.
	mustSucceed(t, f.commit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{in}, window: types.UntilOnly(now.Add(time.Hour)),
	}))

	mustFail(t, f.commit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{in}, window: types.UntilOnly(now.Add(-time.Hour)),
	}), protocol.KindConflict)
}

// --- input and reference states ---

func TestCommitsUnusedInputsAndReferences(t *testing.T) {
	f := startedFixture(t)
	txID, in, r := newHash(), newRef(), newRef()
	args := commitArgs{txID: txID, states: []types.StateRef{in}, refs: []types.StateRef{r}}
	mustSucceed(t, f.commit(t, args))

	f.clock.Advance(time.Hour)
	mustSucceed(t, f.commit(t, args))

	// References are never marked consumed.
	if _, ok, _ := f.log.ConsumingTx(context.Background(), r); ok {
		t.Error("reference state recorded as consumed")
	}
}

func TestReNotariseAfterReferenceSpent(t *testing.T) {
	f := startedFixture(t)
	txID, in, r := newHash(), newRef(), newRef()
	args := commitArgs{txID: txID, states: []types.StateRef{in}, refs: []types.StateRef{r}}
	mustSucceed(t, f.commit(t, args))
	mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), states: []types.StateRef{r}}))

	// The input conflict is our own, the reference conflict is not, and the
	// tx has inputs so it is not in the committed tx index.
	e := mustFail(t, f.commit(t, args), protocol.KindConflict)
	if len(e.Conflicts) != 2 {
		t.Errorf("conflicts = %d, want 2", len(e.Conflicts))
	}
}

func TestRejectsUsedInputsWithUnusedReferences(t *testing.T) {
	f := startedFixture(t)
	first, in := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, states: []types.StateRef{in}}))

	e := mustFail(t, f.commit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{in}, refs: []types.StateRef{newRef()},
	}), protocol.KindConflict)
	checkConflict(t, e, in, first, protocol.ConsumedInput)
	if len(e.Conflicts) != 1 {
		t.Errorf("conflicts = %v, want only the input", e.Conflicts)
	}
}

func TestRejectsUsedReferencesWithUnusedInputs(t *testing.T) {
	f := startedFixture(t)
	first, r := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, states: []types.StateRef{r}}))

	in := newRef()
	e := mustFail(t, f.commit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{in}, refs: []types.StateRef{r},
	}), protocol.KindConflict)
	checkConflict(t, e, r, first, protocol.ConsumedReference)

	if _, ok, _ := f.log.ConsumingTx(context.Background(), in); ok {
		t.Error("input of rejected tx was consumed")
	}
}

func TestInputAndReferenceDuplicatesInBatch(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	first, second, r := newHash(), newHash(), newRef()

	c1 := f.submit(t, commitArgs{txID: second, refs: []types.StateRef{r}})
	c2 := f.submit(t, commitArgs{txID: second, refs: []types.StateRef{r}})
	c3 := f.submit(t, commitArgs{txID: first, states: []types.StateRef{r}})
	c4 := f.submit(t, commitArgs{txID: newHash(), refs: []types.StateRef{r}})
	f.p.Start()

	mustSucceed(t, wait(t, c1))
	mustSucceed(t, wait(t, c2))
	mustSucceed(t, wait(t, c3))
	checkConflict(t, mustFail(t, wait(t, c4), protocol.KindConflict), r, first, protocol.ConsumedReference)
}

// --- exclusivity and ordering ---

func TestIntraBatchOrdering(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	in := newRef()
	var chans []<-chan protocol.Result
	var ids []types.Hash
	for i := 0; i < 5; i++ {
		id := newHash()
		ids = append(ids, id)
		chans = append(chans, f.submit(t, commitArgs{txID: id, states: []types.StateRef{in}}))
	}
	f.p.Start()

	mustSucceed(t, wait(t, chans[0]))
	for i := 1; i < len(chans); i++ {
		checkConflict(t, mustFail(t, wait(t, chans[i]), protocol.KindConflict), in, ids[0], protocol.ConsumedInput)
	}
}

func TestExclusivityUnderConcurrency(t *testing.T) {
	f := startedFixture(t)
	shared := newRef()

	const n = 50
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := f.p.Commit(context.Background(), []types.StateRef{shared, newRef()}, newHash(), "bob", nil, nil, nil)
			if err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			if res := <-ch; res.IsSuccess() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("%d transactions consumed the shared state, want 1", got)
	}
}

func TestRequestLargerThanLookupChunk(t *testing.T) {
	f := newFixture(t, commitlog.NewKV(storage.NewMemory(), 2), testConfig())
	f.p.Start()

	states := []types.StateRef{newRef(), newRef(), newRef(), newRef(), newRef()}
	first := newHash()
	mustSucceed(t, f.commit(t, commitArgs{txID: first, states: states}))

	e := mustFail(t, f.commit(t, commitArgs{txID: newHash(), states: states}), protocol.KindConflict)
	if len(e.Conflicts) != len(states) {
		t.Fatalf("conflicts = %d, want %d", len(e.Conflicts), len(states))
	}
	checkConflict(t, e, states[4], first, protocol.ConsumedInput)
}

func TestBatchInputStateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchInputStates = 3
	f := newFixture(t, nil, cfg)

	var chans []<-chan protocol.Result
	for i := 0; i < 4; i++ {
		chans = append(chans, f.submit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef(), newRef()}}))
	}
	// Larger than the limit on its own.
	chans = append(chans, f.submit(t, commitArgs{
		txID: newHash(), states: []types.StateRef{newRef(), newRef(), newRef(), newRef()},
	}))
	f.p.Start()
	for _, ch := range chans {
		mustSucceed(t, wait(t, ch))
	}
	if got := len(f.p.throughput.samples); got != 5 {
		t.Errorf("processed %d batches, want 5", got)
	}
	if got := testutil.ToFloat64(f.p.metrics.inputStates); got != 12 {
		t.Errorf("input states = %v, want 12", got)
	}
}

// --- retries ---

// flakyLog fails PersistBatch with err for the first n calls.
type flakyLog struct {
	commitlog.Log
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (l *flakyLog) PersistBatch(ctx context.Context, b *commitlog.Batch) error {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return l.err
	}
	return l.Log.PersistBatch(ctx, b)
}

func (l *flakyLog) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestRetriesAbsorbTransientErrors(t *testing.T) {
	log := &flakyLog{Log: commitlog.NewKV(storage.NewMemory(), 0), failures: 2, err: storage.ErrConflict}
	f := newFixture(t, log, testConfig())
	f.p.Start()

	txID, in := newHash(), newRef()
	mustSucceed(t, f.commit(t, commitArgs{txID: txID, states: []types.StateRef{in}}))
	if got := log.Calls(); got != 3 {
		t.Errorf("PersistBatch calls = %d, want 3", got)
	}
	if got := testutil.ToFloat64(f.p.metrics.retries); got != 2 {
		t.Errorf("retries metric = %v, want 2", got)
	}
}

func TestExhaustedRetriesFailBatchAndWorkerContinues(t *testing.T) {
	log := &flakyLog{Log: commitlog.NewKV(storage.NewMemory(), 0), failures: 4, err: storage.ErrConflict}
	f := newFixture(t, log, testConfig())

	a := f.submit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef()}})
	b := f.submit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef()}})
	f.p.Start()

	mustFail(t, wait(t, a), protocol.KindGeneral)
	mustFail(t, wait(t, b), protocol.KindGeneral)
	if got := log.Calls(); got != 4 {
		t.Errorf("PersistBatch calls = %d, want 4", got)
	}

	mustSucceed(t, f.commit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef()}}))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	log := &flakyLog{Log: commitlog.NewKV(storage.NewMemory(), 0), failures: 1, err: errors.New("disk on fire")}
	f := newFixture(t, log, testConfig())
	f.p.Start()

	e := mustFail(t, f.commit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef()}}), protocol.KindGeneral)
	if e.Cause != errInternal.Error() {
		t.Errorf("cause = %q, want %q", e.Cause, errInternal.Error())
	}
	if got := log.Calls(); got != 1 {
		t.Errorf("PersistBatch calls = %d, want 1", got)
	}
}

// racingLog lets a second writer on the same database commit contested
// before the first PersistBatch reaches it.
type racingLog struct {
	commitlog.Log
	rival     commitlog.Log
	contested types.StateRef
	rivalTx   types.Hash
	once      sync.Once
}

func (l *racingLog) PersistBatch(ctx context.Context, b *commitlog.Batch) error {
	var err error
	l.once.Do(func() {
		err = l.rival.PersistBatch(ctx, &commitlog.Batch{
			States:       []commitlog.CommittedState{{Ref: l.contested, ConsumingTxID: l.rivalTx}},
			Transactions: []types.Hash{l.rivalTx},
		})
	})
	if err != nil {
		return err
	}
	return l.Log.PersistBatch(ctx, b)
}

func TestConcurrentInstanceConflictResolvesOnRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commitlog.db")
	own, err := commitlog.OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer own.Close()
	rival, err := commitlog.OpenSQLite(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLite rival: %v", err)
	}
	defer rival.Close()

	contested, rivalTx := newRef(), newHash()
	log := &racingLog{Log: own, rival: rival, contested: contested, rivalTx: rivalTx}
	f := newFixture(t, log, testConfig())

	loser := f.submit(t, commitArgs{txID: newHash(), states: []types.StateRef{contested}})
	bystanderTx := newHash()
	bystander := f.submit(t, commitArgs{txID: bystanderTx, states: []types.StateRef{newRef()}})
	f.p.Start()

	e := mustFail(t, wait(t, loser), protocol.KindConflict)
	checkConflict(t, e, contested, rivalTx, protocol.ConsumedInput)
	mustSucceed(t, wait(t, bystander))

	ok, err := own.IsTxCommitted(context.Background(), bystanderTx)
	if err != nil || !ok {
		t.Errorf("IsTxCommitted(bystander) = %v, %v; want true", ok, err)
	}
	if got := testutil.ToFloat64(f.p.metrics.retries); got != 1 {
		t.Errorf("retries metric = %v, want 1", got)
	}
}

// --- lifecycle ---

func TestStopResolvesQueuedRequests(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	ch := f.submit(t, commitArgs{txID: newHash(), states: []types.StateRef{newRef()}})
	f.p.Stop()

	e := mustFail(t, wait(t, ch), protocol.KindGeneral)
	if e.Cause != errNotaryStopped.Error() {
		t.Errorf("cause = %q, want %q", e.Cause, errNotaryStopped.Error())
	}
	if _, err := f.p.Commit(context.Background(), nil, newHash(), "alice", nil, nil, nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Commit after Stop = %v, want ErrStopped", err)
	}
	f.p.Stop()
}

func TestCommitBlocksOnFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	f := newFixture(t, nil, cfg)
	f.submit(t, commitArgs{txID: newHash()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.p.Commit(ctx, nil, newHash(), "alice", nil, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Commit on full queue = %v, want deadline exceeded", err)
	}
	if got := f.p.queuedStates.Load(); got != 0 {
		t.Errorf("queued states = %d, want 0", got)
	}
}

func TestRequestIDsUnique(t *testing.T) {
	f := newFixture(t, nil, testConfig())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := f.p.newRequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
	}
}
