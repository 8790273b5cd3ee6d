package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/shopfront/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Aggregator starts aggregations. It holds no per-aggregation state and is
// safe for concurrent use.
type Aggregator struct {
	logger  *zap.Logger
	metrics *Metrics
	opts    Options
}

// NewAggregator creates an Aggregator. A nil logger or metrics is allowed.
func NewAggregator(opts Options, logger *zap.Logger, metrics *Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Aggregator{
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// FanOut invokes every variant concurrently and returns immediately with an
// Aggregation that is busy until the last variant settles.
//
// An empty variant list, a nil invoker, an empty label or a repeated label is
// an InvalidArgumentError and no call-out is started. Call-out failures never
// surface here; they are recorded as the variant's outcome.
func (a *Aggregator) FanOut(ctx context.Context, variants []Variant, invoke Invoker) (*Aggregation, error) {
	if err := validate(variants, invoke); err != nil {
		return nil, err
	}

	aggCtx, cancel := context.WithCancel(ctx)
	agg := &Aggregation{
		id:       uuid.New().String(),
		variants: append([]Variant(nil), variants...),
		ctx:      aggCtx,
		cancel:   cancel,
		outcomes: make(map[string]Outcome, len(variants)),
		pending:  len(variants),
		events:   make(chan SettlementEvent, len(variants)),
		done:     make(chan struct{}),
		metrics:  a.metrics,
	}
	for _, v := range variants {
		agg.outcomes[v.Label] = Outcome{State: StatePending}
	}
	agg.busy.Store(true)
	agg.logger = a.logger.With(zap.String("aggregation_id", agg.id))

	var sem *semaphore.Weighted
	if a.opts.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(a.opts.MaxConcurrency)
	}

	a.metrics.AggregationsTotal.Inc()
	a.metrics.ActiveVariants.Add(float64(len(variants)))
	agg.logger.Debug("fan-out started", zap.Int("variants", len(variants)))

	started := time.Now()
	for _, v := range agg.variants {
		go a.run(agg, v, invoke, sem, started)
	}
	return agg, nil
}

func validate(variants []Variant, invoke Invoker) error {
	if len(variants) == 0 {
		return errors.NewInvalidArgumentError("", "fan-out requires at least one variant")
	}
	if invoke == nil {
		return errors.NewInvalidArgumentError("", "fan-out requires an invoker")
	}
	seen := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v.Label == "" {
			return errors.NewInvalidArgumentError("", "variant label must not be empty")
		}
		if _, ok := seen[v.Label]; ok {
			return errors.NewInvalidArgumentError("", fmt.Sprintf("duplicate variant label %q", v.Label))
		}
		seen[v.Label] = struct{}{}
	}
	return nil
}

func (a *Aggregator) run(agg *Aggregation, v Variant, invoke Invoker, sem *semaphore.Weighted, started time.Time) {
	release := func() {}
	if sem != nil {
		if err := sem.Acquire(agg.ctx, 1); err != nil {
			agg.settle(v.Label, failure(agg.id, v.Label, err), started)
			return
		}
		release = func() { sem.Release(1) }
	}

	ctx := agg.ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	text, err := call(ctx, invoke, v.Payload, release)
	if err != nil {
		agg.settle(v.Label, failure(agg.id, v.Label, err), started)
		return
	}
	agg.settle(v.Label, Outcome{State: StateSucceeded, Text: text}, started)
}

type callResult struct {
	text string
	err  error
}

// call runs invoke and returns when it finishes or ctx is done, whichever is
// first. An invoker that ignores ctx is left to finish on its own; release
// runs only once invoke has returned, so its concurrency slot stays taken
// until then.
func call(ctx context.Context, invoke Invoker, payload any, release func()) (string, error) {
	ch := make(chan callResult, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{err: fmt.Errorf("call-out panicked: %v", r)}
			}
		}()
		text, err := invoke(ctx, payload)
		ch <- callResult{text: text, err: err}
	}()

	select {
	case res := <-ch:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func failure(id, label string, err error) Outcome {
	if errors.IsType(err, errors.MalformedResponseError) {
		return Outcome{State: StateFailed, Err: errors.NewMalformedResponseError(id, label, err)}
	}
	return Outcome{State: StateFailed, Err: errors.NewCallOutError(id, label, err)}
}

// Aggregation is one fan-out in progress. It is owned by the caller that
// started it and shares no state with other aggregations.
type Aggregation struct {
	id       string
	variants []Variant
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	metrics  *Metrics

	mu        sync.Mutex
	outcomes  map[string]Outcome
	pending   int
	discarded bool

	busy   atomic.Bool
	events chan SettlementEvent
	done   chan struct{}
}

// ID identifies the aggregation in logs and error responses.
func (g *Aggregation) ID() string { return g.id }

// Len returns the number of variants.
func (g *Aggregation) Len() int { return len(g.variants) }

// Busy reports whether any variant is still pending.
func (g *Aggregation) Busy() bool { return g.busy.Load() }

// Events delivers one SettlementEvent per variant in settlement order. The
// channel is closed after the last settlement. Events settled after Discard
// are not delivered.
func (g *Aggregation) Events() <-chan SettlementEvent { return g.events }

// Done is closed once every variant has settled.
func (g *Aggregation) Done() <-chan struct{} { return g.done }

// Wait blocks until every variant has settled or ctx is done.
func (g *Aggregation) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome returns the current outcome for label.
func (g *Aggregation) Outcome(label string) (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.outcomes[label]
	return o, ok
}

// Outcomes returns the current outcome of every variant in submission order.
func (g *Aggregation) Outcomes() []Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	results := make([]Result, 0, len(g.variants))
	for _, v := range g.variants {
		results = append(results, Result{Label: v.Label, Outcome: g.outcomes[v.Label]})
	}
	return results
}

// Discard drops the caller's interest. Outstanding call-outs see their context
// cancelled and no further events are delivered. Outcomes are still recorded,
// so a variant settling after Discard is usually a CallOutError wrapping
// context.Canceled rather than the text it would have returned.
// Discard is idempotent.
func (g *Aggregation) Discard() {
	g.mu.Lock()
	if g.discarded {
		g.mu.Unlock()
		return
	}
	g.discarded = true
	g.mu.Unlock()

	g.cancel()
	g.logger.Debug("aggregation discarded")
}

// Discarded reports whether Discard has been called.
func (g *Aggregation) Discarded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discarded
}

// settle records the outcome for label. The first settlement wins. The last
// settlement clears busy before its event is sent, so a reader that has seen
// fewer than Len events always observes Busy as true.
func (g *Aggregation) settle(label string, outcome Outcome, started time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcomes[label].Settled() {
		return
	}
	g.outcomes[label] = outcome
	g.pending--

	g.metrics.ActiveVariants.Dec()
	g.metrics.VariantsTotal.WithLabelValues(outcome.State.String()).Inc()
	g.metrics.VariantDuration.Observe(time.Since(started).Seconds())

	if outcome.State == StateFailed {
		g.logger.Warn("variant failed", zap.String("variant", label), zap.Error(outcome.Err))
	} else {
		g.logger.Debug("variant settled", zap.String("variant", label))
	}

	last := g.pending == 0
	if last {
		g.busy.Store(false)
	}
	if !g.discarded {
		g.events <- SettlementEvent{Label: label, Outcome: outcome}
	}
	if last {
		close(g.events)
		close(g.done)
		g.cancel()
		g.logger.Debug("fan-out settled")
	}
}
