package fanout

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/shopfront/errors"
	"go.uber.org/zap/zaptest"
)

func languages(labels ...string) []Variant {
	variants := make([]Variant, len(labels))
	for i, l := range labels {
		variants[i] = Variant{Label: l, Payload: l}
	}
	return variants
}

func echo(ctx context.Context, payload any) (string, error) {
	return "translated to " + payload.(string), nil
}

func collect(t *testing.T, agg *Aggregation) []SettlementEvent {
	t.Helper()
	var events []SettlementEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-agg.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for settlement events")
		}
	}
}

func newTestAggregator(t *testing.T, opts Options) *Aggregator {
	return NewAggregator(opts, zaptest.NewLogger(t), nil)
}

func TestFanOutEmitsOneEventPerVariant(t *testing.T) {
	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French", "German", "Spanish"), echo)
	require.NoError(t, err)
	assert.NotEmpty(t, agg.ID())
	assert.Equal(t, 3, agg.Len())

	events := collect(t, agg)
	require.Len(t, events, 3)

	labels := map[string]bool{}
	for _, ev := range events {
		labels[ev.Label] = true
		assert.Equal(t, StateSucceeded, ev.Outcome.State)
		assert.Equal(t, "translated to "+ev.Label, ev.Outcome.Text)
	}
	assert.Len(t, labels, 3)
	assert.False(t, agg.Busy())

	select {
	case <-agg.Done():
	default:
		t.Fatal("Done should be closed after the last event")
	}
}

func TestFanOutBusyUntilLastSettlement(t *testing.T) {
	gates := map[string]chan struct{}{
		"French":  make(chan struct{}),
		"German":  make(chan struct{}),
		"Italian": make(chan struct{}),
	}
	invoke := func(ctx context.Context, payload any) (string, error) {
		<-gates[payload.(string)]
		return payload.(string), nil
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French", "German", "Italian"), invoke)
	require.NoError(t, err)
	assert.True(t, agg.Busy(), "busy as soon as FanOut returns")

	for i, label := range []string{"German", "Italian", "French"} {
		close(gates[label])
		ev := <-agg.Events()
		assert.Equal(t, label, ev.Label)
		if i < 2 {
			assert.True(t, agg.Busy(), "busy while %d variants pending", 2-i)
		}
	}
	assert.False(t, agg.Busy())

	_, open := <-agg.Events()
	assert.False(t, open)
}

func TestFanOutSiblingIndependence(t *testing.T) {
	boom := stderrors.New("provider unavailable")
	invoke := func(ctx context.Context, payload any) (string, error) {
		switch payload.(string) {
		case "French":
			return "", boom
		case "German":
			time.Sleep(30 * time.Millisecond)
			return "Hallo", nil
		default:
			return "Hola", nil
		}
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French", "German", "Spanish"), invoke)
	require.NoError(t, err)
	events := collect(t, agg)
	require.Len(t, events, 3)
	assert.Equal(t, "German", events[2].Label, "the delayed variant settles last")

	french, ok := agg.Outcome("French")
	require.True(t, ok)
	assert.Equal(t, StateFailed, french.State)
	assert.True(t, errors.IsType(french.Err, errors.CallOutError))
	assert.ErrorIs(t, french.Err, boom)

	var se *errors.ShopfrontError
	require.True(t, errors.As(french.Err, &se))
	assert.Equal(t, "French", se.Variant())
	assert.Equal(t, agg.ID(), se.RequestID)

	german, _ := agg.Outcome("German")
	assert.Equal(t, Outcome{State: StateSucceeded, Text: "Hallo"}, german)
	spanish, _ := agg.Outcome("Spanish")
	assert.Equal(t, Outcome{State: StateSucceeded, Text: "Hola"}, spanish)
}

func TestFanOutOutcomesInSubmissionOrder(t *testing.T) {
	invoke := func(ctx context.Context, payload any) (string, error) {
		if payload.(string) == "Arabic" {
			time.Sleep(20 * time.Millisecond)
		}
		return payload.(string), nil
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("Arabic", "Dutch", "Hindi"), invoke)
	require.NoError(t, err)
	require.NoError(t, agg.Wait(context.Background()))

	results := agg.Outcomes()
	require.Len(t, results, 3)
	for i, label := range []string{"Arabic", "Dutch", "Hindi"} {
		assert.Equal(t, label, results[i].Label)
		assert.Equal(t, label, results[i].Outcome.Text)
	}
}

func TestFanOutInvalidArguments(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
		invoke   Invoker
	}{
		{name: "empty variants", variants: nil, invoke: echo},
		{name: "nil invoker", variants: languages("French"), invoke: nil},
		{name: "duplicate label", variants: languages("French", "French"), invoke: echo},
		{name: "empty label", variants: []Variant{{Label: ""}}, invoke: echo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			invoke := tt.invoke
			if invoke != nil {
				invoke = func(ctx context.Context, payload any) (string, error) {
					calls.Add(1)
					return tt.invoke(ctx, payload)
				}
			}

			agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), tt.variants, invoke)
			assert.Nil(t, agg)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.InvalidArgumentError))
			assert.Zero(t, calls.Load())
		})
	}
}

func TestFanOutTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	invoke := func(ctx context.Context, payload any) (string, error) {
		if payload.(string) == "Slow" {
			<-release
		}
		return "ok", nil
	}

	agg, err := newTestAggregator(t, Options{Timeout: 20 * time.Millisecond}).FanOut(context.Background(), languages("Slow", "Fast"), invoke)
	require.NoError(t, err)
	require.Len(t, collect(t, agg), 2)

	slow, _ := agg.Outcome("Slow")
	assert.Equal(t, StateFailed, slow.State)
	assert.ErrorIs(t, slow.Err, context.DeadlineExceeded)

	var se *errors.ShopfrontError
	require.True(t, errors.As(slow.Err, &se))
	assert.Equal(t, errors.CallOutError, se.Type)
	assert.Equal(t, 504, se.Code)

	fast, _ := agg.Outcome("Fast")
	assert.Equal(t, StateSucceeded, fast.State)
}

func TestDiscardStopsEventsAndCancelsCallOuts(t *testing.T) {
	started := make(chan struct{}, 2)
	invoke := func(ctx context.Context, payload any) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French", "German"), invoke)
	require.NoError(t, err)
	<-started
	<-started

	agg.Discard()
	agg.Discard()
	assert.True(t, agg.Discarded())

	events := collect(t, agg)
	assert.Empty(t, events, "no events after discard")
	assert.False(t, agg.Busy())

	for _, r := range agg.Outcomes() {
		assert.Equal(t, StateFailed, r.Outcome.State)
		assert.ErrorIs(t, r.Outcome.Err, context.Canceled)
	}
}

func TestFanOutParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	invoke := func(ctx context.Context, payload any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(ctx, languages("French"), invoke)
	require.NoError(t, err)
	cancel()

	events := collect(t, agg)
	require.Len(t, events, 1)
	assert.True(t, errors.IsType(events[0].Outcome.Err, errors.CallOutError))
}

func TestFanOutMalformedResponse(t *testing.T) {
	invoke := func(ctx context.Context, payload any) (string, error) {
		return "", errors.NewMalformedResponseError("", "", stderrors.New("empty model output"))
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French"), invoke)
	require.NoError(t, err)
	events := collect(t, agg)
	require.Len(t, events, 1)

	var se *errors.ShopfrontError
	require.True(t, errors.As(events[0].Outcome.Err, &se))
	assert.Equal(t, errors.MalformedResponseError, se.Type)
	assert.Equal(t, "French", se.Variant())
}

func TestFanOutRecoversInvokerPanic(t *testing.T) {
	invoke := func(ctx context.Context, payload any) (string, error) {
		if payload.(string) == "French" {
			panic("nil template")
		}
		return "ok", nil
	}

	agg, err := newTestAggregator(t, DefaultOptions()).FanOut(context.Background(), languages("French", "German"), invoke)
	require.NoError(t, err)
	require.Len(t, collect(t, agg), 2)

	french, _ := agg.Outcome("French")
	assert.Equal(t, StateFailed, french.State)
	assert.Contains(t, french.Err.Error(), "nil template")
	german, _ := agg.Outcome("German")
	assert.Equal(t, StateSucceeded, german.State)
}

func TestFanOutMaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	invoke := func(ctx context.Context, payload any) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}

	labels := make([]string, 8)
	for i := range labels {
		labels[i] = fmt.Sprintf("lang-%d", i)
	}

	agg, err := newTestAggregator(t, Options{MaxConcurrency: 2}).FanOut(context.Background(), languages(labels...), invoke)
	require.NoError(t, err)
	require.Len(t, collect(t, agg), 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFanOutMaxConcurrencyHoldsSlotUntilInvokerReturns(t *testing.T) {
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(4)
	invoke := func(ctx context.Context, payload any) (string, error) {
		defer wg.Done()
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return "late", nil
	}

	opts := Options{MaxConcurrency: 1, Timeout: 5 * time.Millisecond}
	agg, err := newTestAggregator(t, opts).FanOut(context.Background(), languages("French", "German", "Spanish", "Italian"), invoke)
	require.NoError(t, err)

	events := collect(t, agg)
	require.Len(t, events, 4)
	for _, ev := range events {
		assert.Equal(t, StateFailed, ev.Outcome.State)
		assert.ErrorIs(t, ev.Outcome.Err, context.DeadlineExceeded)
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	invoke := func(ctx context.Context, payload any) (string, error) {
		<-release
		return "ok", nil
	}

	agg, err := newTestAggregator(t, Options{}).FanOut(context.Background(), languages("French"), invoke)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, agg.Wait(ctx), context.DeadlineExceeded)
	assert.True(t, agg.Busy())

	pending, ok := agg.Outcome("French")
	require.True(t, ok)
	assert.Equal(t, StatePending, pending.State)

	close(release)
	require.NoError(t, agg.Wait(context.Background()))
	assert.False(t, agg.Busy())
}

func TestFanOutMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	aggregator := NewAggregator(DefaultOptions(), zaptest.NewLogger(t), metrics)

	invoke := func(ctx context.Context, payload any) (string, error) {
		if payload.(string) == "French" {
			return "", stderrors.New("down")
		}
		return "ok", nil
	}

	agg, err := aggregator.FanOut(context.Background(), languages("French", "German", "Spanish"), invoke)
	require.NoError(t, err)
	require.NoError(t, agg.Wait(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AggregationsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ActiveVariants))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.VariantsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.VariantsTotal.WithLabelValues("failed")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "succeeded", StateSucceeded.String())
	assert.Equal(t, "failed", StateFailed.String())
}
