// Package fanout issues independent model call-outs concurrently, one per
// variant, and reports each settlement as it happens.
//
// A typical use is translating one product description into several target
// languages at once: every language is a Variant, the translation call is the
// Invoker, and the caller streams SettlementEvents to the client while
// Busy reports whether any translation is still outstanding.
package fanout

import (
	"context"
	"time"
)

// Variant is one unit of fan-out work. Label identifies it in events and
// outcomes and must be unique within an aggregation.
type Variant struct {
	Label   string
	Payload any
}

// Invoker performs the model call-out for a single variant payload and
// returns the raw model text.
type Invoker func(ctx context.Context, payload any) (string, error)

// State is the settlement state of a variant.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome is the recorded result of one variant. Text is set when the
// variant succeeded, Err when it failed.
type Outcome struct {
	State State
	Text  string
	Err   error
}

// Settled reports whether the outcome is final.
func (o Outcome) Settled() bool {
	return o.State != StatePending
}

// SettlementEvent is delivered once per variant, in settlement order.
type SettlementEvent struct {
	Label   string
	Outcome Outcome
}

// Result pairs a label with its outcome for ordered summaries.
type Result struct {
	Label   string
	Outcome Outcome
}

// Options tune an Aggregator.
type Options struct {
	// Timeout bounds each call-out. Zero disables the per-variant deadline.
	Timeout time.Duration

	// MaxConcurrency bounds in-flight call-outs per aggregation. Zero or less
	// means every variant runs at once.
	MaxConcurrency int64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Timeout: 60 * time.Second,
	}
}
