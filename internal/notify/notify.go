// Package notify implements the notification trigger contract: a fixed
// call descriptor plus a decision matrix over mode x outcome. Real
// transports (SMTP/webhook/Telegram) are out of scope; only the trigger
// contract and the Go-side decision of "emit now / accumulate / drop" live
// here, following the narrow single-purpose interface style used throughout
// this module (internal/ifaces.Logger/Cache).
package notify

import (
	"context"
	"fmt"
	"time"
)

// Mode is one of the four values a job's notify_mode column may hold.
type Mode string

const (
	ModeAlways  Mode = "always"
	ModeFailure Mode = "failure"
	ModeDaily   Mode = "daily"
	ModeNever   Mode = "never"
)

// Descriptor is the call descriptor passed to a Trigger at the end of every
// pipeline run -- a fixed record of explicit optional fields rather than a
// schema-less config object.
type Descriptor struct {
	JobType     string // "sync", "recovery", "migration", "hostbackup"
	JobName     string
	Success     bool
	Source      string
	Destination string
	Duration    time.Duration
	Err         error
	BytesMoved  string // textual, as parsed by the pipeline; empty if unknown
	JobID       int64
	IsScheduled bool
	NotifyMode  Mode
}

// Trigger is the narrow surface a real transport (SMTP/webhook/Telegram,
// all out of scope) would implement. EmitImmediate is called synchronously
// at run end for "always" and "failure-on-failure" outcomes; EmitDailySummary
// is called once per day with every accumulated Descriptor.
type Trigger interface {
	EmitImmediate(ctx context.Context, d Descriptor) error
	EmitDailySummary(ctx context.Context, entries []Descriptor) error
}

// NoOpTrigger drops every notification. The zero value of the daemon's
// notifier until a real transport is configured.
type NoOpTrigger struct{}

func (NoOpTrigger) EmitImmediate(ctx context.Context, d Descriptor) error        { return nil }
func (NoOpTrigger) EmitDailySummary(ctx context.Context, entries []Descriptor) error { return nil }

// Decision is the outcome of applying the mode x outcome decision matrix to
// one Descriptor.
type Decision int

const (
	// DecisionDrop: never notify.
	DecisionDrop Decision = iota
	// DecisionImmediate: emit now, synchronously.
	DecisionImmediate
	// DecisionAccumulate: fold into the next daily summary.
	DecisionAccumulate
)

// Decide applies the mode x outcome decision matrix.
func Decide(mode Mode, success bool) Decision {
	switch mode {
	case ModeAlways:
		return DecisionImmediate
	case ModeFailure:
		if success {
			return DecisionAccumulate
		}
		return DecisionImmediate
	case ModeDaily:
		return DecisionAccumulate
	case ModeNever:
		return DecisionDrop
	default:
		return DecisionDrop
	}
}

// Dispatcher applies Decide to a run's Descriptor, calling Trigger
// immediately or appending to an in-memory accumulator for the next daily
// summary. The scheduler owns the accumulator's lifetime (cleared once per
// UTC day after EmitDailySummary runs); no separate persistent queue is
// kept -- accumulation here is a same-process buffer bridging "the decision
// was made" to "the daily-summary tick ran", not a replacement for the Job
// Log, which remains the source of truth queried at summary time.
type Dispatcher struct {
	trigger     Trigger
	accumulated []Descriptor
}

// NewDispatcher constructs a Dispatcher. A nil trigger installs NoOpTrigger.
func NewDispatcher(trigger Trigger) *Dispatcher {
	if trigger == nil {
		trigger = NoOpTrigger{}
	}
	return &Dispatcher{trigger: trigger}
}

// Handle applies the decision matrix to d, emitting immediately or
// accumulating as appropriate. Errors from the immediate transport are
// wrapped but never alter the pipeline's own outcome -- notification
// failures are logged by the caller, not propagated as job failures.
func (disp *Dispatcher) Handle(ctx context.Context, d Descriptor) error {
	switch Decide(d.NotifyMode, d.Success) {
	case DecisionImmediate:
		if err := disp.trigger.EmitImmediate(ctx, d); err != nil {
			return fmt.Errorf("emit notification for job %s/%d: %w", d.JobType, d.JobID, err)
		}
	case DecisionAccumulate:
		disp.accumulated = append(disp.accumulated, d)
	case DecisionDrop:
	}
	return nil
}

// FlushDailySummary emits every accumulated Descriptor since the last flush
// and clears the buffer. An empty buffer emits nothing: EmitDailySummary is
// only called when there is at least one entry.
func (disp *Dispatcher) FlushDailySummary(ctx context.Context) error {
	entries := disp.accumulated
	disp.accumulated = nil
	if len(entries) == 0 {
		return nil
	}
	if err := disp.trigger.EmitDailySummary(ctx, entries); err != nil {
		return fmt.Errorf("emit daily summary (%d entries): %w", len(entries), err)
	}
	return nil
}

// Pending reports how many Descriptors are currently buffered for the next
// daily summary, for tests and diagnostics.
func (disp *Dispatcher) Pending() int {
	return len(disp.accumulated)
}
