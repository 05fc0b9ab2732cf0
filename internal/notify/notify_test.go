package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	immediate []Descriptor
	summaries [][]Descriptor
	failImmediate bool
}

func (r *recordingTrigger) EmitImmediate(ctx context.Context, d Descriptor) error {
	if r.failImmediate {
		return errors.New("transport down")
	}
	r.immediate = append(r.immediate, d)
	return nil
}

func (r *recordingTrigger) EmitDailySummary(ctx context.Context, entries []Descriptor) error {
	r.summaries = append(r.summaries, entries)
	return nil
}

func TestDecideMatrix(t *testing.T) {
	require.Equal(t, DecisionImmediate, Decide(ModeAlways, true))
	require.Equal(t, DecisionImmediate, Decide(ModeAlways, false))
	require.Equal(t, DecisionAccumulate, Decide(ModeFailure, true))
	require.Equal(t, DecisionImmediate, Decide(ModeFailure, false))
	require.Equal(t, DecisionAccumulate, Decide(ModeDaily, true))
	require.Equal(t, DecisionAccumulate, Decide(ModeDaily, false))
	require.Equal(t, DecisionDrop, Decide(ModeNever, true))
	require.Equal(t, DecisionDrop, Decide(ModeNever, false))
}

func TestDispatcherEmitsImmediateOnAlways(t *testing.T) {
	trig := &recordingTrigger{}
	disp := NewDispatcher(trig)

	err := disp.Handle(context.Background(), Descriptor{JobType: "sync", NotifyMode: ModeAlways, Success: true})
	require.NoError(t, err)
	require.Len(t, trig.immediate, 1)
	require.Equal(t, 0, disp.Pending())
}

func TestDispatcherAccumulatesOnDaily(t *testing.T) {
	trig := &recordingTrigger{}
	disp := NewDispatcher(trig)

	require.NoError(t, disp.Handle(context.Background(), Descriptor{NotifyMode: ModeDaily, Success: true}))
	require.NoError(t, disp.Handle(context.Background(), Descriptor{NotifyMode: ModeDaily, Success: false}))
	require.Equal(t, 2, disp.Pending())
	require.Empty(t, trig.immediate)

	require.NoError(t, disp.FlushDailySummary(context.Background()))
	require.Equal(t, 0, disp.Pending())
	require.Len(t, trig.summaries, 1)
	require.Len(t, trig.summaries[0], 2)
}

func TestDispatcherSkipsEmptyDailySummary(t *testing.T) {
	trig := &recordingTrigger{}
	disp := NewDispatcher(trig)

	require.NoError(t, disp.FlushDailySummary(context.Background()))
	require.Empty(t, trig.summaries)
}

func TestDispatcherDropsOnNever(t *testing.T) {
	trig := &recordingTrigger{}
	disp := NewDispatcher(trig)

	require.NoError(t, disp.Handle(context.Background(), Descriptor{NotifyMode: ModeNever, Success: false}))
	require.Equal(t, 0, disp.Pending())
	require.Empty(t, trig.immediate)
}

func TestDispatcherWrapsImmediateError(t *testing.T) {
	trig := &recordingTrigger{failImmediate: true}
	disp := NewDispatcher(trig)

	err := disp.Handle(context.Background(), Descriptor{JobType: "sync", JobID: 7, NotifyMode: ModeAlways, Success: false})
	require.Error(t, err)
}
