package autocart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchContainsPanics(t *testing.T) {
	f := newFixture(t, "")
	f.worker.OnSync("boom", func(context.Context) error { panic("kaboom") })
	ran := false
	f.worker.OnSync("ok", func(context.Context) error { ran = true; return nil })

	ctx := testContext(t)
	err := f.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: "boom"}).Wait(ctx)
	require.ErrorIs(t, err, ErrHandlerPanicked)

	require.NoError(t, f.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: "ok"}).Wait(ctx))
	assert.True(t, ran)
}

func TestDispatchUnknownSyncTagIsIgnored(t *testing.T) {
	f := newFixture(t, "")
	ctx := testContext(t)
	require.NoError(t, f.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: "sync-nothing"}).Wait(ctx))
}

func TestDispatchUnknownKind(t *testing.T) {
	f := newFixture(t, "")
	ctx := testContext(t)
	p := f.worker.Dispatch(ctx, Event{Kind: "message"})
	require.ErrorIs(t, p.Wait(ctx), ErrUnknownEvent)
}

func TestDispatchSerializesEventsOfOneKind(t *testing.T) {
	f := newFixture(t, "")
	var inFlight, peak atomic.Int32
	f.worker.OnSync("slow", func(context.Context) error {
		n := inFlight.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	ctx := testContext(t)
	pending := make([]*Pending, 5)
	for i := range pending {
		pending[i] = f.worker.Dispatch(ctx, Event{Kind: EventSync, Tag: "slow"})
	}
	for _, p := range pending {
		require.NoError(t, p.Wait(ctx))
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestDispatchFetchResult(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	ctx := testContext(t)
	p := f.worker.Dispatch(ctx, Event{Kind: EventFetch, Request: getRequest(t, testOrigin+"/")})
	require.NoError(t, p.Wait(ctx))
	<-p.Done()
	res := p.Fetch()
	require.True(t, res.Intercepted())
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, "shell /", readBody(t, res.Response))
}

func TestDispatchFetchWithoutRequest(t *testing.T) {
	f := newFixture(t, "")
	ctx := testContext(t)
	require.Error(t, f.worker.Dispatch(ctx, Event{Kind: EventFetch}).Wait(ctx))
}
