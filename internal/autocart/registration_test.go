package autocart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Registration is process-wide; none of these tests run in parallel.

func registerFixture(t *testing.T, f *fixture, opts RegisterOptions) *Registration {
	t.Helper()
	t.Cleanup(Unregister)
	reg, err := Register(testContext(t), f.worker, opts)
	require.NoError(t, err)
	return reg
}

type stubPushService struct {
	calls int
	opts  SubscribeOptions
	err   error
}

func (s *stubPushService) Subscribe(_ context.Context, opts SubscribeOptions) (*Subscription, error) {
	s.calls++
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &Subscription{Endpoint: "https://push.example.com/abc"}, nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	f.serveShell()

	first := registerFixture(t, f, RegisterOptions{Version: "v1"})
	calls := f.mock.GetTotalCallCount()

	second, err := Register(testContext(t), f.newWorker(), RegisterOptions{Version: "v2"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, f.worker, second.Worker())
	assert.Equal(t, calls, f.mock.GetTotalCallCount())
	assert.Equal(t, "autocart-cache-v1", f.worker.ActiveGeneration())
}

func TestRegisterFailureLeavesNoRegistration(t *testing.T) {
	f := newFixture(t, "")
	t.Cleanup(Unregister)

	_, err := Register(testContext(t), f.worker, RegisterOptions{Version: "v1"})
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Nil(t, CurrentRegistration())
}

func TestSubscribeWithoutRegistration(t *testing.T) {
	Unregister()
	sub, err := SubscribeToPush(context.Background())
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Nil(t, sub)
}

func TestSubscribeUsesConfiguredKey(t *testing.T) {
	_, pub, err := GenerateVAPIDKeys()
	require.NoError(t, err)

	f := newFixture(t, "")
	f.serveShell()
	push := &stubPushService{}
	registerFixture(t, f, RegisterOptions{Version: "v1", Push: push, ApplicationServerKey: pub})

	sub, err := SubscribeToPush(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.com/abc", sub.Endpoint)
	assert.Equal(t, 1, push.calls)
	assert.True(t, push.opts.UserVisibleOnly)

	want, err := decodeApplicationKey(pub)
	require.NoError(t, err)
	assert.Equal(t, want, push.opts.ApplicationServerKey)
	assert.Len(t, want, 65)
}

func TestSubscribeFailures(t *testing.T) {
	f := newFixture(t, "")
	f.serveShell()
	push := &stubPushService{err: errors.New("push service unavailable")}
	reg := registerFixture(t, f, RegisterOptions{Version: "v1", Push: push, ApplicationServerKey: "BAEC"})

	_, err := reg.Subscribe(testContext(t))
	require.ErrorIs(t, err, push.err)

	reg.appKey = ""
	_, err = reg.Subscribe(testContext(t))
	require.ErrorIs(t, err, ErrNoPushKey)
}
