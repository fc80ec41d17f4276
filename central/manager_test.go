package central

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewire/bluewire"
	"github.com/bluewire/bluewire/radiotest"
)

const devA = "aa:bb:cc:dd:ee:01"
const devB = "aa:bb:cc:dd:ee:02"

func newTestManager(t *testing.T) (*radiotest.Stack, *Manager) {
	t.Helper()
	stack := radiotest.New()
	m := NewManager(stack)
	stack.Attach(m)
	return stack, m
}

func powerOn(stack *radiotest.Stack) {
	stack.Emit(bluewire.ManagerStateChanged{State: bluewire.StatePoweredOn})
}

func TestWaitUntilReadyImmediateWhenPoweredOn(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	p := m.WaitUntilReadyAsync(time.Hour, func(err error) { done <- err })
	assert.Nil(t, p, "immediate completion returns no pending handle")
	assert.NoError(t, <-done)
}

func TestWaitUntilReadyResolvesOnTransition(t *testing.T) {
	stack, m := newTestManager(t)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		m.WaitUntilReadyAsync(time.Hour, func(err error) { errs <- err })
	}
	powerOn(stack)
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestWaitUntilReadyFatalState(t *testing.T) {
	stack, m := newTestManager(t)

	done := make(chan error, 1)
	m.WaitUntilReadyAsync(time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.ManagerStateChanged{State: bluewire.StateUnauthorized})

	var ise *bluewire.InvalidStateError
	require.ErrorAs(t, <-done, &ise)
	assert.Equal(t, bluewire.StateUnauthorized, ise.State)

	// Subsequent waits fail without registering anything.
	m.WaitUntilReadyAsync(time.Hour, func(err error) { done <- err })
	require.ErrorAs(t, <-done, &ise)
}

func TestWaitUntilReadyTimeout(t *testing.T) {
	_, m := newTestManager(t)

	done := make(chan error, 1)
	m.WaitUntilReadyAsync(10*time.Millisecond, func(err error) { done <- err })

	select {
	case err := <-done:
		var te *bluewire.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "ready", te.Op)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestConcurrentConnectsCoalesce(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { errs <- err })
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, stack.Count(radiotest.OpConnect), "coalesced connects issue one radio command")
	assert.Equal(t, bluewire.Connecting, m.ConnState(devA))

	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, bluewire.Connected, m.ConnState(devA))
}

func TestConnectAlreadyConnectedIsImmediate(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	require.NoError(t, <-done)

	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	assert.NoError(t, <-done)
	assert.Equal(t, 1, stack.Count(radiotest.OpConnect))
}

func TestConnectRequiresPoweredOn(t *testing.T) {
	_, m := newTestManager(t)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })

	var ise *bluewire.InvalidStateError
	require.ErrorAs(t, <-done, &ise)
	assert.Equal(t, bluewire.StateUnknown, ise.State)
}

func TestConnectFailure(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnectFailed{ID: devA, Err: assert.AnError})

	assert.ErrorIs(t, <-done, assert.AnError)
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devA))
}

func TestConnectTimeoutResetsState(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, 10*time.Millisecond, func(err error) { done <- err })

	var te *bluewire.TimeoutError
	require.ErrorAs(t, <-done, &te)
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devA), "timed-out connect must not stay connecting")

	// connecting, then disconnected carrying the timeout as cause.
	cs := <-events
	assert.Equal(t, bluewire.Connecting, cs.(bluewire.ConnStateChanged).State)
	cs = <-events
	got, ok := cs.(bluewire.ConnStateChanged)
	require.True(t, ok)
	assert.Equal(t, bluewire.Disconnected, got.State)
	assert.ErrorAs(t, got.Err, &te)

	// A retry after the timeout starts a fresh attempt.
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	assert.Equal(t, 2, stack.Count(radiotest.OpConnect))
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	assert.NoError(t, <-done)
}

func TestDisconnectTimeoutResetsState(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	require.NoError(t, <-done)

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	m.DisconnectAsync(devA, 10*time.Millisecond, func(err error) { done <- err })

	var te *bluewire.TimeoutError
	require.ErrorAs(t, <-done, &te)
	assert.Equal(t, "disconnect", te.Op)
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devA), "timed-out disconnect must not stay disconnecting")

	cs := <-events
	assert.Equal(t, bluewire.Disconnecting, cs.(bluewire.ConnStateChanged).State)
	cs = <-events
	got, ok := cs.(bluewire.ConnStateChanged)
	require.True(t, ok)
	assert.Equal(t, bluewire.Disconnected, got.State)
	assert.ErrorAs(t, got.Err, &te)
}

func TestConnectFailureEmitsSingleDisconnected(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnectFailed{ID: devA, Err: assert.AnError})
	require.Error(t, <-done)

	// The radio failure path already reset the state; the completion hook
	// must not publish a second disconnected event.
	n := 0
	for {
		select {
		case e := <-events:
			if cs, ok := e.(bluewire.ConnStateChanged); ok && cs.State == bluewire.Disconnected {
				n++
			}
		default:
			assert.Equal(t, 1, n)
			return
		}
	}
}

func TestDisconnectResolvesAndCascades(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	require.NoError(t, <-done)

	// A pending read on the peripheral must fail when the link drops.
	p := m.Peripheral(devA)
	readErr := make(chan error, 1)
	p.ReadAsync(bluewire.UUID16(0x2a19), bluewire.CacheNever, time.Hour, func(_ []byte, err error) { readErr <- err })

	m.DisconnectAsync(devA, time.Hour, func(err error) { done <- err })
	assert.Equal(t, 1, stack.Count(radiotest.OpDisconnect))
	stack.Emit(bluewire.PeripheralDisconnected{ID: devA})

	assert.NoError(t, <-done)
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devA))

	var nce *bluewire.NotConnectedError
	assert.ErrorAs(t, <-readErr, &nce)
}

func TestUnexpectedDisconnectCarriesCause(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	require.NoError(t, <-done)

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	stack.Emit(bluewire.PeripheralDisconnected{ID: devA, Err: assert.AnError})

	for e := range events {
		if cs, ok := e.(bluewire.ConnStateChanged); ok {
			assert.Equal(t, devA, cs.ID)
			assert.Equal(t, bluewire.Disconnected, cs.State)
			assert.ErrorIs(t, cs.Err, assert.AnError)
			return
		}
	}
	t.Fatal("no ConnStateChanged event")
}

func TestStateLossCascade(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	// devA established, devB mid-connect.
	aDone := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { aDone <- err })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	require.NoError(t, <-aDone)

	bDone := make(chan error, 1)
	m.ConnectAsync(devB, bluewire.ConnectOptions{}, time.Hour, func(err error) { bDone <- err })

	pa := m.Peripheral(devA)
	readErr := make(chan error, 1)
	pa.ReadAsync(bluewire.UUID16(0x2a19), bluewire.CacheNever, time.Hour, func(_ []byte, err error) { readErr <- err })

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	stack.Emit(bluewire.ManagerStateChanged{State: bluewire.StatePoweredOff})

	var ise *bluewire.InvalidStateError
	require.ErrorAs(t, <-bDone, &ise, "pending connect fails on state loss")
	assert.ErrorAs(t, <-readErr, &ise, "pending read fails on state loss")
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devA))
	assert.Equal(t, bluewire.Disconnected, m.ConnState(devB))
	assert.Equal(t, bluewire.StatePoweredOff, m.State())

	// The disconnect notifications carry the causal invalid-state error.
	seen := 0
	for e := range events {
		cs, ok := e.(bluewire.ConnStateChanged)
		if !ok {
			continue
		}
		assert.Equal(t, bluewire.Disconnected, cs.State)
		require.ErrorAs(t, cs.Err, &ise)
		assert.Equal(t, bluewire.StatePoweredOff, ise.State)
		if seen++; seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen, "one notification per affected peripheral")
}

func TestCloseFailsEverythingAndEndsStream(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	done := make(chan error, 1)
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	m.Close()

	assert.ErrorIs(t, <-done, bluewire.ErrDestroyed)

	// Stream completes normally.
	for {
		if _, ok := <-events; !ok {
			break
		}
	}

	m.ConnectAsync(devB, bluewire.ConnectOptions{}, time.Hour, func(err error) { done <- err })
	assert.ErrorIs(t, <-done, bluewire.ErrDestroyed)
}

func TestBlockingConnectHonorsContext(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx, devA, bluewire.ConnectOptions{}, time.Hour) }()

	// Wait until the command is issued, then abandon the wait.
	require.Eventually(t, func() bool {
		return stack.Count(radiotest.OpConnect) == 1
	}, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)

	// The radio command is still in flight; its late result is dropped.
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	assert.Equal(t, bluewire.Connected, m.ConnState(devA))
}

func TestEventSubscribersSeeOnlyNewEvents(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack) // published before anyone subscribes

	events, cancel := m.Events().Subscribe(8)
	defer cancel()

	select {
	case e := <-events:
		t.Fatalf("replayed event: %#v", e)
	default:
	}

	stack.Emit(bluewire.ManagerStateChanged{State: bluewire.StateResetting})
	e := <-events
	ms, ok := e.(bluewire.ManagerStateChanged)
	require.True(t, ok)
	assert.Equal(t, bluewire.StateResetting, ms.State)
}

func TestDuplicateConnectEventIsNoop(t *testing.T) {
	stack, m := newTestManager(t)
	powerOn(stack)

	var calls atomic.Int32
	m.ConnectAsync(devA, bluewire.ConnectOptions{}, time.Hour, func(error) { calls.Add(1) })
	stack.Emit(bluewire.PeripheralConnected{ID: devA})
	stack.Emit(bluewire.PeripheralConnected{ID: devA})

	assert.Equal(t, int32(1), calls.Load(), "completion runs exactly once")
}
