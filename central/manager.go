// Package central drives the client (central) role: manager readiness,
// per-peripheral connections, and the discovery/read/write/notify engine
// layered on the registry package.
package central

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluewire/bluewire"
	"github.com/bluewire/bluewire/registry"
)

// singleton keys manager-wide operations that have no natural identifier.
type singleton struct{}

// A Manager owns the readiness state machine and per-peripheral connection
// state. It consumes radio events via HandleRadioEvent and republishes
// state changes on its event stream. All methods are safe for concurrent
// use from any goroutine.
type Manager struct {
	radio  bluewire.Radio
	log    *slog.Logger
	events *bluewire.Stream

	ready       *registry.Registry[singleton, struct{}]
	connects    *registry.Registry[string, struct{}]
	disconnects *registry.Registry[string, struct{}]

	mu     sync.Mutex
	state  bluewire.ManagerState
	conn   map[string]bluewire.ConnState
	peris  map[string]*Peripheral
	closed bool
}

// An Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager in the unknown state, driving radio.
// Deliver the radio's events to HandleRadioEvent.
func NewManager(radio bluewire.Radio, opts ...Option) *Manager {
	m := &Manager{
		radio:       radio,
		log:         slog.Default(),
		events:      bluewire.NewStream(),
		ready:       registry.New[singleton, struct{}](),
		connects:    registry.New[string, struct{}](),
		disconnects: registry.New[string, struct{}](),
		state:       bluewire.StateUnknown,
		conn:        make(map[string]bluewire.ConnState),
		peris:       make(map[string]*Peripheral),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Events returns the manager's event stream. It carries
// ManagerStateChanged, ConnStateChanged, discovery results,
// CharacteristicValue, and RSSIUpdate events, and completes normally on
// Close.
func (m *Manager) Events() *bluewire.Stream { return m.events }

// State returns the current manager state.
func (m *Manager) State() bluewire.ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnState returns the connection state of one peripheral.
func (m *Manager) ConnState(id string) bluewire.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn[id]
}

// Peripheral returns the handle for id, creating it if needed. The handle
// stays valid across reconnects until released.
func (m *Manager) Peripheral(id string) *Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peris[id]
	if p == nil {
		p = newPeripheral(m, id)
		m.peris[id] = p
	}
	return p
}

// WaitUntilReadyAsync registers fn to run once the manager reaches powered
// on. It completes immediately when the state is already decided: success
// on poweredOn, InvalidStateError on unsupported/unauthorized. Otherwise
// fn runs when the state resolves, or with a TimeoutError when timeout
// (if positive) fires first. Concurrent waiters coalesce onto one entry.
func (m *Manager) WaitUntilReadyAsync(timeout time.Duration, fn func(error)) bluewire.Pending {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn(bluewire.ErrDestroyed)
		return nil
	}
	s := m.state
	if s == bluewire.StatePoweredOn {
		m.mu.Unlock()
		fn(nil)
		return nil
	}
	if s.Fatal() {
		m.mu.Unlock()
		fn(&bluewire.InvalidStateError{State: s})
		return nil
	}
	w := m.ready.Submit(singleton{}, timeout,
		&bluewire.TimeoutError{Op: "ready", Target: "manager", Timeout: timeout},
		nil,
		func(_ struct{}, err error) { fn(err) })
	m.mu.Unlock()
	return w
}

// WaitUntilReady blocks until the manager is ready, the timeout fires, or
// ctx is cancelled.
func (m *Manager) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	_, err := wait(ctx, func(fn func(struct{}, error)) bluewire.Pending {
		return m.WaitUntilReadyAsync(timeout, func(err error) { fn(struct{}{}, err) })
	})
	return err
}

// ConnectAsync initiates a connection to the peripheral and registers fn
// for its outcome. Connecting an already connected peripheral succeeds
// immediately; concurrent attempts for the same peripheral coalesce onto
// one radio command, with the first caller's options winning.
func (m *Manager) ConnectAsync(id string, opts bluewire.ConnectOptions, timeout time.Duration, fn func(error)) bluewire.Pending {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn(bluewire.ErrDestroyed)
		return nil
	}
	if m.state != bluewire.StatePoweredOn {
		s := m.state
		m.mu.Unlock()
		fn(&bluewire.InvalidStateError{State: s})
		return nil
	}
	if m.conn[id] == bluewire.Connected {
		m.mu.Unlock()
		fn(nil)
		return nil
	}
	announce := m.conn[id] != bluewire.Connecting
	m.conn[id] = bluewire.Connecting
	w := m.connects.Submit(id, timeout,
		&bluewire.TimeoutError{Op: "connect", Target: id, Timeout: timeout},
		func() { m.radio.Connect(id, opts) },
		func(_ struct{}, err error) {
			if err != nil {
				m.failTransition(id, err)
			}
			fn(err)
		})
	m.mu.Unlock()

	if announce {
		m.events.Publish(bluewire.ConnStateChanged{ID: id, State: bluewire.Connecting})
	}
	return w
}

// Connect blocks until the peripheral connects, the attempt fails or
// times out, or ctx is cancelled.
func (m *Manager) Connect(ctx context.Context, id string, opts bluewire.ConnectOptions, timeout time.Duration) error {
	_, err := wait(ctx, func(fn func(struct{}, error)) bluewire.Pending {
		return m.ConnectAsync(id, opts, timeout, func(err error) { fn(struct{}{}, err) })
	})
	return err
}

// DisconnectAsync initiates disconnection and registers fn for its
// outcome. Disconnecting an already disconnected peripheral succeeds
// immediately.
func (m *Manager) DisconnectAsync(id string, timeout time.Duration, fn func(error)) bluewire.Pending {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn(bluewire.ErrDestroyed)
		return nil
	}
	if m.conn[id] == bluewire.Disconnected {
		m.mu.Unlock()
		fn(nil)
		return nil
	}
	if m.state != bluewire.StatePoweredOn {
		s := m.state
		m.mu.Unlock()
		fn(&bluewire.InvalidStateError{State: s})
		return nil
	}
	announce := m.conn[id] != bluewire.Disconnecting
	m.conn[id] = bluewire.Disconnecting
	w := m.disconnects.Submit(id, timeout,
		&bluewire.TimeoutError{Op: "disconnect", Target: id, Timeout: timeout},
		func() { m.radio.Disconnect(id) },
		func(_ struct{}, err error) {
			if err != nil {
				m.failTransition(id, err)
			}
			fn(err)
		})
	m.mu.Unlock()

	if announce {
		m.events.Publish(bluewire.ConnStateChanged{ID: id, State: bluewire.Disconnecting})
	}
	return w
}

// Disconnect blocks until the peripheral disconnects, the request fails
// or times out, or ctx is cancelled.
func (m *Manager) Disconnect(ctx context.Context, id string, timeout time.Duration) error {
	_, err := wait(ctx, func(fn func(struct{}, error)) bluewire.Pending {
		return m.DisconnectAsync(id, timeout, func(err error) { fn(struct{}{}, err) })
	})
	return err
}

// Close releases the manager: every pending operation, including those of
// peripheral handles, resolves with ErrDestroyed and the event stream
// completes normally. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peris := make([]*Peripheral, 0, len(m.peris))
	for _, p := range m.peris {
		peris = append(peris, p)
	}
	m.peris = make(map[string]*Peripheral)
	m.mu.Unlock()

	m.ready.FailAll(bluewire.ErrDestroyed)
	m.connects.FailAll(bluewire.ErrDestroyed)
	m.disconnects.FailAll(bluewire.ErrDestroyed)
	for _, p := range peris {
		p.destroy()
	}
	m.events.Close()
}

// HandleRadioEvent consumes one radio event. The radio must deliver events
// from a goroutine that holds no engine locks; events for unknown keys are
// dropped, which guards against duplicate or late delivery.
func (m *Manager) HandleRadioEvent(e bluewire.Event) {
	switch ev := e.(type) {
	case bluewire.ManagerStateChanged:
		m.handleManagerState(ev.State)

	case bluewire.PeripheralConnected:
		m.mu.Lock()
		m.conn[ev.ID] = bluewire.Connected
		m.mu.Unlock()
		m.events.Publish(bluewire.ConnStateChanged{ID: ev.ID, State: bluewire.Connected})
		if !m.connects.Resolve(ev.ID, struct{}{}, nil) {
			m.log.Debug("unsolicited connect event", "peripheral", ev.ID)
		}

	case bluewire.PeripheralConnectFailed:
		m.mu.Lock()
		m.conn[ev.ID] = bluewire.Disconnected
		m.mu.Unlock()
		err := ev.Err
		if err == nil {
			err = &bluewire.NotConnectedError{ID: ev.ID}
		}
		m.events.Publish(bluewire.ConnStateChanged{ID: ev.ID, State: bluewire.Disconnected, Err: ev.Err})
		m.connects.Fail(ev.ID, err)

	case bluewire.PeripheralDisconnected:
		m.mu.Lock()
		m.conn[ev.ID] = bluewire.Disconnected
		p := m.peris[ev.ID]
		m.mu.Unlock()
		if p != nil {
			p.handleDisconnected(ev.Err)
		}
		cause := ev.Err
		if cause == nil {
			cause = &bluewire.NotConnectedError{ID: ev.ID}
		}
		m.connects.Fail(ev.ID, cause)
		m.disconnects.Resolve(ev.ID, struct{}{}, nil)
		m.events.Publish(bluewire.ConnStateChanged{ID: ev.ID, State: bluewire.Disconnected, Err: ev.Err})

	case bluewire.ServicesDiscovered:
		m.route(ev.ID, e)
	case bluewire.CharacteristicsDiscovered:
		m.route(ev.ID, e)
	case bluewire.CharacteristicValue:
		m.route(ev.ID, e)
	case bluewire.WriteConfirmed:
		m.route(ev.ID, e)
	case bluewire.NotifyStateChanged:
		m.route(ev.ID, e)
	case bluewire.RSSIUpdate:
		m.route(ev.ID, e)

	case bluewire.AdvertisingStateChanged:
		// Broadcaster concern; not ours.

	default:
		m.log.Debug("unhandled radio event", "event", e)
	}
}

// route forwards a peripheral-scoped event to its handle.
func (m *Manager) route(id string, e bluewire.Event) {
	m.mu.Lock()
	p := m.peris[id]
	m.mu.Unlock()
	if p == nil {
		m.log.Debug("event for unknown peripheral dropped", "peripheral", id)
		return
	}
	p.handleEvent(e)
}

// handleManagerState applies the authoritative state from the radio,
// resolves readiness waiters, and cascades a loss of poweredOn onto every
// pending and established connection.
func (m *Manager) handleManagerState(s bluewire.ManagerState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	lost := prev == bluewire.StatePoweredOn && s != bluewire.StatePoweredOn
	var affected []string
	var peris []*Peripheral
	if lost {
		for id, cs := range m.conn {
			if cs != bluewire.Disconnected {
				m.conn[id] = bluewire.Disconnected
				affected = append(affected, id)
			}
		}
		for _, p := range m.peris {
			peris = append(peris, p)
		}
	}
	m.mu.Unlock()

	switch {
	case s == bluewire.StatePoweredOn:
		m.ready.Resolve(singleton{}, struct{}{}, nil)
	case s.Fatal():
		m.ready.Fail(singleton{}, &bluewire.InvalidStateError{State: s})
	}

	if lost {
		cause := &bluewire.InvalidStateError{State: s}
		m.connects.FailAll(cause)
		m.disconnects.FailAll(cause)
		for _, p := range peris {
			p.handleDisconnected(cause)
		}
		for _, id := range affected {
			m.events.Publish(bluewire.ConnStateChanged{ID: id, State: bluewire.Disconnected, Err: cause})
		}
	}

	m.events.Publish(bluewire.ManagerStateChanged{State: s})
}

// failTransition settles a peripheral left mid-transition by a locally
// raised failure (operation timeout, Close): the state becomes
// disconnected and the change is published with its cause. The radio event
// and state-loss paths reset the state before failing the registries, so
// the check makes this a no-op there, and coalesced completions after the
// first find nothing to do.
func (m *Manager) failTransition(id string, err error) {
	m.mu.Lock()
	s := m.conn[id]
	if s != bluewire.Connecting && s != bluewire.Disconnecting {
		m.mu.Unlock()
		return
	}
	m.conn[id] = bluewire.Disconnected
	m.mu.Unlock()
	m.events.Publish(bluewire.ConnStateChanged{ID: id, State: bluewire.Disconnected, Err: err})
}

// releasePeripheral drops a released handle from the manager's map.
func (m *Manager) releasePeripheral(id string, p *Peripheral) {
	m.mu.Lock()
	if m.peris[id] == p {
		delete(m.peris, id)
	}
	m.mu.Unlock()
}

// wait bridges a callback-form operation into a blocking call. The
// completion channel is buffered so a synchronous immediate completion is
// captured before the select runs; on ctx cancellation the caller's
// waiter is removed, and if removal loses the race with resolution the
// genuine result is returned instead.
func wait[R any](ctx context.Context, start func(fn func(R, error)) bluewire.Pending) (R, error) {
	type outcome struct {
		v   R
		err error
	}
	ch := make(chan outcome, 1)
	p := start(func(v R, err error) { ch <- outcome{v, err} })

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
	}

	if p != nil && p.Cancel() {
		var zero R
		return zero, ctx.Err()
	}
	out := <-ch
	return out.v, out.err
}
