// Package broadcast drives the peripheral (broadcaster) role: starting and
// stopping advertising, with the same coalescing, timeout, and state-loss
// semantics as the central engine.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bluewire/bluewire"
	"github.com/bluewire/bluewire/registry"
)

// advOp keys the advertiser's two pending operation slots.
type advOp int

const (
	opStart advOp = iota
	opStop
)

// An Advertiser owns the advertising state. It consumes radio events via
// HandleRadioEvent and publishes AdvertisingStateChanged on its event
// stream. All methods are safe for concurrent use.
type Advertiser struct {
	radio  bluewire.Radio
	log    *slog.Logger
	events *bluewire.Stream
	ops    *registry.Registry[advOp, struct{}]

	mu          sync.Mutex
	state       bluewire.ManagerState
	advertising bool
	closed      bool
}

// An Option configures an Advertiser.
type Option func(*Advertiser)

// WithLogger sets the advertiser's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Advertiser) { a.log = l }
}

// NewAdvertiser returns an Advertiser driving radio. Deliver the radio's
// events to HandleRadioEvent.
func NewAdvertiser(radio bluewire.Radio, opts ...Option) *Advertiser {
	a := &Advertiser{
		radio:  radio,
		log:    slog.Default(),
		events: bluewire.NewStream(),
		ops:    registry.New[advOp, struct{}](),
		state:  bluewire.StateUnknown,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Events returns the advertiser's event stream. It carries
// ManagerStateChanged and AdvertisingStateChanged events, and completes
// normally on Close.
func (a *Advertiser) Events() *bluewire.Stream { return a.events }

// State returns the current manager state as seen by the advertiser.
func (a *Advertiser) State() bluewire.ManagerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Advertising reports whether the radio is currently broadcasting.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// StartAsync begins broadcasting adv and registers fn for the outcome.
// Starting while already advertising succeeds immediately; concurrent
// starts coalesce, with the first caller's payload winning. The radio must
// be powered on.
func (a *Advertiser) StartAsync(adv bluewire.Advertisement, timeout time.Duration, fn func(error)) bluewire.Pending {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		fn(bluewire.ErrDestroyed)
		return nil
	}
	if a.state != bluewire.StatePoweredOn {
		s := a.state
		a.mu.Unlock()
		fn(&bluewire.InvalidStateError{State: s})
		return nil
	}
	if a.advertising {
		a.mu.Unlock()
		fn(nil)
		return nil
	}
	w := a.ops.Submit(opStart, timeout,
		&bluewire.TimeoutError{Op: "advertise", Target: "start", Timeout: timeout},
		func() { a.radio.StartAdvertising(adv) },
		func(_ struct{}, err error) { fn(err) })
	a.mu.Unlock()
	return w
}

// Start blocks until advertising begins, the attempt fails or times out,
// or ctx is cancelled.
func (a *Advertiser) Start(ctx context.Context, adv bluewire.Advertisement, timeout time.Duration) error {
	return a.block(ctx, func(fn func(error)) bluewire.Pending {
		return a.StartAsync(adv, timeout, fn)
	})
}

// StopAsync stops broadcasting and registers fn for the outcome. Stopping
// while not advertising succeeds immediately.
func (a *Advertiser) StopAsync(timeout time.Duration, fn func(error)) bluewire.Pending {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		fn(bluewire.ErrDestroyed)
		return nil
	}
	if !a.advertising {
		a.mu.Unlock()
		fn(nil)
		return nil
	}
	w := a.ops.Submit(opStop, timeout,
		&bluewire.TimeoutError{Op: "advertise", Target: "stop", Timeout: timeout},
		func() { a.radio.StopAdvertising() },
		func(_ struct{}, err error) { fn(err) })
	a.mu.Unlock()
	return w
}

// Stop blocks until advertising stops, the request fails or times out, or
// ctx is cancelled.
func (a *Advertiser) Stop(ctx context.Context, timeout time.Duration) error {
	return a.block(ctx, func(fn func(error)) bluewire.Pending {
		return a.StopAsync(timeout, fn)
	})
}

// Close releases the advertiser: pending operations resolve with
// ErrDestroyed and the event stream completes normally.
func (a *Advertiser) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.ops.FailAll(bluewire.ErrDestroyed)
	a.events.Close()
}

// HandleRadioEvent consumes one radio event. Events other than manager
// state and advertising confirmations are ignored; they belong to the
// central role.
func (a *Advertiser) HandleRadioEvent(e bluewire.Event) {
	switch ev := e.(type) {
	case bluewire.ManagerStateChanged:
		a.mu.Lock()
		prev := a.state
		a.state = ev.State
		lost := prev == bluewire.StatePoweredOn && ev.State != bluewire.StatePoweredOn
		if lost {
			a.advertising = false
		}
		a.mu.Unlock()
		if lost {
			a.ops.FailAll(&bluewire.InvalidStateError{State: ev.State})
		}
		a.events.Publish(ev)

	case bluewire.AdvertisingStateChanged:
		a.mu.Lock()
		if ev.Err == nil {
			a.advertising = ev.Enabled
		}
		a.mu.Unlock()
		key := opStop
		if ev.Enabled || (ev.Err != nil && a.ops.Pending(opStart)) {
			key = opStart
		}
		if !a.ops.Resolve(key, struct{}{}, ev.Err) {
			a.log.Debug("unsolicited advertising event", "enabled", ev.Enabled)
		}
		a.events.Publish(ev)
	}
}

// block bridges a callback-form operation into a blocking call, mirroring
// the central engine's convention.
func (a *Advertiser) block(ctx context.Context, start func(fn func(error)) bluewire.Pending) error {
	ch := make(chan error, 1)
	p := start(func(err error) { ch <- err })

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
	}

	if p != nil && p.Cancel() {
		return ctx.Err()
	}
	return <-ch
}
