package central

import (
	"context"
	"sync"
	"time"

	"github.com/bluewire/bluewire"
	"github.com/bluewire/bluewire/registry"
)

// A Peripheral is the discovery and interaction engine scoped to one
// remote device. It holds one operation registry per category (service
// discovery, characteristic discovery, read, write, notify, RSSI), a
// read-through value cache, and the notification bookkeeping. Handles are
// obtained from Manager.Peripheral and stay valid across reconnects until
// Release is called, at which point every pending operation resolves with
// ErrDestroyed.
type Peripheral struct {
	m  *Manager
	id string

	svcDisc  *registry.Registry[string, *bluewire.Service]
	charDisc *registry.Registry[string, *bluewire.Characteristic]
	reads    *registry.Registry[string, []byte]
	writes   *registry.Registry[string, struct{}]
	notifies *registry.Registry[string, bool]
	rssi     *registry.Registry[singleton, int]

	mu        sync.Mutex
	released  bool
	svcs      map[string]*bluewire.Service
	chars     map[string]*bluewire.Characteristic
	notifying map[string]bool
	cache     *valueCache

	monitorStop chan struct{}
}

func newPeripheral(m *Manager, id string) *Peripheral {
	return &Peripheral{
		m:         m,
		id:        id,
		svcDisc:   registry.New[string, *bluewire.Service](),
		charDisc:  registry.New[string, *bluewire.Characteristic](),
		reads:     registry.New[string, []byte](),
		writes:    registry.New[string, struct{}](),
		notifies:  registry.New[string, bool](),
		rssi:      registry.New[singleton, int](),
		svcs:      make(map[string]*bluewire.Service),
		chars:     make(map[string]*bluewire.Characteristic),
		notifying: make(map[string]bool),
		cache:     newValueCache(),
	}
}

// ID returns the peripheral's identifier.
func (p *Peripheral) ID() string { return p.id }

// Profile returns the services discovered so far.
func (p *Peripheral) Profile() *bluewire.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := &bluewire.Profile{}
	for _, s := range p.svcs {
		prof.Services = append(prof.Services, s)
	}
	return prof
}

// Notifying reports whether the characteristic is currently notifying.
func (p *Peripheral) Notifying(char bluewire.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifying[char.String()]
}

// guard checks liveness and connection under p.mu. It returns a non-nil
// error that the caller must deliver (after unlocking) when the operation
// cannot start.
func (p *Peripheral) guard() error {
	if p.released {
		return bluewire.ErrDestroyed
	}
	if p.m.ConnState(p.id) != bluewire.Connected {
		return &bluewire.NotConnectedError{ID: p.id}
	}
	return nil
}

// DiscoverServiceAsync discovers the service with the given UUID. An
// already discovered service completes immediately without a radio round
// trip; otherwise concurrent discoveries coalesce, and the operation fails
// with ServiceNotFoundError when the service has not appeared within
// timeout.
func (p *Peripheral) DiscoverServiceAsync(svc bluewire.UUID, timeout time.Duration, fn func(*bluewire.Service, error)) bluewire.Pending {
	key := svc.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(nil, err)
		return nil
	}
	if s := p.svcs[key]; s != nil {
		p.mu.Unlock()
		fn(s, nil)
		return nil
	}
	w := p.svcDisc.Submit(key, timeout,
		&bluewire.ServiceNotFoundError{Service: svc},
		func() { p.m.radio.DiscoverServices(p.id, []bluewire.UUID{svc}) },
		fn)
	p.mu.Unlock()
	return w
}

// DiscoverService blocks until the service is discovered, the deadline
// fires, or ctx is cancelled.
func (p *Peripheral) DiscoverService(ctx context.Context, svc bluewire.UUID, timeout time.Duration) (*bluewire.Service, error) {
	return wait(ctx, func(fn func(*bluewire.Service, error)) bluewire.Pending {
		return p.DiscoverServiceAsync(svc, timeout, fn)
	})
}

// DiscoverCharacteristicAsync discovers a characteristic within a
// service. Coalescing is keyed by the characteristic UUID; the first
// caller's service parameter drives the radio command.
func (p *Peripheral) DiscoverCharacteristicAsync(char, svc bluewire.UUID, timeout time.Duration, fn func(*bluewire.Characteristic, error)) bluewire.Pending {
	key := char.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(nil, err)
		return nil
	}
	if c := p.chars[key]; c != nil {
		p.mu.Unlock()
		fn(c, nil)
		return nil
	}
	w := p.charDisc.Submit(key, timeout,
		&bluewire.CharacteristicNotFoundError{Characteristic: char},
		func() { p.m.radio.DiscoverCharacteristics(p.id, svc, []bluewire.UUID{char}) },
		fn)
	p.mu.Unlock()
	return w
}

// DiscoverCharacteristic blocks until the characteristic is discovered,
// the deadline fires, or ctx is cancelled.
func (p *Peripheral) DiscoverCharacteristic(ctx context.Context, char, svc bluewire.UUID, timeout time.Duration) (*bluewire.Characteristic, error) {
	return wait(ctx, func(fn func(*bluewire.Characteristic, error)) bluewire.Pending {
		return p.DiscoverCharacteristicAsync(char, svc, timeout, fn)
	})
}

// ReadAsync reads a characteristic value. The cache policy is evaluated
// first: a hit completes immediately without touching the registry or the
// radio. On a miss, concurrent reads of the same characteristic coalesce
// onto one radio command, and a successful result is stored back into the
// cache by the value handler.
func (p *Peripheral) ReadAsync(char bluewire.UUID, policy bluewire.CachePolicy, timeout time.Duration, fn func([]byte, error)) bluewire.Pending {
	key := char.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(nil, err)
		return nil
	}
	if c := p.chars[key]; c != nil && !c.Property.CanRead() {
		p.mu.Unlock()
		fn(nil, &bluewire.NotSupportedError{Characteristic: char, Op: "read"})
		return nil
	}
	if data, ok := p.cache.lookup(key, policy); ok {
		p.mu.Unlock()
		fn(data, nil)
		return nil
	}
	w := p.reads.Submit(key, timeout,
		&bluewire.TimeoutError{Op: "read", Target: key, Timeout: timeout},
		func() { p.m.radio.Read(p.id, char) },
		fn)
	p.mu.Unlock()
	return w
}

// Read blocks until the value is available, the deadline fires, or ctx is
// cancelled.
func (p *Peripheral) Read(ctx context.Context, char bluewire.UUID, policy bluewire.CachePolicy, timeout time.Duration) ([]byte, error) {
	return wait(ctx, func(fn func([]byte, error)) bluewire.Pending {
		return p.ReadAsync(char, policy, timeout, fn)
	})
}

// WriteAsync performs an acknowledged write, resolving on the radio's
// write confirmation.
func (p *Peripheral) WriteAsync(char bluewire.UUID, data []byte, timeout time.Duration, fn func(error)) bluewire.Pending {
	key := char.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(err)
		return nil
	}
	if c := p.chars[key]; c != nil && !c.Property.CanWrite() {
		p.mu.Unlock()
		fn(&bluewire.NotSupportedError{Characteristic: char, Op: "write"})
		return nil
	}
	w := p.writes.Submit(key, timeout,
		&bluewire.TimeoutError{Op: "write", Target: key, Timeout: timeout},
		func() { p.m.radio.Write(p.id, char, data, true) },
		func(_ struct{}, err error) { fn(err) })
	p.mu.Unlock()
	return w
}

// Write blocks until the write is acknowledged, the deadline fires, or
// ctx is cancelled.
func (p *Peripheral) Write(ctx context.Context, char bluewire.UUID, data []byte, timeout time.Duration) error {
	_, err := wait(ctx, func(fn func(struct{}, error)) bluewire.Pending {
		return p.WriteAsync(char, data, timeout, func(err error) { fn(struct{}{}, err) })
	})
	return err
}

// WriteWithoutResponse issues an unacknowledged write. The radio gives no
// confirmation, so the call completes on command acceptance.
func (p *Peripheral) WriteWithoutResponse(char bluewire.UUID, data []byte) error {
	key := char.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		return err
	}
	if c := p.chars[key]; c != nil && !c.Property.CanWriteNR() {
		p.mu.Unlock()
		return &bluewire.NotSupportedError{Characteristic: char, Op: "write"}
	}
	p.mu.Unlock()
	p.m.radio.Write(p.id, char, data, false)
	return nil
}

// SetNotifyAsync enables or disables value notifications for a
// characteristic, resolving when the radio confirms the subscription
// state. Value updates for a notifying characteristic bypass the
// registries and are published directly on the manager's event stream,
// refreshing the cache on the way.
func (p *Peripheral) SetNotifyAsync(char bluewire.UUID, enabled bool, timeout time.Duration, fn func(error)) bluewire.Pending {
	key := char.String()
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(err)
		return nil
	}
	if c := p.chars[key]; c != nil && !c.Property.CanNotify() {
		p.mu.Unlock()
		fn(&bluewire.NotSupportedError{Characteristic: char, Op: "notify"})
		return nil
	}
	w := p.notifies.Submit(key, timeout,
		&bluewire.TimeoutError{Op: "notify", Target: key, Timeout: timeout},
		func() { p.m.radio.SetNotify(p.id, char, enabled) },
		func(_ bool, err error) { fn(err) })
	p.mu.Unlock()
	return w
}

// SetNotify blocks until the subscription change is confirmed, the
// deadline fires, or ctx is cancelled.
func (p *Peripheral) SetNotify(ctx context.Context, char bluewire.UUID, enabled bool, timeout time.Duration) error {
	_, err := wait(ctx, func(fn func(struct{}, error)) bluewire.Pending {
		return p.SetNotifyAsync(char, enabled, timeout, func(err error) { fn(struct{}{}, err) })
	})
	return err
}

// Release destroys the handle: the RSSI monitor stops, the cache empties,
// and every pending operation resolves with ErrDestroyed. The handle must
// not be used afterwards; Manager.Peripheral returns a fresh one.
func (p *Peripheral) Release() {
	p.m.releasePeripheral(p.id, p)
	p.destroy()
}

func (p *Peripheral) destroy() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.stopMonitorLocked()
	p.cache.invalidateAll()
	p.mu.Unlock()
	p.failPending(bluewire.ErrDestroyed)
}

// handleDisconnected tears down per-connection state. cause carries the
// causal error for radio- or state-loss-initiated disconnects and is nil
// for requested ones.
func (p *Peripheral) handleDisconnected(cause error) {
	p.mu.Lock()
	p.stopMonitorLocked()
	p.svcs = make(map[string]*bluewire.Service)
	p.chars = make(map[string]*bluewire.Characteristic)
	p.notifying = make(map[string]bool)
	p.cache.invalidateAll()
	p.mu.Unlock()

	if cause == nil {
		cause = &bluewire.NotConnectedError{ID: p.id}
	}
	p.failPending(cause)
}

// failPending resolves every outstanding operation with err.
func (p *Peripheral) failPending(err error) {
	p.svcDisc.FailAll(err)
	p.charDisc.FailAll(err)
	p.reads.FailAll(err)
	p.writes.FailAll(err)
	p.notifies.FailAll(err)
	p.rssi.FailAll(err)
}

// handleEvent consumes a peripheral-scoped radio event routed by the
// manager.
func (p *Peripheral) handleEvent(e bluewire.Event) {
	switch ev := e.(type) {
	case bluewire.ServicesDiscovered:
		if ev.Err != nil {
			p.svcDisc.FailAll(ev.Err)
			return
		}
		p.mu.Lock()
		for _, s := range ev.Services {
			p.rememberService(s)
		}
		p.mu.Unlock()
		for _, s := range ev.Services {
			p.svcDisc.Resolve(s.UUID.String(), s, nil)
		}
		p.m.events.Publish(ev)

	case bluewire.CharacteristicsDiscovered:
		if ev.Err != nil {
			p.charDisc.FailAll(ev.Err)
			return
		}
		p.mu.Lock()
		for _, c := range ev.Characteristics {
			if c.Service == nil {
				c.Service = ev.Service
			}
			p.rememberCharacteristic(c)
		}
		p.mu.Unlock()
		for _, c := range ev.Characteristics {
			p.charDisc.Resolve(c.UUID.String(), c, nil)
		}
		p.m.events.Publish(ev)

	case bluewire.CharacteristicValue:
		p.handleValue(ev)

	case bluewire.WriteConfirmed:
		if !p.writes.Resolve(ev.Char.String(), struct{}{}, ev.Err) {
			p.m.log.Debug("stray write confirmation dropped",
				"peripheral", p.id, "characteristic", ev.Char)
		}

	case bluewire.NotifyStateChanged:
		key := ev.Char.String()
		if ev.Err == nil {
			p.mu.Lock()
			p.notifying[key] = ev.Enabled
			p.mu.Unlock()
		}
		p.notifies.Resolve(key, ev.Enabled, ev.Err)

	case bluewire.RSSIUpdate:
		p.rssi.Resolve(singleton{}, ev.RSSI, ev.Err)
		p.m.events.Publish(ev)
	}
}

// handleValue stores a successful value into the cache, resolves a
// pending read, and publishes notification-sourced updates as events.
func (p *Peripheral) handleValue(ev bluewire.CharacteristicValue) {
	key := ev.Char.String()

	if ev.Err == nil && len(ev.Data) > 0 {
		p.cache.store(key, ev.Data)
	}

	if ev.Notified {
		p.m.events.Publish(ev)
		return
	}

	switch {
	case ev.Err != nil:
		p.reads.Fail(key, ev.Err)
	case len(ev.Data) == 0:
		p.reads.Fail(key, &bluewire.EmptyDataError{Characteristic: ev.Char})
	default:
		if !p.reads.Resolve(key, ev.Data, nil) {
			p.m.log.Debug("stray value update dropped",
				"peripheral", p.id, "characteristic", ev.Char)
		}
	}
}

// rememberService merges a discovered service (and its characteristics)
// into the local profile. Caller holds p.mu.
func (p *Peripheral) rememberService(s *bluewire.Service) {
	p.svcs[s.UUID.String()] = s
	for _, c := range s.Characteristics {
		if c.Service == nil {
			c.Service = s.UUID
		}
		p.chars[c.UUID.String()] = c
	}
}

// rememberCharacteristic merges a discovered characteristic into the local
// profile. Caller holds p.mu.
func (p *Peripheral) rememberCharacteristic(c *bluewire.Characteristic) {
	p.chars[c.UUID.String()] = c
	if c.Service == nil {
		return
	}
	s := p.svcs[c.Service.String()]
	if s == nil {
		return
	}
	if s.Characteristic(c.UUID) == nil {
		s.Characteristics = append(s.Characteristics, c)
	}
}
