// Package tinygo adapts tinygo.org/x/bluetooth to the engine's Radio
// interface. The underlying stack is synchronous, so every command runs on
// its own goroutine and reports back through radio events.
package tinygo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/bluewire/bluewire"
)

// ErrLinkLost is the disconnection cause reported when the link dropped
// without a Disconnect request.
var ErrLinkLost = errors.New("connection lost")

// Radio drives the platform Bluetooth stack. Construct with New, then call
// Enable before issuing commands.
type Radio struct {
	adapter *bluetooth.Adapter
	handler bluewire.EventHandler
	log     *slog.Logger

	mu        sync.Mutex
	devices   map[string]bluetooth.Device
	services  map[string]map[string]bluetooth.DeviceService
	chars     map[string]map[string]bluetooth.DeviceCharacteristic
	requested map[string]bool // disconnects we initiated
	adv       *bluetooth.Advertisement
}

// An Option configures a Radio.
type Option func(*Radio)

// WithLogger sets the radio's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Radio) { r.log = l }
}

// New returns a Radio. Events flow to the handler given to Enable.
func New(opts ...Option) *Radio {
	r := &Radio{
		adapter:   bluetooth.DefaultAdapter,
		log:       slog.Default(),
		devices:   make(map[string]bluetooth.Device),
		services:  make(map[string]map[string]bluetooth.DeviceService),
		chars:     make(map[string]map[string]bluetooth.DeviceCharacteristic),
		requested: make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enable powers on the adapter, binds the event handler, and reports the
// resulting manager state. The stack exposes no ongoing power
// notifications, so the state is decided once: poweredOn on success,
// poweredOff on failure.
func (r *Radio) Enable(handler bluewire.EventHandler) error {
	r.handler = handler
	if err := r.adapter.Enable(); err != nil {
		r.emit(bluewire.ManagerStateChanged{State: bluewire.StatePoweredOff})
		return errors.Wrap(err, "enable adapter")
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		r.mu.Lock()
		requested := r.requested[id]
		delete(r.requested, id)
		r.dropDeviceLocked(id)
		r.mu.Unlock()

		var cause error
		if !requested {
			cause = ErrLinkLost
		}
		r.emit(bluewire.PeripheralDisconnected{ID: id, Err: cause})
	})

	r.emit(bluewire.ManagerStateChanged{State: bluewire.StatePoweredOn})
	return nil
}

// Scan runs device discovery, invoking found for each advertisement until
// stop is closed. It blocks for the duration of the scan.
func (r *Radio) Scan(stop <-chan struct{}, found func(id, name string, rssi int)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			r.adapter.StopScan()
		case <-done:
		}
	}()
	err := r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		found(res.Address.String(), res.LocalName(), int(res.RSSI))
	})
	close(done)
	return errors.Wrap(err, "scan")
}

func (r *Radio) Connect(id string, opts bluewire.ConnectOptions) {
	go func() {
		var addr bluetooth.Address
		addr.Set(id)
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			r.emit(bluewire.PeripheralConnectFailed{ID: id, Err: errors.Wrap(err, "connect")})
			return
		}
		r.mu.Lock()
		r.devices[id] = device
		r.services[id] = make(map[string]bluetooth.DeviceService)
		r.chars[id] = make(map[string]bluetooth.DeviceCharacteristic)
		r.mu.Unlock()
		r.emit(bluewire.PeripheralConnected{ID: id})
	}()
}

func (r *Radio) Disconnect(id string) {
	r.mu.Lock()
	device, ok := r.devices[id]
	if ok {
		r.requested[id] = true
	}
	r.mu.Unlock()
	if !ok {
		r.emit(bluewire.PeripheralDisconnected{ID: id})
		return
	}
	go func() {
		if err := device.Disconnect(); err != nil {
			r.log.Debug("disconnect failed", "peripheral", id, "err", err)
		}
	}()
}

func (r *Radio) DiscoverServices(id string, filter []bluewire.UUID) {
	go func() {
		device, ok := r.device(id)
		if !ok {
			r.emit(bluewire.ServicesDiscovered{ID: id, Err: &bluewire.NotConnectedError{ID: id}})
			return
		}
		fs, err := toStackUUIDs(filter)
		if err != nil {
			r.emit(bluewire.ServicesDiscovered{ID: id, Err: err})
			return
		}
		svcs, err := device.DiscoverServices(fs)
		if err != nil {
			r.emit(bluewire.ServicesDiscovered{ID: id, Err: errors.Wrap(err, "discover services")})
			return
		}

		out := make([]*bluewire.Service, 0, len(svcs))
		r.mu.Lock()
		for _, s := range svcs {
			u := fromStackUUID(s.UUID())
			if m := r.services[id]; m != nil {
				m[u.String()] = s
			}
			out = append(out, bluewire.NewService(u))
		}
		r.mu.Unlock()
		r.emit(bluewire.ServicesDiscovered{ID: id, Services: out})
	}()
}

func (r *Radio) DiscoverCharacteristics(id string, service bluewire.UUID, filter []bluewire.UUID) {
	fail := func(err error) {
		r.emit(bluewire.CharacteristicsDiscovered{ID: id, Service: service, Err: err})
	}
	go func() {
		r.mu.Lock()
		svc, ok := r.services[id][service.String()]
		r.mu.Unlock()
		if !ok {
			fail(&bluewire.ServiceNotFoundError{Service: service})
			return
		}
		fs, err := toStackUUIDs(filter)
		if err != nil {
			fail(err)
			return
		}
		chars, err := svc.DiscoverCharacteristics(fs)
		if err != nil {
			fail(errors.Wrap(err, "discover characteristics"))
			return
		}

		out := make([]*bluewire.Characteristic, 0, len(chars))
		r.mu.Lock()
		for _, c := range chars {
			u := fromStackUUID(c.UUID())
			if m := r.chars[id]; m != nil {
				m[u.String()] = c
			}
			// The stack does not expose the property mask; leave it
			// unset so the engine treats capabilities as unknown.
			out = append(out, &bluewire.Characteristic{UUID: u, Service: service})
		}
		r.mu.Unlock()
		r.emit(bluewire.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: out})
	}()
}

func (r *Radio) Read(id string, char bluewire.UUID) {
	go func() {
		c, ok := r.characteristic(id, char)
		if !ok {
			r.emit(bluewire.CharacteristicValue{ID: id, Char: char, Err: &bluewire.CharacteristicNotFoundError{Characteristic: char}})
			return
		}
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			r.emit(bluewire.CharacteristicValue{ID: id, Char: char, Err: errors.Wrap(err, "read")})
			return
		}
		r.emit(bluewire.CharacteristicValue{ID: id, Char: char, Data: buf[:n]})
	}()
}

// Write sends data to a characteristic. The stack only exposes
// unacknowledged writes, so acknowledged writes confirm on command
// completion rather than on a peer acknowledgement.
func (r *Radio) Write(id string, char bluewire.UUID, data []byte, withResponse bool) {
	go func() {
		c, ok := r.characteristic(id, char)
		if !ok {
			if withResponse {
				r.emit(bluewire.WriteConfirmed{ID: id, Char: char, Err: &bluewire.CharacteristicNotFoundError{Characteristic: char}})
			}
			return
		}
		_, err := c.WriteWithoutResponse(data)
		if withResponse {
			r.emit(bluewire.WriteConfirmed{ID: id, Char: char, Err: errors.Wrap(err, "write")})
		} else if err != nil {
			r.log.Debug("unacknowledged write failed", "peripheral", id, "characteristic", char, "err", err)
		}
	}()
}

func (r *Radio) SetNotify(id string, char bluewire.UUID, enabled bool) {
	go func() {
		c, ok := r.characteristic(id, char)
		if !ok {
			r.emit(bluewire.NotifyStateChanged{ID: id, Char: char, Enabled: enabled, Err: &bluewire.CharacteristicNotFoundError{Characteristic: char}})
			return
		}
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				r.emit(bluewire.CharacteristicValue{ID: id, Char: char, Data: data, Notified: true})
			}
		}
		err := c.EnableNotifications(cb)
		r.emit(bluewire.NotifyStateChanged{ID: id, Char: char, Enabled: enabled, Err: errors.Wrap(err, "set notify")})
	}()
}

// ReadRSSI reports ErrRSSIUnavailable: the stack exposes RSSI during scans
// only, not for established connections.
func (r *Radio) ReadRSSI(id string) {
	go r.emit(bluewire.RSSIUpdate{ID: id, Err: bluewire.ErrRSSIUnavailable})
}

func (r *Radio) StartAdvertising(adv bluewire.Advertisement) {
	go func() {
		sus, err := toStackUUIDs(adv.Services)
		if err != nil {
			r.emit(bluewire.AdvertisingStateChanged{Enabled: true, Err: err})
			return
		}
		opts := bluetooth.AdvertisementOptions{
			LocalName:    adv.LocalName,
			ServiceUUIDs: sus,
		}
		// Manufacturer data leads with a little-endian company identifier.
		if len(adv.MfgData) >= 2 {
			opts.ManufacturerData = []bluetooth.ManufacturerDataElement{{
				CompanyID: uint16(adv.MfgData[0]) | uint16(adv.MfgData[1])<<8,
				Data:      adv.MfgData[2:],
			}}
		}
		a := r.adapter.DefaultAdvertisement()
		err = a.Configure(opts)
		if err == nil {
			err = a.Start()
		}
		if err != nil {
			r.emit(bluewire.AdvertisingStateChanged{Enabled: true, Err: errors.Wrap(err, "start advertising")})
			return
		}
		r.mu.Lock()
		r.adv = a
		r.mu.Unlock()
		r.emit(bluewire.AdvertisingStateChanged{Enabled: true})
	}()
}

func (r *Radio) StopAdvertising() {
	go func() {
		r.mu.Lock()
		a := r.adv
		r.adv = nil
		r.mu.Unlock()
		if a == nil {
			r.emit(bluewire.AdvertisingStateChanged{Enabled: false})
			return
		}
		if err := a.Stop(); err != nil {
			r.emit(bluewire.AdvertisingStateChanged{Enabled: false, Err: errors.Wrap(err, "stop advertising")})
			return
		}
		r.emit(bluewire.AdvertisingStateChanged{Enabled: false})
	}()
}

func (r *Radio) emit(e bluewire.Event) {
	r.handler.HandleRadioEvent(e)
}

func (r *Radio) device(id string) (bluetooth.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

func (r *Radio) characteristic(id string, char bluewire.UUID) (bluetooth.DeviceCharacteristic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chars[id][char.String()]
	return c, ok
}

// dropDeviceLocked forgets a device's handles. Caller holds r.mu.
func (r *Radio) dropDeviceLocked(id string) {
	delete(r.devices, id)
	delete(r.services, id)
	delete(r.chars, id)
}

// toStackUUID converts an engine UUID to the stack's representation.
func toStackUUID(u bluewire.UUID) (bluetooth.UUID, error) {
	if u.Len() == 2 {
		return bluetooth.New16BitUUID(binary.LittleEndian.Uint16(u)), nil
	}
	s := u.String()
	dashed := fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
	su, err := bluetooth.ParseUUID(dashed)
	return su, errors.Wrapf(err, "uuid %s", s)
}

func toStackUUIDs(us []bluewire.UUID) ([]bluetooth.UUID, error) {
	if us == nil {
		return nil, nil
	}
	out := make([]bluetooth.UUID, 0, len(us))
	for _, u := range us {
		su, err := toStackUUID(u)
		if err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, nil
}

// fromStackUUID converts back, collapsing SIG base UUIDs to 16-bit form so
// the engine's registry keys line up with the caller's filters.
func fromStackUUID(su bluetooth.UUID) bluewire.UUID {
	if su.Is16Bit() {
		return bluewire.UUID16(su.Get16Bit())
	}
	return bluewire.MustParse(su.String())
}

var _ bluewire.Radio = (*Radio)(nil)
