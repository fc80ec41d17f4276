package central

import (
	"context"
	"time"

	"github.com/bluewire/bluewire"
)

// ReadRSSIAsync reads the signal strength of the connection. Concurrent
// reads coalesce onto one radio command; drivers that cannot report RSSI
// fail with ErrRSSIUnavailable.
func (p *Peripheral) ReadRSSIAsync(timeout time.Duration, fn func(int, error)) bluewire.Pending {
	p.mu.Lock()
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		fn(0, err)
		return nil
	}
	w := p.rssi.Submit(singleton{}, timeout,
		&bluewire.TimeoutError{Op: "rssi", Target: p.id, Timeout: timeout},
		func() { p.m.radio.ReadRSSI(p.id) },
		fn)
	p.mu.Unlock()
	return w
}

// ReadRSSI blocks until the signal strength is available, the deadline
// fires, or ctx is cancelled.
func (p *Peripheral) ReadRSSI(ctx context.Context, timeout time.Duration) (int, error) {
	return wait(ctx, func(fn func(int, error)) bluewire.Pending {
		return p.ReadRSSIAsync(timeout, fn)
	})
}

// SetRSSINotify starts or stops periodic signal-strength sampling. Samples
// surface as RSSIUpdate events on the manager's event stream. Enabling
// with a new interval replaces the running monitor; disabling stops the
// cadence before returning, though one already-issued sample may still
// land on the stream.
func (p *Peripheral) SetRSSINotify(enabled bool, every time.Duration) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return bluewire.ErrDestroyed
	}
	p.stopMonitorLocked()
	if !enabled {
		p.mu.Unlock()
		return nil
	}
	if err := p.guard(); err != nil {
		p.mu.Unlock()
		return err
	}
	if every <= 0 {
		every = time.Second
	}
	stop := make(chan struct{})
	p.monitorStop = stop
	p.mu.Unlock()

	go p.monitor(every, stop)
	return nil
}

// stopMonitorLocked halts the running monitor, if any. Caller holds p.mu.
func (p *Peripheral) stopMonitorLocked() {
	if p.monitorStop != nil {
		close(p.monitorStop)
		p.monitorStop = nil
	}
}

// monitor samples RSSI on a fixed cadence until stopped. Each sample rides
// the regular read path, so failures surface on the event stream and a
// disconnect's FailAll leaves nothing dangling.
func (p *Peripheral) monitor(every time.Duration, stop chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		p.mu.Lock()
		stopped := p.monitorStop != stop
		p.mu.Unlock()
		if stopped {
			return
		}
		p.ReadRSSIAsync(every, func(int, error) {})
	}
}
