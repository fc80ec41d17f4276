// Package radiotest provides an in-memory Radio for tests. Commands are
// recorded instead of executed; tests script the radio's behavior by
// emitting events back into the engine.
package radiotest

import (
	"sync"

	"github.com/bluewire/bluewire"
)

// Op names a recorded radio command.
type Op string

// Recorded command operations.
const (
	OpConnect       Op = "connect"
	OpDisconnect    Op = "disconnect"
	OpDiscoverSvcs  Op = "discoverServices"
	OpDiscoverChars Op = "discoverCharacteristics"
	OpRead          Op = "read"
	OpWrite         Op = "write"
	OpSetNotify     Op = "setNotify"
	OpReadRSSI      Op = "readRSSI"
	OpStartAdv      Op = "startAdvertising"
	OpStopAdv       Op = "stopAdvertising"
)

// A Command is one recorded radio call. Only the fields relevant to its Op
// are set.
type Command struct {
	Op           Op
	ID           string
	Service      bluewire.UUID
	Filter       []bluewire.UUID
	Char         bluewire.UUID
	Data         []byte
	WithResponse bool
	Enabled      bool
	Opts         bluewire.ConnectOptions
	Adv          bluewire.Advertisement
}

// A Stack records every command and lets the test emit events to the
// attached handlers. Emit delivers synchronously on the caller's
// goroutine, so a test can emit and then assert without sleeping.
type Stack struct {
	mu       sync.Mutex
	commands []Command
	handlers []bluewire.EventHandler
}

// New returns an empty Stack.
func New() *Stack { return &Stack{} }

// Attach registers a handler for emitted events.
func (s *Stack) Attach(h bluewire.EventHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Emit delivers e to every attached handler, synchronously.
func (s *Stack) Emit(e bluewire.Event) {
	s.mu.Lock()
	hs := make([]bluewire.EventHandler, len(s.handlers))
	copy(hs, s.handlers)
	s.mu.Unlock()
	for _, h := range hs {
		h.HandleRadioEvent(e)
	}
}

// Commands returns a copy of every recorded command.
func (s *Stack) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Count returns the number of recorded commands matching op.
func (s *Stack) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Last returns the most recent command matching op.
func (s *Stack) Last(op Op) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.commands) - 1; i >= 0; i-- {
		if s.commands[i].Op == op {
			return s.commands[i], true
		}
	}
	return Command{}, false
}

func (s *Stack) record(c Command) {
	s.mu.Lock()
	s.commands = append(s.commands, c)
	s.mu.Unlock()
}

func (s *Stack) Connect(id string, opts bluewire.ConnectOptions) {
	s.record(Command{Op: OpConnect, ID: id, Opts: opts})
}

func (s *Stack) Disconnect(id string) {
	s.record(Command{Op: OpDisconnect, ID: id})
}

func (s *Stack) DiscoverServices(id string, filter []bluewire.UUID) {
	s.record(Command{Op: OpDiscoverSvcs, ID: id, Filter: filter})
}

func (s *Stack) DiscoverCharacteristics(id string, service bluewire.UUID, filter []bluewire.UUID) {
	s.record(Command{Op: OpDiscoverChars, ID: id, Service: service, Filter: filter})
}

func (s *Stack) Read(id string, char bluewire.UUID) {
	s.record(Command{Op: OpRead, ID: id, Char: char})
}

func (s *Stack) Write(id string, char bluewire.UUID, data []byte, withResponse bool) {
	s.record(Command{Op: OpWrite, ID: id, Char: char, Data: data, WithResponse: withResponse})
}

func (s *Stack) SetNotify(id string, char bluewire.UUID, enabled bool) {
	s.record(Command{Op: OpSetNotify, ID: id, Char: char, Enabled: enabled})
}

func (s *Stack) ReadRSSI(id string) {
	s.record(Command{Op: OpReadRSSI, ID: id})
}

func (s *Stack) StartAdvertising(adv bluewire.Advertisement) {
	s.record(Command{Op: OpStartAdv, Adv: adv})
}

func (s *Stack) StopAdvertising() {
	s.record(Command{Op: OpStopAdv})
}

var _ bluewire.Radio = (*Stack)(nil)
