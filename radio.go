package bluewire

// ConnectOptions tunes one connection attempt. The zero value is valid.
type ConnectOptions struct {
	// NotifyOnDisconnection asks the radio to push a disconnection event
	// even for link losses it did not initiate.
	NotifyOnDisconnection bool
}

// Advertisement is the payload broadcast while advertising.
type Advertisement struct {
	LocalName string
	Services  []UUID
	MfgData   []byte
}

// Radio is the command surface of the underlying radio stack. Commands are
// fire and forget: they must not block and must not invoke the engine's
// event handler synchronously. Results arrive later as Events, unordered
// and possibly duplicated or missing.
type Radio interface {
	// Connect initiates a connection to the peripheral.
	Connect(id string, opts ConnectOptions)

	// Disconnect initiates disconnection from the peripheral.
	Disconnect(id string)

	// DiscoverServices starts service discovery. A nil filter requests all
	// services.
	DiscoverServices(id string, filter []UUID)

	// DiscoverCharacteristics starts characteristic discovery within a
	// service. A nil filter requests all characteristics.
	DiscoverCharacteristics(id string, service UUID, filter []UUID)

	// Read requests the current value of a characteristic.
	Read(id string, char UUID)

	// Write writes a characteristic value. With withResponse set the radio
	// acknowledges the write via a WriteConfirmed event.
	Write(id string, char UUID, data []byte, withResponse bool)

	// SetNotify enables or disables value notifications for a
	// characteristic.
	SetNotify(id string, char UUID, enabled bool)

	// ReadRSSI samples the signal strength of a connected peripheral.
	ReadRSSI(id string)

	// StartAdvertising begins broadcasting the advertisement.
	StartAdvertising(adv Advertisement)

	// StopAdvertising stops broadcasting.
	StopAdvertising()
}

// An Event is a push notification from the radio stack.
type Event interface {
	radioEvent()
}

// ManagerStateChanged reports the radio manager's authoritative state.
type ManagerStateChanged struct {
	State ManagerState
}

// PeripheralConnected reports a successful connection.
type PeripheralConnected struct {
	ID string
}

// PeripheralConnectFailed reports a failed connection attempt.
type PeripheralConnectFailed struct {
	ID  string
	Err error
}

// PeripheralDisconnected reports a disconnection. Err is nil for requested
// disconnects and carries the cause otherwise.
type PeripheralDisconnected struct {
	ID  string
	Err error
}

// ServicesDiscovered reports the outcome of service discovery.
type ServicesDiscovered struct {
	ID       string
	Services []*Service
	Err      error
}

// CharacteristicsDiscovered reports the outcome of characteristic
// discovery within one service.
type CharacteristicsDiscovered struct {
	ID              string
	Service         UUID
	Characteristics []*Characteristic
	Err             error
}

// CharacteristicValue reports a characteristic value, either in response
// to a read or pushed by a notifying characteristic (Notified set).
type CharacteristicValue struct {
	ID       string
	Char     UUID
	Data     []byte
	Notified bool
	Err      error
}

// WriteConfirmed acknowledges an acknowledged write.
type WriteConfirmed struct {
	ID   string
	Char UUID
	Err  error
}

// NotifyStateChanged confirms a notification subscription change.
type NotifyStateChanged struct {
	ID      string
	Char    UUID
	Enabled bool
	Err     error
}

// RSSIUpdate reports a signal strength sample.
type RSSIUpdate struct {
	ID   string
	RSSI int
	Err  error
}

// AdvertisingStateChanged confirms an advertising state change.
type AdvertisingStateChanged struct {
	Enabled bool
	Err     error
}

func (ManagerStateChanged) radioEvent()       {}
func (PeripheralConnected) radioEvent()       {}
func (PeripheralConnectFailed) radioEvent()   {}
func (PeripheralDisconnected) radioEvent()    {}
func (ServicesDiscovered) radioEvent()        {}
func (CharacteristicsDiscovered) radioEvent() {}
func (CharacteristicValue) radioEvent()       {}
func (WriteConfirmed) radioEvent()            {}
func (NotifyStateChanged) radioEvent()        {}
func (RSSIUpdate) radioEvent()                {}
func (AdvertisingStateChanged) radioEvent()   {}

// An EventHandler consumes radio events. central.Manager and
// broadcast.Advertiser implement it.
type EventHandler interface {
	HandleRadioEvent(Event)
}

// CombineHandlers fans one event out to several handlers in order.
func CombineHandlers(hs ...EventHandler) EventHandler {
	return multiHandler(hs)
}

type multiHandler []EventHandler

func (m multiHandler) HandleRadioEvent(e Event) {
	for _, h := range m {
		h.HandleRadioEvent(e)
	}
}
