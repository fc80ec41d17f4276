package bluewire

// Property is the bitmask of operations a characteristic declares.
type Property int

// Characteristic property flags.
const (
	CharBroadcast Property = 0x01 // may be broadcasted
	CharRead      Property = 0x02 // may be read
	CharWriteNR   Property = 0x04 // may be written to, with no reply
	CharWrite     Property = 0x08 // may be written to, with a reply
	CharNotify    Property = 0x10 // supports notifications
	CharIndicate  Property = 0x20 // supports indications
)

// CanRead reports whether p permits reads. An unset (zero) mask means the
// radio did not report properties; it is treated as permissive.
func (p Property) CanRead() bool { return p == 0 || p&CharRead != 0 }

// CanWrite reports whether p permits acknowledged writes.
func (p Property) CanWrite() bool { return p == 0 || p&CharWrite != 0 }

// CanWriteNR reports whether p permits unacknowledged writes.
func (p Property) CanWriteNR() bool { return p == 0 || p&CharWriteNR != 0 }

// CanNotify reports whether p permits notification subscriptions.
func (p Property) CanNotify() bool {
	return p == 0 || p&(CharNotify|CharIndicate) != 0
}

// A Service is a named grouping of characteristics on a peripheral.
type Service struct {
	UUID            UUID
	Characteristics []*Characteristic
}

// NewService creates a Service with the given UUID.
func NewService(u UUID) *Service {
	return &Service{UUID: u}
}

// Characteristic returns the characteristic with UUID u, or nil.
func (s *Service) Characteristic(u UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID.Equal(u) {
			return c
		}
	}
	return nil
}

// A Characteristic is an addressable value slot within a service.
type Characteristic struct {
	UUID     UUID
	Service  UUID
	Property Property
}

// A Profile is the set of services discovered on one peripheral.
type Profile struct {
	Services []*Service
}

// FindService returns the service with UUID u, or nil.
func (p *Profile) FindService(u UUID) *Service {
	for _, s := range p.Services {
		if s.UUID.Equal(u) {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the characteristic with UUID u from any
// service, or nil.
func (p *Profile) FindCharacteristic(u UUID) *Characteristic {
	for _, s := range p.Services {
		if c := s.Characteristic(u); c != nil {
			return c
		}
	}
	return nil
}
