package device

import (
	"sort"
	"sync"
)

// ServiceKind tags a discovered service with the variant it was resolved to.
type ServiceKind int

const (
	KindGeneric ServiceKind = iota
	KindGenericAccess
	KindGenericAttribute
	KindBattery
	KindDeviceInformation
	KindCustom
)

func (k ServiceKind) String() string {
	switch k {
	case KindGenericAccess:
		return "generic_access"
	case KindGenericAttribute:
		return "generic_attribute"
	case KindBattery:
		return "battery"
	case KindDeviceInformation:
		return "device_information"
	case KindCustom:
		return "custom"
	default:
		return "generic"
	}
}

// Service names reported by Service.Name for the resolved variants.
const (
	NameUnknown           = "Unknown"
	NameGenericAccess     = "GenericAccessService"
	NameGenericAttribute  = "GenericAttributeService"
	NameDeviceInformation = "DeviceInformationService"
	NameBattery           = "BatteryService"
)

// Service is a discovered attribute group spanning handles [Start, End].
type Service struct {
	dev          *Device
	uuid         UUID
	start, end   uint16
	kind         ServiceKind
	name         string
	customID     uint16
	onDisconnect func(*Service)

	mu    sync.RWMutex
	chars []*Characteristic
}

func newService(dev *Device, uuid UUID, start, end uint16) *Service {
	return &Service{
		dev:   dev,
		uuid:  uuid,
		start: start,
		end:   end,
		kind:  KindGeneric,
		name:  NameUnknown,
	}
}

func (s *Service) UUID() UUID        { return s.uuid }
func (s *Service) Start() uint16     { return s.start }
func (s *Service) End() uint16       { return s.end }
func (s *Service) Name() string      { return s.name }
func (s *Service) Kind() ServiceKind { return s.kind }
func (s *Service) Device() *Device   { return s.dev }

// CustomID returns the registry key a KindCustom service was resolved by.
func (s *Service) CustomID() uint16 { return s.customID }

// Contains reports whether handle lies in the service's range.
func (s *Service) Contains(handle uint16) bool {
	return handle >= s.start && handle <= s.end
}

// AddCharacteristic appends an attribute to the service.
func (s *Service) AddCharacteristic(uuid UUID, handle uint16) *Characteristic {
	c := newCharacteristic(s, uuid, handle)
	s.mu.Lock()
	s.chars = append(s.chars, c)
	s.mu.Unlock()
	return c
}

// Characteristics returns a snapshot ordered by handle.
func (s *Service) Characteristics() []*Characteristic {
	s.mu.RLock()
	out := make([]*Characteristic, len(s.chars))
	copy(out, s.chars)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// CharacteristicByUUID returns the first attribute whose UUID equals uuid
// under the short/long equivalence rule.
func (s *Service) CharacteristicByUUID(uuid UUID) (*Characteristic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chars {
		if c.uuid.Equal(uuid) {
			return c, true
		}
	}
	return nil, false
}

func (s *Service) CharacteristicByHandle(handle uint16) (*Characteristic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chars {
		if c.handle == handle {
			return c, true
		}
	}
	return nil, false
}

// disconnect fails pending reads and runs the custom disconnect hook.
func (s *Service) disconnect() {
	for _, c := range s.Characteristics() {
		c.abort(ErrNotConnected)
	}
	if s.onDisconnect != nil {
		s.onDisconnect(s)
	}
}
