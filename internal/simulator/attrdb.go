package simulator

import (
	"fmt"

	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type attribute struct {
	handle uint16
	uuid   device.UUID
	value  []byte

	groupType []byte // service declarations only
	groupEnd  uint16 // service declarations only

	owner  uint16 // CCCDs: the value handle they configure
	notify bool   // value attributes: notifications enabled by the client
	silent bool
	echoTo device.UUID
}

// attrDB is a peripheral's attribute table in handle order.
type attrDB struct {
	attrs *orderedmap.OrderedMap[uint16, *attribute]
}

// buildAttrDB lays services out the usual way: service declaration, then per
// characteristic a declaration, the value and (for notifying ones) a CCCD.
func buildAttrDB(services []ServiceDef) (*attrDB, error) {
	db := &attrDB{attrs: orderedmap.New[uint16, *attribute]()}
	next := uint16(1)
	add := func(a *attribute) *attribute {
		a.handle = next
		db.attrs.Set(next, a)
		next++
		return a
	}

	for _, s := range services {
		su, err := device.ParseUUID(s.UUID)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		groupType := bgapi.GroupPrimaryService
		declUUID := device.UUID16(0x2800)
		if s.Secondary {
			groupType = bgapi.GroupSecondaryService
			declUUID = device.UUID16(0x2801)
		}
		decl := add(&attribute{uuid: declUUID, value: su, groupType: groupType})

		for _, c := range s.Characteristics {
			cu, err := device.ParseUUID(c.UUID)
			if err != nil {
				return nil, fmt.Errorf("service %s characteristic: %w", s.UUID, err)
			}
			value, err := c.Bytes()
			if err != nil {
				return nil, err
			}
			var echo device.UUID
			if c.EchoTo != "" {
				if echo, err = device.ParseUUID(c.EchoTo); err != nil {
					return nil, fmt.Errorf("characteristic %s echo_to: %w", c.UUID, err)
				}
			}

			add(&attribute{uuid: device.UUIDCharacteristicDecl, value: characteristicDecl(next+1, cu, c.Notify)})
			val := add(&attribute{uuid: cu, value: value, silent: c.Silent, echoTo: echo})
			if c.Notify {
				add(&attribute{uuid: device.UUIDClientConfig, value: []byte{0, 0}, owner: val.handle})
			}
		}
		decl.groupEnd = next - 1
	}
	return db, nil
}

func characteristicDecl(valueHandle uint16, uuid device.UUID, notify bool) []byte {
	props := byte(0x02 | 0x08) // read, write
	if notify {
		props |= 0x10
	}
	out := []byte{props, byte(valueHandle), byte(valueHandle >> 8)}
	return append(out, uuid...)
}

func (db *attrDB) get(handle uint16) (*attribute, bool) {
	return db.attrs.Get(handle)
}

// groups returns the service declarations of groupType within [start, end].
func (db *attrDB) groups(groupType []byte, start, end uint16) []*attribute {
	var out []*attribute
	for p := db.attrs.Oldest(); p != nil; p = p.Next() {
		a := p.Value
		if a.groupType == nil || a.handle < start || a.handle > end {
			continue
		}
		if string(a.groupType) == string(groupType) {
			out = append(out, a)
		}
	}
	return out
}

func (db *attrDB) between(start, end uint16) []*attribute {
	var out []*attribute
	for p := db.attrs.Oldest(); p != nil; p = p.Next() {
		if p.Key >= start && p.Key <= end {
			out = append(out, p.Value)
		}
	}
	return out
}

// valueByUUID finds the first value attribute (not a declaration or CCCD) with uuid.
func (db *attrDB) valueByUUID(uuid device.UUID) (*attribute, bool) {
	for p := db.attrs.Oldest(); p != nil; p = p.Next() {
		a := p.Value
		if a.groupType != nil || a.owner != 0 || a.uuid.Equal(device.UUIDCharacteristicDecl) {
			continue
		}
		if a.uuid.Equal(uuid) {
			return a, true
		}
	}
	return nil, false
}

func (db *attrDB) resetNotifications() {
	for p := db.attrs.Oldest(); p != nil; p = p.Next() {
		p.Value.notify = false
		if p.Value.owner != 0 {
			p.Value.value = []byte{0, 0}
		}
	}
}
