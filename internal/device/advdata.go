package device

import (
	"encoding/binary"

	"github.com/go-ble/ble/linux/adv"
)

// Advertising data record types.
const (
	adFlags            = 0x01
	adIncomplete16     = 0x02
	adComplete16       = 0x03
	adIncomplete128    = 0x06
	adComplete128      = 0x07
	adShortName        = 0x08
	adCompleteName     = 0x09
	adTxPower          = 0x0A
	adManufacturerData = 0xFF
)

// AdvertisingData is what the client extracts from a scan record.
type AdvertisingData struct {
	Flags            uint8
	Name             string // complete local name
	ShortName        string
	Services         []UUID // advertised 16-bit service UUIDs
	ServiceID        []byte // raw 128-bit service UUID list, wire order
	TxPower          *int8
	ManufacturerData []byte
}

// LocalName returns the complete name, falling back to the shortened one.
func (a AdvertisingData) LocalName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ShortName
}

// ParseAdvertisingData extracts the records the client cares about from a
// [len][type][payload...] buffer. A zero-length record or one that claims more
// bytes than remain ends the walk; records before it are kept.
func ParseAdvertisingData(data []byte) AdvertisingData {
	var ad AdvertisingData
	p := adv.NewRawPacket(data)

	// Payloads from Field are already stripped of length and type, so the
	// packet's Flags/TxPower/LocalName accessors are not used here.
	if b := p.Field(adFlags); len(b) > 0 {
		ad.Flags = b[0]
	}
	for _, typ := range []byte{adIncomplete16, adComplete16} {
		b := p.Field(typ)
		for j := 0; j+2 <= len(b); j += 2 {
			ad.Services = append(ad.Services, UUID16(binary.LittleEndian.Uint16(b[j:])))
		}
	}
	for _, typ := range []byte{adIncomplete128, adComplete128} {
		if b := p.Field(typ); b != nil {
			ad.ServiceID = append([]byte(nil), b...)
		}
	}
	if b := p.Field(adShortName); b != nil {
		ad.ShortName = string(b)
	}
	if b := p.Field(adCompleteName); b != nil {
		ad.Name = string(b)
	}
	if b := p.Field(adTxPower); len(b) > 0 {
		pwr := int8(b[0])
		ad.TxPower = &pwr
	}
	if b := p.Field(adManufacturerData); b != nil {
		ad.ManufacturerData = append([]byte(nil), b...)
	}

	return ad
}
