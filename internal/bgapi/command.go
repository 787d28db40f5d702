// Package bgapi defines the typed boundary between the GATT client and the
// serial-attached radio controller.
//
// The controller speaks a request/response protocol with unsolicited events
// interleaved on the same link. Encoding those frames is the codec's job; this
// package only describes the closed set of commands the client issues and the
// closed set of messages it expects back, so that everything above the codec
// can pattern-match on concrete Go types.
package bgapi

import "fmt"

// CommandID identifies a command class. Responses carry the ID of the command
// they answer, which is how the command channel correlates them.
type CommandID uint16

const (
	CmdGapDiscover CommandID = iota + 1
	CmdGapEndProcedure
	CmdGapConnectDirect
	CmdConnectionDisconnect
	CmdAttClientReadByGroupType
	CmdAttClientFindInformation
	CmdAttClientReadByHandle
	CmdAttClientAttributeWrite
)

var commandNames = map[CommandID]string{
	CmdGapDiscover:              "gap_discover",
	CmdGapEndProcedure:          "gap_end_procedure",
	CmdGapConnectDirect:         "gap_connect_direct",
	CmdConnectionDisconnect:     "connection_disconnect",
	CmdAttClientReadByGroupType: "attclient_read_by_group_type",
	CmdAttClientFindInformation: "attclient_find_information",
	CmdAttClientReadByHandle:    "attclient_read_by_handle",
	CmdAttClientAttributeWrite:  "attclient_attribute_write",
}

func (id CommandID) String() string {
	if name, ok := commandNames[id]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint16(id))
}

// Command is implemented by every outbound command variant.
type Command interface {
	ID() CommandID
}

// DiscoverMode selects the GAP discovery mode.
type DiscoverMode uint8

const (
	DiscoverLimited     DiscoverMode = 0
	DiscoverGeneric     DiscoverMode = 1
	DiscoverObservation DiscoverMode = 2
)

// AddressType is the peer address type used by connect-direct.
type AddressType uint8

const (
	AddressPublic AddressType = 0
	AddressRandom AddressType = 1
)

// GapDiscover starts scanning.
type GapDiscover struct {
	Mode DiscoverMode
}

// GapEndProcedure ends the current GAP procedure (scan or pending connect).
type GapEndProcedure struct{}

// GapConnectDirect opens a connection to one peer.
// Intervals are in 1.25 ms units, Timeout in 10 ms units.
type GapConnectDirect struct {
	Address     [6]byte
	AddressType AddressType
	IntervalMin uint16
	IntervalMax uint16
	Timeout     uint16
	Latency     uint16
}

// ConnectionDisconnect closes a connection.
type ConnectionDisconnect struct {
	Connection uint8
}

// AttClientReadByGroupType discovers attribute groups (services) of the given
// group type between Start and End.
type AttClientReadByGroupType struct {
	Connection uint8
	Start      uint16
	End        uint16
	GroupType  []byte
}

// AttClientFindInformation lists every attribute handle between Start and End.
type AttClientFindInformation struct {
	Connection uint8
	Start      uint16
	End        uint16
}

// AttClientReadByHandle reads one attribute value.
type AttClientReadByHandle struct {
	Connection uint8
	Handle     uint16
}

// AttClientAttributeWrite writes one attribute value.
type AttClientAttributeWrite struct {
	Connection uint8
	Handle     uint16
	Data       []byte
}

func (GapDiscover) ID() CommandID              { return CmdGapDiscover }
func (GapEndProcedure) ID() CommandID          { return CmdGapEndProcedure }
func (GapConnectDirect) ID() CommandID         { return CmdGapConnectDirect }
func (ConnectionDisconnect) ID() CommandID     { return CmdConnectionDisconnect }
func (AttClientReadByGroupType) ID() CommandID { return CmdAttClientReadByGroupType }
func (AttClientFindInformation) ID() CommandID { return CmdAttClientFindInformation }
func (AttClientReadByHandle) ID() CommandID    { return CmdAttClientReadByHandle }
func (AttClientAttributeWrite) ID() CommandID  { return CmdAttClientAttributeWrite }

// Well-known group types for AttClientReadByGroupType, in wire order.
var (
	GroupPrimaryService   = []byte{0x00, 0x28}
	GroupSecondaryService = []byte{0x01, 0x28}
)
