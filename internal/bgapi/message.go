package bgapi

import (
	"fmt"
)

// Message is implemented by everything the controller sends back: command
// responses and asynchronous events.
type Message interface {
	isMessage()
}

// Event is a Message that was not solicited by a command.
type Event interface {
	Message
	isEvent()
}

// Response answers the command identified by Command. Result is the
// controller's result code; zero means success.
type Response struct {
	Command    CommandID
	Result     uint16
	Connection uint8 // meaningful for connect-direct and connection-scoped commands
}

// ResultError wraps a non-zero controller result code.
type ResultError struct {
	Command CommandID
	Code    uint16
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s failed: result 0x%04x", e.Command, e.Code)
}

// Err returns a *ResultError if the response carries a failure code.
func (r Response) Err() error {
	if r.Result == 0 {
		return nil
	}
	return &ResultError{Command: r.Command, Code: r.Result}
}

// ScanResponse is a received advertisement or scan response packet.
type ScanResponse struct {
	RSSI        int8
	PacketType  uint8
	Sender      [6]byte
	AddressType AddressType
	Bond        uint8
	Data        []byte
}

// Connection status flags.
const (
	ConnFlagConnected  uint8 = 1 << 0
	ConnFlagEncrypted  uint8 = 1 << 1
	ConnFlagCompleted  uint8 = 1 << 2
	ConnFlagParameters uint8 = 1 << 3
)

// ConnectionStatus reports a new or changed connection.
type ConnectionStatus struct {
	Connection  uint8
	Flags       uint8
	Address     [6]byte
	AddressType AddressType
	Interval    uint16
	Timeout     uint16
	Latency     uint16
	Bonding     uint8
}

// ConnectionDisconnected reports a closed connection.
type ConnectionDisconnected struct {
	Connection uint8
	Reason     uint16
}

// ProcedureCompleted ends an attribute client procedure.
type ProcedureCompleted struct {
	Connection uint8
	Result     uint16
	ChrHandle  uint16
}

// GroupFound is emitted once per service found by read-by-group-type.
type GroupFound struct {
	Connection uint8
	Start      uint16
	End        uint16
	UUID       []byte
}

// FindInformationFound is emitted once per attribute found by find-information.
type FindInformationFound struct {
	Connection uint8
	ChrHandle  uint16
	UUID       []byte
}

// AttributeValueType distinguishes read responses from pushed values.
type AttributeValueType uint8

const (
	ValueRead                 AttributeValueType = 0x00
	ValueNotify               AttributeValueType = 0x01
	ValueIndicate             AttributeValueType = 0x02
	ValueReadByType           AttributeValueType = 0x03
	ValueReadBlob             AttributeValueType = 0x04
	ValueIndicateResponseReqd AttributeValueType = 0x05
)

// IsPush reports whether the value was pushed by the peer (notification or
// indication) rather than returned for a read.
func (t AttributeValueType) IsPush() bool {
	switch t {
	case ValueNotify, ValueIndicate, ValueIndicateResponseReqd:
		return true
	default:
		return false
	}
}

// AttributeValue carries an attribute's value.
type AttributeValue struct {
	Connection uint8
	AttHandle  uint16
	Type       AttributeValueType
	Value      []byte
}

func (Response) isMessage()               {}
func (ScanResponse) isMessage()           {}
func (ConnectionStatus) isMessage()       {}
func (ConnectionDisconnected) isMessage() {}
func (ProcedureCompleted) isMessage()     {}
func (GroupFound) isMessage()             {}
func (FindInformationFound) isMessage()   {}
func (AttributeValue) isMessage()         {}

func (ScanResponse) isEvent()           {}
func (ConnectionStatus) isEvent()       {}
func (ConnectionDisconnected) isEvent() {}
func (ProcedureCompleted) isEvent()     {}
func (GroupFound) isEvent()             {}
func (FindInformationFound) isEvent()   {}
func (AttributeValue) isEvent()         {}
