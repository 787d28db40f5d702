package device

// State is the connection and discovery phase of a Device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscoveringPrimary
	StateDiscoveringSecondary
	StateDiscoveringCharacteristics
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringPrimary:
		return "discovering_primary"
	case StateDiscoveringSecondary:
		return "discovering_secondary"
	case StateDiscoveringCharacteristics:
		return "discovering_characteristics"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Discovering reports whether s is one of the discovery phases.
func (s State) Discovering() bool {
	return s >= StateDiscoveringPrimary && s <= StateDiscoveringCharacteristics
}
