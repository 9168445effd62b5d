package domain

// ConnectionStatus is the lifecycle state of the streaming transport.
type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
	// StatusClosed is terminal and only entered through an intentional close.
	StatusClosed ConnectionStatus = "closed"
)

// Ordinal maps a status to a stable number for metrics gauges.
func (s ConnectionStatus) Ordinal() float64 {
	switch s {
	case StatusIdle:
		return 0
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusReconnecting:
		return 3
	case StatusDisconnected:
		return 4
	case StatusError:
		return 5
	case StatusClosed:
		return 6
	}
	return -1
}
