package domain

// ConnectionStatus describes the state of a transport attached to a document.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionError is surfaced by a transport when it fails.
// It is consumed once by the error classifier and discarded after display.
type ConnectionError struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *ConnectionError) Error() string {
	if e == nil || e.Code == "" {
		return "sync connection error"
	}
	return "sync connection error: " + e.Code
}
