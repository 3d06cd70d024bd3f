package syncerror

// WebSocket close codes in the application range (4000-4999) used by the relay.
const (
	CloseAuthenticationFailed    = 4001
	CloseConnectionExpired       = 4002
	CloseConnectionLimitExceeded = 4003
)

var closeCodes = map[Code]int{
	CodeAuthenticationFailed:    CloseAuthenticationFailed,
	CodeConnectionExpired:       CloseConnectionExpired,
	CodeConnectionLimitExceeded: CloseConnectionLimitExceeded,
}

// CloseCode returns the WebSocket close code the relay sends for code.
// Unknown codes map to 1011 (internal error).
func CloseCode(code Code) int {
	if c, ok := closeCodes[code]; ok {
		return c
	}
	return 1011
}

// FromClose classifies a WebSocket close frame. The reason text wins when it names a known
// code; otherwise the numeric code is used.
func FromClose(closeCode int, reason string) Code {
	if Known(reason) {
		return Code(reason)
	}
	for code, c := range closeCodes {
		if c == closeCode {
			return code
		}
	}
	return CodeUnknownError
}
