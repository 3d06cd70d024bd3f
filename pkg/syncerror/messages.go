// Package syncerror turns transport connection failures into user-facing messages.
package syncerror

import "github.com/aretw0/tandem/pkg/domain"

// Code is a known connection error code.
type Code string

const (
	CodeAuthenticationFailed    Code = "authentication-failed"
	CodeConnectionExpired       Code = "connection-expired"
	CodeConnectionLimitExceeded Code = "connection-limit-exceeded"
	CodeUnknownError            Code = "unknown-error"
)

// Message is the title/description pair shown to the user.
type Message struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

var messages = map[Code]Message{
	CodeAuthenticationFailed: {
		Title:       "Authentication Failed",
		Description: "Unable to authenticate with the collaborative editing server.",
	},
	CodeConnectionExpired: {
		Title:       "Connection Expired",
		Description: "The connection to the collaborative editing server has expired.",
	},
	CodeConnectionLimitExceeded: {
		Title:       "Connection Limit Exceeded",
		Description: "Too many users are editing this content at once.",
	},
	CodeUnknownError: {
		Title:       "Connection Lost",
		Description: "The connection to the collaborative editing server was lost.",
	},
}

// Codes lists the known codes.
var Codes = []Code{
	CodeAuthenticationFailed,
	CodeConnectionExpired,
	CodeConnectionLimitExceeded,
	CodeUnknownError,
}

// Known reports whether code is one of the known codes (exact, case-sensitive match).
func Known(code string) bool {
	_, ok := messages[Code(code)]
	return ok
}

// Classify maps an arbitrary code to a known one, falling back to CodeUnknownError.
func Classify(code string) Code {
	if Known(code) {
		return Code(code)
	}
	return CodeUnknownError
}

// Messages returns the message for err. It never fails: a nil error, a missing code or an
// unrecognised code all resolve to the unknown-error message.
func Messages(err *domain.ConnectionError) Message {
	if err == nil {
		return messages[CodeUnknownError]
	}
	return messages[Classify(err.Code)]
}

// ForCode is Messages for a bare code.
func ForCode(code string) Message {
	return messages[Classify(code)]
}

// NewError builds a ConnectionError for a known code.
func NewError(code Code, context map[string]any) *domain.ConnectionError {
	return &domain.ConnectionError{Code: string(code), Context: context}
}
