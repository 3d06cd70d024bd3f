package syncerror_test

import (
	"testing"

	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/stretchr/testify/assert"
)

func TestMessages_KnownCodes(t *testing.T) {
	tests := []struct {
		code  syncerror.Code
		title string
	}{
		{syncerror.CodeAuthenticationFailed, "Authentication Failed"},
		{syncerror.CodeConnectionExpired, "Connection Expired"},
		{syncerror.CodeConnectionLimitExceeded, "Connection Limit Exceeded"},
		{syncerror.CodeUnknownError, "Connection Lost"},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			msg := syncerror.Messages(&domain.ConnectionError{Code: string(tt.code)})
			assert.Equal(t, tt.title, msg.Title)
			assert.NotEmpty(t, msg.Description)
			assert.True(t, syncerror.Known(string(tt.code)))
		})
	}
}

func TestMessages_ConnectionExpired(t *testing.T) {
	msg := syncerror.Messages(&domain.ConnectionError{Code: "connection-expired"})
	assert.Equal(t, syncerror.Message{
		Title:       "Connection Expired",
		Description: "The connection to the collaborative editing server has expired.",
	}, msg)
}

func TestMessages_FallbackToUnknown(t *testing.T) {
	unknown := syncerror.Messages(&domain.ConnectionError{Code: "unknown-error"})

	assert.Equal(t, unknown, syncerror.Messages(nil))
	for _, code := range []string{"", "bogus", "typo-code", "Connection-Expired", " connection-expired"} {
		assert.Equal(t, unknown, syncerror.Messages(&domain.ConnectionError{Code: code}), "code %q", code)
		assert.Equal(t, syncerror.CodeUnknownError, syncerror.Classify(code))
	}
}

func TestMessages_DistinctEntries(t *testing.T) {
	seen := make(map[string]bool)
	for _, code := range syncerror.Codes {
		msg := syncerror.ForCode(string(code))
		assert.False(t, seen[msg.Title], "duplicate title %q", msg.Title)
		seen[msg.Title] = true
	}
	assert.Len(t, seen, 4)
}
