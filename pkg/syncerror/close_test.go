package syncerror_test

import (
	"testing"

	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/stretchr/testify/assert"
)

func TestCloseCodes_RoundTrip(t *testing.T) {
	for _, code := range []syncerror.Code{
		syncerror.CodeAuthenticationFailed,
		syncerror.CodeConnectionExpired,
		syncerror.CodeConnectionLimitExceeded,
	} {
		assert.Equal(t, code, syncerror.FromClose(syncerror.CloseCode(code), ""))
		assert.Equal(t, code, syncerror.FromClose(1000, string(code)), "reason text wins")
	}
}

func TestCloseCodes_Unknown(t *testing.T) {
	assert.Equal(t, 1011, syncerror.CloseCode(syncerror.CodeUnknownError))
	assert.Equal(t, syncerror.CodeUnknownError, syncerror.FromClose(1006, ""))
	assert.Equal(t, syncerror.CodeUnknownError, syncerror.FromClose(4999, "something else"))
}
