package syncmanager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LockLifecycle(t *testing.T) {
	mgr, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	count := 1000

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("post-%d", i)
		_, err := mgr.Load(ctx, "post", id, map[string]any{"title": id})
		require.NoError(t, err)
		require.NoError(t, mgr.Unload(ctx, "post", id))
	}

	mgr.locksMu.Lock()
	lockCount := len(mgr.locks)
	mgr.locksMu.Unlock()
	assert.Zero(t, lockCount, "locks must be released once no operation holds them")
}
