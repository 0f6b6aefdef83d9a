package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SharmARohitt/Hypnos/pkg/mirror"
)

// TestRedisCursorStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisCursorStore_Integration(t *testing.T) {
	store := NewRedisCursorStore("localhost:6379", "", 0).
		WithKey(fmt.Sprintf("hypnos:test:cursors:%d", time.Now().UnixNano()))
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer store.client.Del(ctx, store.key)

	cursor, err := store.Cursor(ctx, CursorName(0))
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, store.SaveCursor(ctx, CursorName(0), 42))
	cursor, err = store.Cursor(ctx, CursorName(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cursor)

	s := newScript(t)
	s.emit(granted(capID("a")))
	r := newReconciler(t, s.log, mirror.NewMemoryStore(), 1).WithCursors(store)
	require.NoError(t, r.Reset(ctx))
	_, err = r.ReplayAll(ctx)
	require.NoError(t, err)
	cursor, err = store.Cursor(ctx, CursorName(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
}
