package swproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCacheInfoTotalsSizes(t *testing.T) {
	info := NewCacheInfo("1.0.0-aa", map[string]BucketStats{
		"static-aa":  {Entries: 3, Size: 300},
		"runtime-aa": {Entries: 1, Size: 12},
		"api-aa":     {},
	})
	assert.Equal(t, int64(312), info.TotalSize)
	assert.Equal(t, 4, info.Entries())

	empty := NewCacheInfo("v", nil)
	assert.NotNil(t, empty.Caches)
	assert.Zero(t, empty.TotalSize)
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	m, err := NewMessage(CacheURLs, CacheURLsPayload{URLs: []string{"/a.png"}})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	var p CacheURLsPayload
	require.NoError(t, m.Decode(&p))
	assert.Equal(t, []string{"/a.png"}, p.URLs)

	bare, err := NewMessage(ClearCache, nil)
	require.NoError(t, err)
	var c ClearCachePayload
	require.NoError(t, bare.Decode(&c))
	assert.Empty(t, c.CacheName)
}

func TestExpectsReply(t *testing.T) {
	assert.True(t, GetVersionInfo.ExpectsReply())
	assert.True(t, GetCacheInfo.ExpectsReply())
	assert.False(t, ClearCache.ExpectsReply())
	assert.False(t, CacheURLs.ExpectsReply())
	assert.False(t, SkipWaiting.ExpectsReply())
}

func TestWorkerStateTransitions(t *testing.T) {
	assert.True(t, Installing.CanTransition(Installed))
	assert.True(t, Installed.CanTransition(Redundant))
	assert.False(t, Installed.CanTransition(Installing))
	assert.False(t, Redundant.CanTransition(Activated))
	assert.False(t, Activated.CanTransition(Activating))
}

func TestMessageChannelFIFO(t *testing.T) {
	a, b := NewMessageChannel()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PostMessage(i))
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		var got int
		require.NoError(t, a.Receive(ctx, &got))
		assert.Equal(t, i, got)
	}
}

func TestPortReceiveHonoursContext(t *testing.T) {
	a, _ := NewMessageChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var v any
	err := a.Receive(ctx, &v)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClosedPortRejectsMessages(t *testing.T) {
	a, b := NewMessageChannel()
	a.Close()
	assert.ErrorIs(t, b.PostMessage("late"), ErrPortClosed)

	var v any
	assert.ErrorIs(t, a.Receive(context.Background(), &v), ErrPortClosed)
}
