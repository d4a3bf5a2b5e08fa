package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWindow(limit int, period time.Duration) (*Window, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewWindow(limit, period)
	l.now = clock.Now
	return l, clock
}

// TestWindow_ExactlyNPerWindow N件まで許可し N+1 件目は拒否
func TestWindow_ExactlyNPerWindow(t *testing.T) {
	l, clock := newTestWindow(20, time.Minute)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.True(t, l.Allow(ctx, 1), "message %d should pass", i+1)
	}
	assert.False(t, l.Allow(ctx, 1), "21st message is rejected")
	assert.False(t, l.Allow(ctx, 1), "still rejected inside the window")

	// 他ユーザーは独立
	assert.True(t, l.Allow(ctx, 2))

	clock.Advance(time.Minute + time.Millisecond)
	assert.True(t, l.Allow(ctx, 1), "new window after reset")
}

// TestWindow_Defaults 0以下はデフォルト
func TestWindow_Defaults(t *testing.T) {
	l := NewWindow(0, 0)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.period)
}

// TestWindow_Sweep 期限切れウィンドウの掃除
func TestWindow_Sweep(t *testing.T) {
	l, clock := newTestWindow(5, time.Second)
	ctx := context.Background()

	l.Allow(ctx, 1)
	l.Allow(ctx, 2)
	assert.Equal(t, 0, l.Sweep())
	assert.Equal(t, 2, l.Len())

	clock.Advance(2 * time.Second)
	l.Allow(ctx, 3)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

// TestWindow_Concurrent 並行呼び出しでも上限を超えない
func TestWindow_Concurrent(t *testing.T) {
	l, _ := newTestWindow(50, time.Minute)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, 9) {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

// TestRedis_Window REDIS_HOST が無ければスキップ
func TestRedis_Window(t *testing.T) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("Skipping: REDIS_HOST not set")
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	rdb := NewRedisClient(host, port)
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: could not ping redis: %v", err)
	}

	l := NewRedis(rdb, 3, 2*time.Second)
	l.prefix = "rl:test:" + time.Now().Format("150405.000000") + ":"

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, 1))
	}
	assert.False(t, l.Allow(ctx, 1))

	time.Sleep(2100 * time.Millisecond)
	assert.True(t, l.Allow(ctx, 1))
}
