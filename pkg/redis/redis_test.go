package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"frameworks/pkg/logging"
)

func TestNewClientFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClientFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = NewClientFromURL(context.Background(), "")
	require.Error(t, err)
}

func TestNewUniversalClientValidates(t *testing.T) {
	_, err := NewUniversalClient(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewUniversalClient(context.Background(), Config{Mode: ModeSentinel, Addrs: []string{"127.0.0.1:1"}})
	require.Error(t, err)
}

func TestLockerExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClientFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	locker := NewLocker(client, "test:")

	first, err := locker.Obtain(ctx, "post-1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, "post-1", time.Minute)
	require.True(t, errors.Is(err, ErrLocked))

	other, err := locker.Obtain(ctx, "post-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx), "double release is a no-op")

	again, err := locker.Obtain(ctx, "post-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLockerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClientFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	locker := NewLocker(client, "test:")
	_, err = locker.Obtain(ctx, "post-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	lock, err := locker.Obtain(ctx, "post-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestTypedPubSubRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClientFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	type wake struct{ Queue string }
	ps := NewTypedPubSub[wake](client, logging.NewDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	got := make(chan wake, 1)
	go func() {
		_ = ps.Subscribe(ctx, "wake", ready, func(w wake) { got <- w })
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}
	require.NoError(t, ps.Publish(ctx, "wake", wake{Queue: "publish"}))

	select {
	case w := <-got:
		require.Equal(t, "publish", w.Queue)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
