package registration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "tmp-1", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
	assert.Empty(t, l.locks)
}

func TestLocalLocker_OtherKeysDoNotWait(t *testing.T) {
	l := NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	err := l.WithLock(ctx, "b", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLocalLocker_ContextDoneWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.WithLock(ctx, "a", func(context.Context) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestLocalLocker_ReturnsCallbackError(t *testing.T) {
	l := NewLocalLocker()
	boom := errors.New("boom")

	err := l.WithLock(context.Background(), "a", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// The key is free again.
	err = l.WithLock(context.Background(), "a", func(context.Context) error { return nil })
	assert.NoError(t, err)
}
