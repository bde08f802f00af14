package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestPostPreservesOrder(t *testing.T) {
	l, _ := startLoop(t)

	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := range 100 {
		require.True(t, l.Post(func() {
			got = append(got, i)
			wg.Done()
		}))
	}
	wg.Wait()

	var want []int
	for i := range 100 {
		want = append(want, i)
	}
	var snapshot []int
	require.NoError(t, l.Call(context.Background(), func() {
		snapshot = append(snapshot, got...)
	}))
	require.Equal(t, want, snapshot)
}

func TestStopDropsRestOfBatch(t *testing.T) {
	l := New()
	var ran []string
	require.True(t, l.Post(func() { ran = append(ran, "first") }))
	require.True(t, l.Post(func() {
		ran = append(ran, "stopping")
		l.Stop()
	}))
	require.True(t, l.Post(func() { ran = append(ran, "late") }))

	require.NoError(t, l.Run(context.Background()))
	require.Equal(t, []string{"first", "stopping"}, ran)
}

func TestStop(t *testing.T) {
	l := New()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	require.NoError(t, l.Call(context.Background(), l.Stop))
	require.NoError(t, <-errCh)
	require.False(t, l.Post(func() {}))
	require.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
}

func TestRunCause(t *testing.T) {
	l := New()
	cause := errors.New("bye")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	require.ErrorIs(t, l.Run(ctx), cause)
}

func TestTimers(t *testing.T) {
	l, _ := startLoop(t)

	fired := make(chan struct{})
	require.NoError(t, l.Call(context.Background(), func() {
		l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	}))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	ticks := make(chan struct{}, 16)
	var tm *Timer
	require.NoError(t, l.Call(context.Background(), func() {
		tm = l.Every(2*time.Millisecond, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}))
	for range 3 {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("ticker stalled")
		}
	}
	require.NoError(t, l.Call(context.Background(), tm.Stop))

	cancelled := false
	require.NoError(t, l.Call(context.Background(), func() {
		l.AfterFunc(time.Millisecond, func() { cancelled = true }).Stop()
	}))
	time.Sleep(20 * time.Millisecond)
	var sawCancelled bool
	require.NoError(t, l.Call(context.Background(), func() { sawCancelled = cancelled }))
	require.False(t, sawCancelled)
}
