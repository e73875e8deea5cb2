//go:build linux

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestWatchWrite(t *testing.T) {
	l := newLoop(t)
	_, w := newPipe(t)

	var got []Interest
	require.NoError(t, l.Watch(w, Write, HandlerFunc(func(fd int, ready Interest) {
		assert.Equal(t, w, fd)
		got = append(got, ready)
	})))

	n, err := l.RunOnce(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []Interest{Write}, got)
}

func TestWatchRead(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	calls := 0
	require.NoError(t, l.Watch(r, Read, HandlerFunc(func(fd int, ready Interest) {
		calls++
		var buf [16]byte
		unix.Read(fd, buf[:])
	})))

	n, err := l.RunOnce(0)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing written yet")

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	n, err = l.RunOnce(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestWatchTwice(t *testing.T) {
	l := newLoop(t)
	_, w := newPipe(t)
	h := HandlerFunc(func(int, Interest) {})

	require.NoError(t, l.Watch(w, Write, h))
	assert.ErrorIs(t, l.Watch(w, Write, h), ErrAlreadyWatched)
	// a different interest on the same descriptor is a separate registration
	assert.NoError(t, l.Watch(w, Except, h))
}

func TestUnwatch(t *testing.T) {
	l := newLoop(t)
	_, w := newPipe(t)

	calls := 0
	require.NoError(t, l.Watch(w, Write, HandlerFunc(func(int, Interest) { calls++ })))
	require.NoError(t, l.Unwatch(w, Write))
	assert.ErrorIs(t, l.Unwatch(w, Write), ErrNotWatched)

	n, err := l.RunOnce(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls)
}

func TestUnwatchKeepsOtherInterest(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	var got []Interest
	h := HandlerFunc(func(fd int, ready Interest) { got = append(got, ready) })
	require.NoError(t, l.Watch(r, Read, h))
	require.NoError(t, l.Watch(r, Except, h))
	require.NoError(t, l.Unwatch(r, Except))

	_, err = l.RunOnce(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []Interest{Read}, got)
}

func TestUnwatchFromHandler(t *testing.T) {
	l := newLoop(t)
	_, w1 := newPipe(t)
	_, w2 := newPipe(t)

	calls := 0
	// whichever handler runs first removes the other one
	require.NoError(t, l.Watch(w1, Write, HandlerFunc(func(int, Interest) {
		calls++
		l.Unwatch(w2, Write)
	})))
	require.NoError(t, l.Watch(w2, Write, HandlerFunc(func(int, Interest) {
		calls++
		l.Unwatch(w1, Write)
	})))

	_, err := l.RunOnce(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunStop(t *testing.T) {
	l := newLoop(t)
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	l.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStopBeforeRun(t *testing.T) {
	l := newLoop(t)
	l.Stop()

	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run missed a Stop made before it started")
	}

	// the stop is consumed; the loop runs again until the next one
	go func() { errc <- l.Run(context.Background()) }()
	select {
	case <-errc:
		t.Fatal("Run returned without a Stop")
	case <-time.After(50 * time.Millisecond):
	}
	l.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunContextCancel(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClosed(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.RunOnce(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Watch(0, Read, HandlerFunc(func(int, Interest) {})), ErrClosed)
}
