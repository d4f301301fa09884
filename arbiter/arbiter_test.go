package arbiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	g "github.com/Meander-Cloud/go-peerlink/group"
)

func newTestArbiter(t *testing.T) *Arbiter {
	a := NewArbiter(
		&Options{
			LogPrefix: t.Name(),
		},
	)
	t.Cleanup(a.Shutdown)
	return a
}

func TestDispatchOrder(t *testing.T) {
	a := newTestArbiter(t)

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, a.Dispatch("append", func() { seen = append(seen, i) }))
	}

	// a waited dispatch runs after everything queued before it
	var snapshot []int
	require.NoError(t, a.DispatchWait("snapshot", func() { snapshot = append([]int(nil), seen...) }))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, snapshot)
}

func TestDispatchRecoversPanic(t *testing.T) {
	a := newTestArbiter(t)

	require.NoError(t, a.Dispatch("panic", func() { panic("boom") }))

	ran := false
	require.NoError(t, a.DispatchWait("after", func() { ran = true }))
	assert.True(t, ran)
}

func TestDispatchAfterShutdown(t *testing.T) {
	a := NewArbiter(&Options{LogPrefix: t.Name()})
	a.Shutdown()
	a.Shutdown() // idempotent

	assert.ErrorIs(t, a.Dispatch("late", func() {}), ErrShutdown)
	assert.ErrorIs(t, a.DispatchWait("late", func() {}), ErrShutdown)
}

func TestDispatchWaitReturnsOnShutdown(t *testing.T) {
	a := NewArbiter(&Options{LogPrefix: t.Name()})

	running := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, a.Dispatch("block", func() {
		close(running)
		<-release
	}))
	<-running

	// queued behind the blocked event, may be dropped by the shutdown below
	waitch := make(chan error, 1)
	go func() {
		waitch <- a.DispatchWait("queued", func() {})
	}()
	time.Sleep(20 * time.Millisecond)

	shutdownch := make(chan struct{})
	go func() {
		a.Shutdown()
		close(shutdownch)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-waitch:
		if err != nil {
			assert.ErrorIs(t, err, ErrShutdown)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waited dispatch did not return after shutdown")
	}

	select {
	case <-shutdownch:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestScheduleTimer(t *testing.T) {
	a := newTestArbiter(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	require.NoError(t, a.Dispatch("schedule", func() {
		a.ScheduleTimer(g.GroupServerKeepAlive, 50*time.Millisecond, func() {
			fired <- time.Now()
		})
	}))

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestReleaseTimer(t *testing.T) {
	a := newTestArbiter(t)

	fired := make(chan struct{}, 1)
	require.NoError(t, a.DispatchWait("schedule", func() {
		a.ScheduleTimer(g.GroupClientKeepAlive, 100*time.Millisecond, func() {
			fired <- struct{}{}
		})
		a.ReleaseTimer(g.GroupClientKeepAlive)
	}))

	select {
	case <-fired:
		t.Fatal("released timer fired")
	case <-time.After(300 * time.Millisecond):
	}
}
