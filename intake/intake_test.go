package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

func newTestIntake(t *testing.T, c clock.Clock) *Intake {
	in := New(&Options{Clock: c, LogPrefix: t.Name()})
	t.Cleanup(in.Close)
	return in
}

func pack(t m.Type, port uint16) *m.DataPack {
	return m.NewDataPack(
		t,
		&m.DevInfo{Addr: "127.0.0.1", Port: port},
		nil,
	)
}

func key(port uint16) *m.PeerKey {
	return &m.PeerKey{Addr: "127.0.0.1", Port: port}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestAwaitQueued(t *testing.T) {
	in := newTestIntake(t, nil)

	in.Deliver(pack(m.TypeServerHello, 1), nil)
	in.Deliver(pack(m.TypeClientConfirm, 2), nil)
	in.Deliver(pack(m.TypeClientConfirm, 3), nil)
	assert.Equal(t, 3, in.Len())

	req, err := in.Await(context.Background(), time.Second, key(3), m.TypeClientConfirm)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), req.Pack.DevInfo.Port)

	// oldest match first when no peer filter
	req, err = in.Await(context.Background(), time.Second, nil, m.TypeClientConfirm, m.TypeServerHello)
	require.NoError(t, err)
	assert.Equal(t, m.TypeServerHello, req.Pack.Type)
	assert.Equal(t, 1, in.Len())
}

func TestAwaitWakesOnDeliver(t *testing.T) {
	in := newTestIntake(t, nil)

	got := make(chan *Request, 1)
	go func() {
		req, err := in.Await(context.Background(), Forever, key(7), m.TypeClientKeepAliveReply)
		assert.NoError(t, err)
		got <- req
	}()
	waitFor(t, func() bool { return in.waiting() == 1 })

	// other peer and other type do not satisfy the waiter
	in.Deliver(pack(m.TypeClientKeepAliveReply, 8), nil)
	in.Deliver(pack(m.TypeServerKeepAliveCheck, 7), nil)
	assert.Equal(t, 2, in.Len())
	assert.Equal(t, 1, in.waiting())

	in.Deliver(pack(m.TypeClientKeepAliveReply, 7), nil)
	select {
	case req := <-got:
		assert.Equal(t, uint16(7), req.Pack.DevInfo.Port)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Equal(t, 2, in.Len())
	assert.Equal(t, 0, in.waiting())
}

func TestDeliveredAtMostOnce(t *testing.T) {
	in := newTestIntake(t, nil)

	const waiters = 20
	var wg sync.WaitGroup
	results := make(chan *Request, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := in.Await(context.Background(), 200*time.Millisecond, nil, m.TypeClientHello)
			if err == nil {
				results <- req
			}
		}()
	}

	for i := 0; i < 5; i++ {
		in.Deliver(pack(m.TypeClientHello, uint16(100+i)), nil)
	}
	wg.Wait()
	close(results)

	seen := make(map[uint16]int)
	for req := range results {
		seen[req.Pack.DevInfo.Port]++
	}
	assert.Len(t, seen, 5)
	for port, n := range seen {
		assert.Equal(t, 1, n, "port %d delivered %d times", port, n)
	}
	assert.Equal(t, 0, in.Len())
}

func TestAwaitTimeout(t *testing.T) {
	mock := clock.NewMock()
	in := newTestIntake(t, mock)

	errch := make(chan error, 1)
	go func() {
		_, err := in.Await(context.Background(), time.Second, nil, m.TypeServerConfirm, m.TypeServerError)
		errch <- err
	}()
	waitFor(t, func() bool { return in.waiting() == 1 })

	mock.Add(999 * time.Millisecond)
	select {
	case err := <-errch:
		t.Fatalf("returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Millisecond)
	select {
	case err := <-errch:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout not reported")
	}
	assert.Equal(t, 0, in.waiting())

	// a late envelope is queued rather than lost
	in.Deliver(pack(m.TypeServerConfirm, 1), nil)
	assert.Equal(t, 1, in.Len())
}

func TestAwaitZeroTimeout(t *testing.T) {
	in := newTestIntake(t, nil)

	_, err := in.Await(context.Background(), 0, nil, m.TypeOK)
	assert.ErrorIs(t, err, ErrTimeout)

	in.Deliver(pack(m.TypeOK, 1), nil)
	req, err := in.Await(context.Background(), 0, nil, m.TypeOK)
	require.NoError(t, err)
	assert.Equal(t, m.TypeOK, req.Pack.Type)
}

func TestAwaitContextAndClose(t *testing.T) {
	in := New(&Options{LogPrefix: t.Name()})

	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 2)
	go func() {
		_, err := in.Await(ctx, Forever, nil, m.TypeClientHello)
		errch <- err
	}()
	go func() {
		_, err := in.Await(context.Background(), Forever, nil, m.TypeClientDisconnect)
		errch <- err
	}()
	waitFor(t, func() bool { return in.waiting() == 2 })

	cancel()
	assert.ErrorIs(t, <-errch, context.Canceled)

	in.Close()
	assert.ErrorIs(t, <-errch, ErrClosed)

	_, err := in.Await(context.Background(), time.Second, nil, m.TypeClientHello)
	assert.ErrorIs(t, err, ErrClosed)

	in.Deliver(pack(m.TypeClientHello, 1), nil)
	assert.Equal(t, 0, in.Len())
}

func TestSenderlessPackNeverMatchesPeerFilter(t *testing.T) {
	in := newTestIntake(t, nil)

	in.Deliver(m.NewDataPack(m.TypeServerError, nil, m.ServerErrorFull), nil)

	_, err := in.Await(context.Background(), 0, key(1), m.TypeServerError)
	assert.ErrorIs(t, err, ErrTimeout)

	req, err := in.Await(context.Background(), 0, nil, m.TypeServerError)
	require.NoError(t, err)
	assert.Equal(t, m.ServerErrorFull, req.Pack.Reason())
}

func TestDiscard(t *testing.T) {
	in := newTestIntake(t, nil)

	in.Deliver(pack(m.TypeServerDisconnect, 1), nil)
	in.Deliver(pack(m.TypeServerDisconnect, 1), nil)
	in.Deliver(pack(m.TypeServerKeepAliveCheck, 1), nil)

	assert.Equal(t, 2, in.Discard(nil, m.TypeServerDisconnect))
	assert.Equal(t, 1, in.Len())
}

func TestDiscardFromPeer(t *testing.T) {
	in := newTestIntake(t, nil)

	in.Deliver(pack(m.TypeClientKeepAliveReply, 1), nil)
	in.Deliver(pack(m.TypeClientKeepAliveReply, 2), nil)
	in.Deliver(pack(m.TypeClientKeepAliveReply, 1), nil)
	in.Deliver(pack(m.TypeClientConfirm, 1), nil)

	assert.Equal(t, 2, in.Discard(key(1), m.TypeClientKeepAliveReply))
	assert.Equal(t, 2, in.Len())

	// the other peer's reply is still claimable
	req, err := in.Await(context.Background(), 0, key(2), m.TypeClientKeepAliveReply)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), req.Pack.DevInfo.Port)

	_, err = in.Await(context.Background(), 0, key(1), m.TypeClientKeepAliveReply)
	assert.ErrorIs(t, err, ErrTimeout)
}
