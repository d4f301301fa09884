// Package intake holds received envelopes until a waiter claims them.
//
// Every envelope is handed to at most one Await call. A delivered envelope goes straight to
// the oldest registered waiter whose filter matches, otherwise it is queued and claimed by the
// next matching Await.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	m "github.com/Meander-Cloud/go-peerlink/message"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

var (
	ErrTimeout = errors.New("request wait timed out")
	ErrClosed  = errors.New("intake closed")
)

// Forever makes Await wait without a time bound.
const Forever time.Duration = -1

// Request is one received envelope together with the connection it arrived on.
type Request struct {
	Pack     *m.DataPack
	Conn     *tp.ConnState
	Received time.Time
}

type Options struct {
	Clock     clock.Clock
	LogPrefix string
	LogDebug  bool
}

type filter struct {
	types []m.Type
	from  *m.PeerKey
}

func (f *filter) match(r *Request) bool {
	if !slices.Contains(f.types, r.Pack.Type) {
		return false
	}
	if f.from == nil {
		return true
	}
	sender, ok := r.Pack.Sender()
	return ok && sender == *f.from
}

func (f *filter) String() string {
	if f.from == nil {
		return fmt.Sprintf("%v<any>", f.types)
	}
	return fmt.Sprintf("%v<%s>", f.types, f.from.String())
}

type waiter struct {
	filter
	ch chan *Request // buffered, receives at most one request
}

type Intake struct {
	options *Options
	clock   clock.Clock

	mutex   sync.Mutex
	pending []*Request
	waiters []*waiter
	closed  bool
	closech chan struct{}
}

func New(options *Options) *Intake {
	c := options.Clock
	if c == nil {
		c = clock.New()
	}

	return &Intake{
		options: options,
		clock:   c,

		mutex:   sync.Mutex{},
		pending: nil,
		waiters: nil,
		closed:  false,
		closech: make(chan struct{}),
	}
}

// invoked on any goroutine
func (in *Intake) Deliver(pack *m.DataPack, conn *tp.ConnState) {
	req := &Request{
		Pack:     pack,
		Conn:     conn,
		Received: in.clock.Now(),
	}

	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.closed {
		log.Printf("%s: intake closed, dropping %s", in.options.LogPrefix, pack.Type)
		return
	}

	for i, w := range in.waiters {
		if !w.match(req) {
			continue
		}
		in.waiters = slices.Delete(in.waiters, i, i+1)
		w.ch <- req
		return
	}

	in.pending = append(in.pending, req)
	if in.options.LogDebug {
		log.Printf("%s: queued %s, pending=%d", in.options.LogPrefix, pack.Type, len(in.pending))
	}
}

// Await returns the first request matching one of types, and from when it is not nil.
// A negative timeout waits until ctx is done or the intake is closed, zero only checks what is queued.
// invoked on any goroutine
func (in *Intake) Await(ctx context.Context, timeout time.Duration, from *m.PeerKey, types ...m.Type) (*Request, error) {
	w := &waiter{
		filter: filter{
			types: types,
			from:  from,
		},
		ch: make(chan *Request, 1),
	}

	var timer *clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var timerch <-chan time.Time
	err := func() error {
		in.mutex.Lock()
		defer in.mutex.Unlock()

		if in.closed {
			return ErrClosed
		}

		for i, req := range in.pending {
			if !w.match(req) {
				continue
			}
			in.pending = slices.Delete(in.pending, i, i+1)
			w.ch <- req
			return nil
		}

		if timeout == 0 {
			return fmt.Errorf("%s: %s: %w", in.options.LogPrefix, w.filter.String(), ErrTimeout)
		}
		if timeout > 0 {
			// armed before the waiter is visible, so a mock clock advanced after registration fires it
			timer = in.clock.Timer(timeout)
			timerch = timer.C
		}

		in.waiters = append(in.waiters, w)
		return nil
	}()
	if err != nil {
		return nil, err
	}

	select {
	case req := <-w.ch:
		return req, nil
	case <-timerch:
		return in.abandon(w, fmt.Errorf("%s: %s: %w after %v", in.options.LogPrefix, w.filter.String(), ErrTimeout, timeout))
	case <-ctx.Done():
		return in.abandon(w, ctx.Err())
	case <-in.closech:
		return in.abandon(w, ErrClosed)
	}
}

// abandon deregisters w, a request delivered in the meantime is still returned.
func (in *Intake) abandon(w *waiter, cause error) (*Request, error) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	i := slices.Index(in.waiters, w)
	if i >= 0 {
		in.waiters = slices.Delete(in.waiters, i, i+1)
		return nil, cause
	}

	select {
	case req := <-w.ch:
		return req, nil
	default:
		return nil, cause
	}
}

// invoked on any goroutine
func (in *Intake) Len() int {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	return len(in.pending)
}

func (in *Intake) waiting() int {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	return len(in.waiters)
}

// Discard drops queued requests of the given types, only those sent by from when it is not nil.
// Returns how many were dropped.
// invoked on any goroutine
func (in *Intake) Discard(from *m.PeerKey, types ...m.Type) int {
	f := &filter{
		types: types,
		from:  from,
	}

	in.mutex.Lock()
	defer in.mutex.Unlock()

	before := len(in.pending)
	in.pending = slices.DeleteFunc(in.pending, f.match)
	return before - len(in.pending)
}

func (in *Intake) Close() {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	if in.closed {
		return
	}
	in.closed = true
	close(in.closech)

	log.Printf("%s: intake closed, pending=%d, waiters=%d", in.options.LogPrefix, len(in.pending), len(in.waiters))
	in.pending = nil
}
