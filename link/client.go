package link

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-peerlink/arbiter"
	"github.com/Meander-Cloud/go-peerlink/config"
	g "github.com/Meander-Cloud/go-peerlink/group"
	"github.com/Meander-Cloud/go-peerlink/intake"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

// client side accepted vocabulary, anything else is dropped on arrival
var clientAccepts = map[m.Type]struct{}{
	m.TypeServerHello:          {},
	m.TypeServerConfirm:        {},
	m.TypeServerError:          {},
	m.TypeServerKeepAliveCheck: {},
	m.TypeServerKeepAliveReply: {},
	m.TypeServerDisconnect:     {},
}

type Client struct {
	c          *config.Config
	cn         *Connection
	dialer     Dialer
	policy     Reconnector
	mt         *metrics.Metrics
	logPrefix  string
	inShutdown atomic.Bool

	a  *arbiter.Arbiter
	in *intake.Intake

	ctx    context.Context
	cancel context.CancelFunc

	// serializes Connect
	connectMutex sync.Mutex

	tmutex    sync.Mutex
	protocol  *tp.Client
	transport io.Closer
	address   string
	port      uint16

	smutex    sync.Mutex
	connected bool
	session   uint64

	responding atomic.Bool
	checking   atomic.Bool

	doneOnce sync.Once
	donech   chan struct{}
}

type clientHandler struct {
	cl *Client
}

func (h *clientHandler) Received(cs *tp.ConnState, pack *m.DataPack) {
	_, accepted := clientAccepts[pack.Type]
	if !accepted {
		log.Printf("%s: %s: dropping unexpected %s", h.cl.logPrefix, cs.Descriptor(), pack.Type)
		return
	}
	if pack.Type == m.TypeServerDisconnect && !h.cl.Connected() {
		log.Printf("%s: %s: dropping %s outside a session", h.cl.logPrefix, cs.Descriptor(), pack.Type)
		return
	}

	h.cl.in.Deliver(pack, cs)
}

func (h *clientHandler) Closed(cs *tp.ConnState) {
	log.Printf("%s: %s: connection gone, connected=%t", h.cl.logPrefix, cs.Descriptor(), h.cl.Connected())
}

// NewClient builds an idle client, no connection is made until Connect.
// A nil policy never reconnects.
func NewClient(c *config.Config, d Dialer, policy Reconnector, mt *metrics.Metrics) (*Client, error) {
	logPrefix := fmt.Sprintf("%s-Client", c.LogPrefix)

	cn, err := NewConnection(c, c.SelfAddress, c.GetSelfPort())
	if err != nil {
		return nil, err
	}

	if policy == nil {
		policy = NeverReconnect{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	cl := &Client{
		c:          c,
		cn:         cn,
		dialer:     d,
		policy:     policy,
		mt:         mt,
		logPrefix:  logPrefix,
		inShutdown: atomic.Bool{},

		a: arbiter.NewArbiter(
			&arbiter.Options{
				LogPrefix: logPrefix,
				LogDebug:  c.LogDebug,
			},
		),
		in: intake.New(
			&intake.Options{
				LogPrefix: logPrefix,
				LogDebug:  c.LogDebug,
			},
		),

		ctx:    ctx,
		cancel: cancel,

		connectMutex: sync.Mutex{},

		tmutex:    sync.Mutex{},
		protocol:  nil,
		transport: nil,

		smutex:    sync.Mutex{},
		connected: false,
		session:   0,

		responding: atomic.Bool{},
		checking:   atomic.Bool{},

		doneOnce: sync.Once{},
		donech:   make(chan struct{}),
	}
	mt.RegisterPending(func() float64 {
		return float64(cl.in.Len())
	})

	log.Printf("%s: client as %s, encoding=%s", logPrefix, cn.String(), cn.Encoding())
	return cl, nil
}

func (cl *Client) Connection() *Connection {
	return cl.cn
}

// Done is closed once the client is finished, either by Close or by the reconnect policy declining.
func (cl *Client) Done() <-chan struct{} {
	return cl.donech
}

func (cl *Client) Connected() bool {
	cl.smutex.Lock()
	defer cl.smutex.Unlock()

	return cl.connected
}

func (cl *Client) finish() {
	cl.doneOnce.Do(func() {
		close(cl.donech)
	})
}

// Connect performs the handshake with address:port, redialing first if the target changed.
// invoked on any goroutine
func (cl *Client) Connect(address string, port uint16) error {
	if cl.inShutdown.Load() {
		return fmt.Errorf("%s: cannot connect, %w", cl.logPrefix, ErrClosed)
	}

	cl.connectMutex.Lock()
	defer cl.connectMutex.Unlock()

	err := cl.handshake(address, port)
	if err != nil {
		cl.smutex.Lock()
		cl.connected = false
		cl.smutex.Unlock()
		return err
	}

	cl.startSession()
	return nil
}

func (cl *Client) handshake(address string, port uint16) error {
	target := net.JoinHostPort(address, strconv.FormatUint(uint64(port), 10))

	p, err := cl.ensureTransport(address, port)
	if err != nil {
		return err
	}

	cs, err := p.WaitConnection(cl.ctx, cl.c.GetTcpDialTimeout())
	if err != nil {
		return err
	}

	// anything left over belongs to an earlier session
	cl.in.Discard(
		nil,
		m.TypeServerHello,
		m.TypeServerConfirm,
		m.TypeServerError,
		m.TypeServerDisconnect,
		m.TypeServerKeepAliveReply,
	)

	wait := cl.c.GetReplyWait()

	err = cs.Write(cl.cn.pack(m.TypeClientHello, nil), 0)
	if err != nil {
		return err
	}

	_, err = cl.in.Await(cl.ctx, wait, nil, m.TypeServerHello)
	if err != nil {
		err = fmt.Errorf("%s: no server hello from %s, %w", cl.logPrefix, target, err)
		log.Printf("%s", err.Error())
		return err
	}

	err = cs.Write(cl.cn.pack(m.TypeClientConfirm, nil), 0)
	if err != nil {
		return err
	}

	reply, err := cl.in.Await(cl.ctx, wait, nil, m.TypeServerConfirm, m.TypeServerError)
	if err != nil {
		err = fmt.Errorf("%s: no admission reply from %s, %w", cl.logPrefix, target, err)
		log.Printf("%s", err.Error())
		return err
	}

	if reply.Pack.Type == m.TypeServerConfirm {
		log.Printf("%s: connected to %s as %s", cl.logPrefix, reply.Pack.DevInfo.String(), cl.cn.Key().String())
		return nil
	}

	reason := reply.Pack.Reason()
	var sentinel error
	switch reason {
	case m.ServerErrorFull:
		sentinel = ErrServerFull
	case m.ServerErrorTimeout:
		sentinel = ErrHandshakeTimeout
	default:
		sentinel = ErrHandshakeFailed
	}

	err = fmt.Errorf("%s: %s refused: %q, %w", cl.logPrefix, target, reason, sentinel)
	log.Printf("%s", err.Error())
	return err
}

func (cl *Client) ensureTransport(address string, port uint16) (*tp.Client, error) {
	cl.tmutex.Lock()
	defer cl.tmutex.Unlock()

	if cl.protocol != nil && cl.address == address && cl.port == port {
		return cl.protocol, nil
	}

	if cl.protocol != nil {
		log.Printf("%s: target changed %s -> %s:%d, redialing", cl.logPrefix, cl.protocol.Address(), address, port)
		cl.closeTransport()
	}

	p, err := tp.NewClient(
		protocolOptions(
			&clientHandler{cl: cl},
			cl.cn,
			tp.ClientSenderID,
			tp.ServerSenderID,
			cl.mt,
			cl.logPrefix,
			cl.c.LogDebug,
		),
		net.JoinHostPort(address, strconv.FormatUint(uint64(port), 10)),
	)
	if err != nil {
		return nil, err
	}

	transport, err := cl.dialer.Dial(address, port, p)
	if err != nil {
		p.Close()
		err = fmt.Errorf("%s: failed to dial %s:%d, err=%w", cl.logPrefix, address, port, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	cl.protocol = p
	cl.transport = transport
	cl.address = address
	cl.port = port
	return p, nil
}

// caller must hold tmutex
func (cl *Client) closeTransport() error {
	var err error
	if cl.transport != nil {
		err = cl.transport.Close()
	}
	if cl.protocol != nil {
		cl.protocol.Close()
	}

	cl.protocol = nil
	cl.transport = nil
	return err
}

func (cl *Client) target() (string, uint16) {
	cl.tmutex.Lock()
	defer cl.tmutex.Unlock()

	return cl.address, cl.port
}

func (cl *Client) send(t m.Type, data any, timeout time.Duration) error {
	cl.tmutex.Lock()
	p := cl.protocol
	cl.tmutex.Unlock()

	if p == nil {
		return fmt.Errorf("%s: cannot send %s, %w", cl.logPrefix, t, ErrNotConnected)
	}

	cs, err := p.GetConnection()
	if err != nil {
		return err
	}
	return cs.Write(cl.cn.pack(t, data), timeout)
}

func (cl *Client) startSession() {
	cl.smutex.Lock()
	cl.session++
	session := cl.session
	cl.connected = true
	cl.smutex.Unlock()

	if cl.responding.CompareAndSwap(false, true) {
		go cl.respond()
	}

	cl.a.Dispatch(
		"ScheduleSelfCheck",
		func() {
			// invoked on arbiter goroutine
			cl.a.ReleaseTimer(g.GroupClientKeepAlive)
			cl.scheduleSelfCheck(session)
		},
	)
}

func (cl *Client) currentSession() uint64 {
	cl.smutex.Lock()
	defer cl.smutex.Unlock()

	return cl.session
}

func (cl *Client) inSession(session uint64) bool {
	cl.smutex.Lock()
	defer cl.smutex.Unlock()

	return cl.connected && cl.session == session
}

// endSession clears connected and sends the one client_disconnect of session.
// Returns false when session already ended.
func (cl *Client) endSession(session uint64, reason string) bool {
	cl.smutex.Lock()
	if !cl.connected || cl.session != session {
		cl.smutex.Unlock()
		return false
	}
	cl.connected = false
	cl.smutex.Unlock()

	dropped := cl.in.Discard(nil, m.TypeServerDisconnect)
	log.Printf("%s: session %d ended: %s, dropped=%d", cl.logPrefix, session, reason, dropped)

	err := cl.send(m.TypeClientDisconnect, nil, cl.c.GetReplyWait())
	if err != nil {
		log.Printf("%s: failed to send %s, err=%s", cl.logPrefix, m.TypeClientDisconnect, err.Error())
	}

	cl.a.Dispatch(
		"ReleaseSelfCheck",
		func() {
			// invoked on arbiter goroutine
			cl.a.ReleaseTimer(g.GroupClientKeepAlive)
		},
	)
	return true
}

// Disconnect ends the current session, a no-op when not connected.
// invoked on any goroutine
func (cl *Client) Disconnect() {
	if !cl.endSession(cl.currentSession(), "disconnect requested") {
		if cl.c.LogDebug {
			log.Printf("%s: disconnect ignored, not connected", cl.logPrefix)
		}
	}
}

// reconnect consults the policy until a Connect succeeds or the policy declines.
func (cl *Client) reconnect() {
	address, port := cl.target()

	for attempt := 1; ; attempt++ {
		if cl.inShutdown.Load() {
			return
		}

		if !cl.policy.Reconnect(cl.ctx, attempt) {
			log.Printf("%s: not reconnecting to %s:%d, client done", cl.logPrefix, address, port)
			cl.finish()
			return
		}

		log.Printf("%s: reconnecting to %s:%d, attempt=%d", cl.logPrefix, address, port, attempt)
		err := cl.Connect(address, port)
		if err == nil {
			return
		}
	}
}

func (cl *Client) Close() error {
	if cl.inShutdown.Swap(true) {
		return nil
	}
	log.Printf("%s: closing", cl.logPrefix)

	cl.Disconnect()

	cl.cancel()
	cl.in.Close()
	cl.a.Shutdown() // wait

	var err error
	func() {
		cl.tmutex.Lock()
		defer cl.tmutex.Unlock()

		err = multierr.Append(err, cl.closeTransport())
	}()

	cl.finish()
	log.Printf("%s: closed", cl.logPrefix)
	return err
}
