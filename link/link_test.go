package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peerlink/config"
	"github.com/Meander-Cloud/go-peerlink/intake"
	m "github.com/Meander-Cloud/go-peerlink/message"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

const (
	testAddress    = "127.0.0.1"
	testServerPort = 8911
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// pipeNet connects protocol objects in memory, standing in for the tcp transport.
// Every dial appears to come from a host of its own.
type pipeNet struct {
	mutex   sync.Mutex
	servers map[string]*tp.Server
	dials   atomic.Uint32
}

// addrConn reports tcp style endpoints for a pipe.
type addrConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *addrConn) LocalAddr() net.Addr {
	return c.local
}

func (c *addrConn) RemoteAddr() net.Addr {
	return c.remote
}

func newPipeNet() *pipeNet {
	return &pipeNet{
		servers: make(map[string]*tp.Server),
	}
}

func pipeKey(address string, port uint16) string {
	return net.JoinHostPort(address, strconv.FormatUint(uint64(port), 10))
}

func (pn *pipeNet) Listen(address string, port uint16, p *tp.Server) (io.Closer, error) {
	key := pipeKey(address, port)

	pn.mutex.Lock()
	defer pn.mutex.Unlock()

	_, found := pn.servers[key]
	if found {
		return nil, fmt.Errorf("address %s already in use", key)
	}
	pn.servers[key] = p

	return closerFunc(func() error {
		pn.mutex.Lock()
		defer pn.mutex.Unlock()

		delete(pn.servers, key)
		return nil
	}), nil
}

func (pn *pipeNet) Dial(address string, port uint16, p *tp.Client) (io.Closer, error) {
	key := pipeKey(address, port)

	pn.mutex.Lock()
	server := pn.servers[key]
	pn.mutex.Unlock()

	if server == nil {
		return nil, fmt.Errorf("connection refused: %s", key)
	}

	n := pn.dials.Add(1)
	dialer := &net.TCPAddr{IP: net.IPv4(10, 0, byte(n>>8), byte(n)), Port: 40000}
	listener := &net.TCPAddr{IP: net.ParseIP(address), Port: int(port)}

	c1, c2 := net.Pipe()
	go server.ReadLoop(&addrConn{Conn: c1, local: listener, remote: dialer})
	go p.ReadLoop(&addrConn{Conn: c2, local: dialer, remote: listener})

	return closerFunc(c2.Close), nil
}

// testConfig uses short timings, keep-alive cycles are slow unless a test speeds them up.
func testConfig(t *testing.T, selfPort uint16) *config.Config {
	c := &config.Config{
		User:              "tester",
		Host:              "testhost",
		ServerAddress:     testAddress,
		ServerPort:        testServerPort,
		SelfAddress:       testAddress,
		SelfPort:          selfPort,
		MaxPeers:          4,
		Encoding:          "json",
		HelloConfirmWait:  300,
		ReplyWait:         200,
		KeepAliveInterval: 5000,
		KeepAliveRetries:  3,
		TcpDialTimeout:    1,
		LogPrefix:         t.Name(),
	}
	c.SetDefaults()
	return c
}

func startServer(t *testing.T, pn *pipeNet, c *config.Config) *Server {
	s, err := NewServer(c, pn, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func startClient(t *testing.T, pn *pipeNet, c *config.Config, policy Reconnector) *Client {
	cl, err := NewClient(c, pn, policy, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		cl.Close()
	})
	return cl
}

func rosterKeys(s *Server) []string {
	var keys []string
	for _, pc := range s.Roster() {
		keys = append(keys, pc.Key().String())
	}
	return keys
}

type rawHandler struct {
	in *intake.Intake
}

func (h *rawHandler) Received(cs *tp.ConnState, pack *m.DataPack) {
	h.in.Deliver(pack, cs)
}

func (h *rawHandler) Closed(*tp.ConnState) {}

// rawPeer speaks the client side of the wire protocol by hand.
type rawPeer struct {
	t    *testing.T
	info *m.DevInfo
	in   *intake.Intake
	cs   *tp.ConnState
}

func dialRaw(t *testing.T, pn *pipeNet, port uint16) *rawPeer {
	in := intake.New(&intake.Options{LogPrefix: fmt.Sprintf("raw-%d", port)})

	p, err := tp.NewClient(
		&tp.Options{
			Handler:  &rawHandler{in: in},
			Encoding: m.EncodingJSON,
			Txid:     tp.ClientSenderID,
			RxidMap: map[byte]struct{}{
				tp.ServerSenderID: {},
			},
			LogPrefix: fmt.Sprintf("raw-%d", port),
		},
		pipeKey(testAddress, testServerPort),
	)
	require.NoError(t, err)

	_, err = pn.Dial(testAddress, testServerPort, p)
	require.NoError(t, err)

	cs, err := p.WaitConnection(context.Background(), time.Second)
	require.NoError(t, err)

	t.Cleanup(func() {
		p.Close()
		in.Close()
	})

	return &rawPeer{
		t: t,
		info: &m.DevInfo{
			User:           "raw",
			Addr:           testAddress,
			Port:           port,
			Hostname:       "rawhost",
			RuntimeVersion: []int{1, 23},
			Others:         map[string]any{},
		},
		in: in,
		cs: cs,
	}
}

func (r *rawPeer) key() string {
	return r.info.Key().String()
}

func (r *rawPeer) send(t m.Type, data any) {
	r.t.Helper()
	require.NoError(r.t, r.cs.Write(m.NewDataPack(t, r.info, data), time.Second))
}

func (r *rawPeer) await(timeout time.Duration, types ...m.Type) *intake.Request {
	r.t.Helper()
	req, err := r.in.Await(context.Background(), timeout, nil, types...)
	require.NoError(r.t, err)
	return req
}

func (r *rawPeer) expectNone(timeout time.Duration, types ...m.Type) {
	r.t.Helper()
	_, err := r.in.Await(context.Background(), timeout, nil, types...)
	require.ErrorIs(r.t, err, intake.ErrTimeout)
}

// handshake runs hello and confirm, returning the admission reply.
func (r *rawPeer) handshake() *m.DataPack {
	r.t.Helper()
	r.send(m.TypeClientHello, nil)
	r.await(time.Second, m.TypeServerHello)
	r.send(m.TypeClientConfirm, nil)
	return r.await(time.Second, m.TypeServerConfirm, m.TypeServerError).Pack
}

// rawServer speaks the server side of the wire protocol by hand.
type rawServer struct {
	t    *testing.T
	info *m.DevInfo
	in   *intake.Intake
}

func listenRaw(t *testing.T, pn *pipeNet) *rawServer {
	in := intake.New(&intake.Options{LogPrefix: "raw-server"})

	p, err := tp.NewServer(
		&tp.Options{
			Handler:  &rawHandler{in: in},
			Encoding: m.EncodingJSON,
			Txid:     tp.ServerSenderID,
			RxidMap: map[byte]struct{}{
				tp.ClientSenderID: {},
			},
			LogPrefix: "raw-server",
		},
	)
	require.NoError(t, err)

	closer, err := pn.Listen(testAddress, testServerPort, p)
	require.NoError(t, err)

	t.Cleanup(func() {
		closer.Close()
		p.Close()
		in.Close()
	})

	return &rawServer{
		t: t,
		info: &m.DevInfo{
			User:     "raw",
			Addr:     testAddress,
			Port:     testServerPort,
			Hostname: "rawserver",
			Others:   map[string]any{},
		},
		in: in,
	}
}

func (rs *rawServer) await(timeout time.Duration, types ...m.Type) *intake.Request {
	rs.t.Helper()
	req, err := rs.in.Await(context.Background(), timeout, nil, types...)
	require.NoError(rs.t, err)
	return req
}

func (rs *rawServer) expectNone(timeout time.Duration, types ...m.Type) {
	rs.t.Helper()
	_, err := rs.in.Await(context.Background(), timeout, nil, types...)
	require.ErrorIs(rs.t, err, intake.ErrTimeout)
}

func (rs *rawServer) reply(req *intake.Request, t m.Type, data any) {
	rs.t.Helper()
	require.NoError(rs.t, req.Conn.Write(m.NewDataPack(t, rs.info, data), time.Second))
}

// admit answers one handshake with a confirm, returning the confirm request.
func (rs *rawServer) admit() *intake.Request {
	rs.t.Helper()
	hello := rs.await(time.Second, m.TypeClientHello)
	rs.reply(hello, m.TypeServerHello, nil)
	confirm := rs.await(time.Second, m.TypeClientConfirm)
	rs.reply(confirm, m.TypeServerConfirm, nil)
	return confirm
}

// connectRaw connects cl to rs, returning the request whose connection reaches cl.
func connectRaw(t *testing.T, cl *Client, rs *rawServer) *intake.Request {
	t.Helper()
	errch := make(chan error, 1)
	go func() {
		errch <- cl.Connect(testAddress, testServerPort)
	}()

	confirm := rs.admit()
	require.NoError(t, <-errch)
	assert.True(t, cl.Connected())
	return confirm
}

type recordingPolicy struct {
	mutex    sync.Mutex
	attempts []int
	answer   bool
}

func (p *recordingPolicy) Reconnect(_ context.Context, attempt int) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.attempts = append(p.attempts, attempt)
	return p.answer
}

func (p *recordingPolicy) calls() []int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return append([]int(nil), p.attempts...)
}

func closedWithin(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
