package link

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
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

// server side accepted vocabulary, anything else is dropped on arrival
var serverAccepts = map[m.Type]struct{}{
	m.TypeClientHello:          {},
	m.TypeClientConfirm:        {},
	m.TypeClientKeepAliveCheck: {},
	m.TypeClientKeepAliveReply: {},
	m.TypeClientDisconnect:     {},
}

type Server struct {
	c          *config.Config
	cn         *Connection
	mt         *metrics.Metrics
	logPrefix  string
	inShutdown atomic.Bool

	a        *arbiter.Arbiter
	in       *intake.Intake
	protocol *tp.Server
	listener io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// peers with a handshake worker in flight
	hsMutex  sync.Mutex
	inflight map[m.PeerKey]struct{}

	// owned by arbiter goroutine
	roster *roster
}

type serverHandler struct {
	s *Server
}

func (h *serverHandler) Received(cs *tp.ConnState, pack *m.DataPack) {
	_, accepted := serverAccepts[pack.Type]
	if !accepted {
		log.Printf("%s: %s: dropping unexpected %s", h.s.logPrefix, cs.Descriptor(), pack.Type)
		return
	}
	if pack.DevInfo == nil {
		log.Printf("%s: %s: dropping %s without devinfo", h.s.logPrefix, cs.Descriptor(), pack.Type)
		return
	}
	pack.DevInfo = observedIdentity(cs, pack.DevInfo)

	h.s.in.Deliver(pack, cs)
}

// observedIdentity fills an unset or wildcard address from the remote end of cs.
// The advertised port is kept, so peers sharing a host still need distinct ports.
func observedIdentity(cs *tp.ConnState, info *m.DevInfo) *m.DevInfo {
	if info.Addr != "" {
		ip := net.ParseIP(info.Addr)
		if ip == nil || !ip.IsUnspecified() {
			return info
		}
	}
	if cs == nil || cs.Conn == nil {
		return info
	}

	remote := cs.Conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	observed := info.Clone()
	observed.Addr = host
	return observed
}

func (h *serverHandler) Closed(cs *tp.ConnState) {
	if h.s.c.LogDebug {
		log.Printf("%s: %s: connection gone, roster untouched", h.s.logPrefix, cs.Descriptor())
	}
}

// NewServer starts listening on ServerAddress:ServerPort and begins the keep-alive cycle.
func NewServer(c *config.Config, l Listener, mt *metrics.Metrics) (*Server, error) {
	logPrefix := fmt.Sprintf("%s-Server", c.LogPrefix)

	selfAddress := c.SelfAddress
	if selfAddress == "" {
		selfAddress = c.ServerAddress
	}
	cn, err := NewConnection(c, selfAddress, c.GetServerPort())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		c:          c,
		cn:         cn,
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
		protocol: nil,
		listener: nil,

		ctx:    ctx,
		cancel: cancel,
		wg:     sync.WaitGroup{},

		hsMutex:  sync.Mutex{},
		inflight: make(map[m.PeerKey]struct{}),

		roster: newRoster(c.GetMaxPeers(), mt),
	}
	mt.RegisterPending(func() float64 {
		return float64(s.in.Len())
	})

	s.protocol, err = tp.NewServer(
		protocolOptions(
			&serverHandler{s: s},
			cn,
			tp.ServerSenderID,
			tp.ClientSenderID,
			mt,
			logPrefix,
			c.LogDebug,
		),
	)
	if err != nil {
		s.teardown()
		return nil, err
	}

	s.wg.Add(3)
	go s.admissionLoop()
	go s.clientCheckLoop()
	go s.disconnectLoop()

	s.a.Dispatch(
		"ScheduleKeepAlive",
		func() {
			// invoked on arbiter goroutine
			s.scheduleKeepAlive()
		},
	)

	s.listener, err = l.Listen(c.ServerAddress, c.GetServerPort(), s.protocol)
	if err != nil {
		err = fmt.Errorf("%s: failed to listen on %s:%d, err=%w", logPrefix, c.ServerAddress, c.GetServerPort(), err)
		log.Printf("%s", err.Error())
		s.Close()
		return nil, err
	}

	log.Printf(
		"%s: serving as %s, maxPeers=%d, encoding=%s",
		logPrefix,
		cn.String(),
		c.GetMaxPeers(),
		cn.Encoding(),
	)
	return s, nil
}

func (s *Server) Connection() *Connection {
	return s.cn
}

// Roster returns the admitted peers ordered by key.
// invoked on any goroutine except the arbiter goroutine
func (s *Server) Roster() []*ProcessingClient {
	var list []*ProcessingClient
	err := s.a.DispatchWait(
		"Roster",
		func() {
			// invoked on arbiter goroutine
			list = s.roster.snapshot()
		},
	)
	if err != nil {
		return nil
	}
	return list
}

// Close notifies every roster member, then stops all loops and the transport.
func (s *Server) Close() error {
	if s.inShutdown.Swap(true) {
		return nil
	}
	log.Printf("%s: closing", s.logPrefix)

	var members []*ProcessingClient
	s.a.DispatchWait(
		"Close",
		func() {
			// invoked on arbiter goroutine
			s.a.ReleaseTimer(g.GroupServerKeepAlive)
			members = s.roster.snapshot()
		},
	)

	var err error
	for _, pc := range members {
		werr := pc.Conn.Write(s.cn.pack(m.TypeServerDisconnect, m.ServerDisconnectError), s.c.GetReplyWait())
		if werr != nil {
			log.Printf("%s: %s: failed to notify shutdown, err=%s", s.logPrefix, pc.Key().String(), werr.Error())
			err = multierr.Append(err, werr)
		}
	}

	err = multierr.Append(err, s.teardown())

	log.Printf("%s: closed, notified=%d", s.logPrefix, len(members))
	return err
}

func (s *Server) teardown() error {
	s.cancel()
	s.in.Close()
	s.wg.Wait()
	s.a.Shutdown() // wait

	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	if s.protocol != nil {
		s.protocol.Close()
	}
	return err
}

func (s *Server) beginHandshake(key m.PeerKey) bool {
	s.hsMutex.Lock()
	defer s.hsMutex.Unlock()

	_, found := s.inflight[key]
	if found {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) endHandshake(key m.PeerKey) {
	s.hsMutex.Lock()
	defer s.hsMutex.Unlock()

	delete(s.inflight, key)
}

func (s *Server) admissionLoop() {
	defer s.wg.Done()

	for {
		req, err := s.in.Await(s.ctx, intake.Forever, nil, m.TypeClientHello)
		if err != nil {
			log.Printf("%s: admission loop exiting, err=%s", s.logPrefix, err.Error())
			return
		}

		key := req.Pack.DevInfo.Key()
		if !s.beginHandshake(key) {
			log.Printf("%s: %s: handshake already in flight, ignoring hello", s.logPrefix, key.String())
			continue
		}

		s.wg.Add(1)
		go s.handshake(req, key)
	}
}

func (s *Server) disconnectLoop() {
	defer s.wg.Done()

	for {
		req, err := s.in.Await(s.ctx, intake.Forever, nil, m.TypeClientDisconnect)
		if err != nil {
			log.Printf("%s: disconnect loop exiting, err=%s", s.logPrefix, err.Error())
			return
		}

		key := req.Pack.DevInfo.Key()
		s.a.Dispatch(
			"ClientDisconnect",
			func() {
				// invoked on arbiter goroutine
				removed := s.roster.remove(key, nil)
				log.Printf(
					"%s: %s: client disconnected, removed=%t, roster=%d",
					s.logPrefix,
					key.String(),
					removed,
					s.roster.size(),
				)
			},
		)
	}
}

func (s *Server) write(conn *tp.ConnState, t m.Type, data any, timeout time.Duration) error {
	return conn.Write(s.cn.pack(t, data), timeout)
}
