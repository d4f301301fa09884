package protocol

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

type Server struct {
	options    *Options
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	connMap map[uint32]*ConnState // connID -> tcp connection state
}

func NewServer(options *Options) (*Server, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},

		mutex:   sync.Mutex{},
		connMap: make(map[uint32]*ConnState),
	}

	return p, nil
}

func (p *Server) Options() *Options {
	return p.options
}

func (p *Server) Close() {
	if p.inShutdown.Swap(true) {
		return
	}
	log.Printf("%s: protocol closing", p.options.LogPrefix)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, connState := range p.connMap {
			connState.Conn.Close()
		}
	}()

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *Server) ReadLoop(conn net.Conn) {
	connID := p.getNextConnID()
	connState := newConnState(
		connID,
		conn,
		p.options,
		fmt.Sprintf("[%d]<-<%s>", connID, conn.RemoteAddr().String()),
	)
	network := conn.RemoteAddr().Network()

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, connState.Descriptor(), network)

	defer func() {
		connState.closed.Store(true)

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.connMap[connState.ConnID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in connection map", p.options.LogPrefix, connState.Descriptor(), connState.ConnID)
				return
			}
			delete(p.connMap, connState.ConnID)
		}()

		conn.Close()
		p.options.Closed(connState)
		log.Printf("%s: %s: %s connection closed, inShutdown=%t", p.options.LogPrefix, connState.Descriptor(), network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		cached, found := p.connMap[connState.ConnID]
		if found {
			log.Printf("%s: %s: overriding duplicate connection %s", p.options.LogPrefix, connState.Descriptor(), cached.Descriptor())
		}
		p.connMap[connState.ConnID] = connState
	}()

	describe := func(peer *m.DevInfo) string {
		return fmt.Sprintf("[%d]<-%s<%s>", connState.ConnID, peer.String(), conn.RemoteAddr().String())
	}

	for {
		pack, err := readWireData(conn, p.options, connState.Descriptor())
		if err != nil {
			logReadError(p.options.LogPrefix, connState.Descriptor(), err)
			return
		}
		connState.observe(pack, describe)

		if p.options.LogDebug {
			log.Printf("%s: %s: received pack=%+v", p.options.LogPrefix, connState.Descriptor(), pack)
		}

		p.options.Received(connState, pack)
	}
}

// invoked on ReadLoop goroutine
func (p *Server) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Server) ConnectionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}

func logReadError(logPrefix string, descriptor string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Printf("%s: %s: connection ended, err=%s", logPrefix, descriptor, err.Error())
	case errors.Is(err, syscall.ECONNRESET):
		log.Printf("%s: %s: connection reset by peer", logPrefix, descriptor)
	default:
		log.Printf("%s: %s: failed to read wire data, err=%s", logPrefix, descriptor, err.Error())
	}
}
