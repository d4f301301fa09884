package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

var ErrNoConnection = errors.New("no active connection")

type Client struct {
	options    *Options
	address    string
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex     sync.Mutex
	connState *ConnState    // current active tcp connection, if any
	readych   chan struct{} // closed once connState is set
}

func NewClient(options *Options, address string) (*Client, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}

	p := &Client{
		options:    options,
		address:    address,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},

		mutex:     sync.Mutex{},
		connState: nil,
		readych:   make(chan struct{}),
	}

	return p, nil
}

func (p *Client) Options() *Options {
	return p.options
}

func (p *Client) Address() string {
	return p.address
}

func (p *Client) Close() {
	if p.inShutdown.Swap(true) {
		return
	}
	log.Printf("%s: ->%s: protocol closing", p.options.LogPrefix, p.address)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState == nil {
			log.Printf("%s: ->%s: no active connection", p.options.LogPrefix, p.address)
			return
		}

		p.connState.Conn.Close()
	}()

	log.Printf("%s: ->%s: protocol closed", p.options.LogPrefix, p.address)
}

func (p *Client) ReadLoop(conn net.Conn) {
	connID := p.getNextConnID()
	connState := newConnState(
		connID,
		conn,
		p.options,
		fmt.Sprintf("[%d]-><%s>", connID, conn.RemoteAddr().String()),
	)
	network := conn.RemoteAddr().Network()

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, connState.Descriptor(), network)

	defer func() {
		connState.closed.Store(true)

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			if p.connState == nil {
				log.Printf("%s: %s: no connection cached, state corrupt", p.options.LogPrefix, connState.Descriptor())
				return
			}

			if connState.ConnID != p.connState.ConnID {
				log.Printf("%s: %s: connID mismatch stack<%d>:cached<%d>, state corrupt", p.options.LogPrefix, connState.Descriptor(), connState.ConnID, p.connState.ConnID)
				return
			}

			p.connState = nil
			p.readych = make(chan struct{})
		}()

		conn.Close()
		p.options.Closed(connState)
		log.Printf("%s: %s: %s connection closed, inShutdown=%t", p.options.LogPrefix, connState.Descriptor(), network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, connState.Descriptor(), p.connState.Descriptor())
			p.connState = connState
			return
		}
		p.connState = connState
		close(p.readych)
	}()

	describe := func(peer *m.DevInfo) string {
		return fmt.Sprintf("[%d]->%s<%s>", connState.ConnID, peer.String(), conn.RemoteAddr().String())
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
func (p *Client) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Client) CheckConnection() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.connState != nil && !p.connState.Closed()
}

// invoked on any goroutine
func (p *Client) GetConnection() (*ConnState, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState == nil || p.connState.Closed() {
		err := fmt.Errorf("%s: ->%s: %w", p.options.LogPrefix, p.address, ErrNoConnection)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return p.connState, nil
}

// WaitConnection blocks until the transport has handed a connection to ReadLoop.
// invoked on any goroutine
func (p *Client) WaitConnection(ctx context.Context, timeout time.Duration) (*ConnState, error) {
	p.mutex.Lock()
	if p.connState != nil && !p.connState.Closed() {
		connState := p.connState
		p.mutex.Unlock()
		return connState, nil
	}
	readych := p.readych
	p.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-readych:
		return p.GetConnection()
	case <-timer.C:
		err := fmt.Errorf("%s: ->%s: no connection within %v, %w", p.options.LogPrefix, p.address, timeout, ErrNoConnection)
		log.Printf("%s", err.Error())
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
