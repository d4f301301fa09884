// Package oneshot exchanges one payload per connection: connect, send everything, close.
//
// Both directions retry for as long as the connection is reset by the peer, every other failure
// is returned to the caller.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/Meander-Cloud/go-peerlink/config"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/net/tcp"
)

const bufferLen int64 = 65536 // 64 KB

// Endpoint carries the process wide address family.
type Endpoint struct {
	Family    string
	LogPrefix string
}

func NewEndpoint(c *config.Config) *Endpoint {
	return &Endpoint{
		Family:    c.Family,
		LogPrefix: fmt.Sprintf("%s-OneShot", c.LogPrefix),
	}
}

func (e *Endpoint) network() string {
	if e.Family == config.FamilyIPv6 {
		return "tcp6"
	}
	return "tcp4"
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

// SendTo delivers data in a connection of its own. A timeout <= 0 leaves connect unbounded.
func (e *Endpoint) SendTo(ctx context.Context, data []byte, address string, port uint16, timeout time.Duration) error {
	target, err := tcp.ResolveAddress(e.Family, address, port)
	if err != nil {
		return err
	}

	for {
		err = e.sendOnce(ctx, data, target, timeout)
		if err == nil {
			return nil
		}
		if !isReset(err) || ctx.Err() != nil {
			err = fmt.Errorf("%s: failed to send %d bytes to %s, err=%w", e.LogPrefix, len(data), target, err)
			log.Printf("%s", err.Error())
			return err
		}

		log.Printf("%s: ->%s: connection reset, retrying", e.LogPrefix, target)
	}
}

func (e *Endpoint) sendOnce(ctx context.Context, data []byte, target string, timeout time.Duration) error {
	dialer := &net.Dialer{}
	if timeout > 0 {
		dialer.Timeout = timeout
	}

	conn, err := dialer.DialContext(ctx, e.network(), target)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write(data)
	return err
}

// RecvAs accepts exactly one connection on address:port and returns what it carried, together
// with the sender address when wantSource is set. A timeout <= 0 waits without bound.
func (e *Endpoint) RecvAs(ctx context.Context, address string, port uint16, timeout time.Duration, wantSource bool) ([]byte, string, error) {
	local, err := tcp.ResolveAddress(e.Family, address, port)
	if err != nil {
		return nil, "", err
	}

	for {
		data, source, err := e.recvOnce(ctx, local, timeout)
		if err == nil {
			if !wantSource {
				source = ""
			}
			return data, source, nil
		}
		if !isReset(err) || ctx.Err() != nil {
			err = fmt.Errorf("%s: failed to receive on %s, err=%w", e.LogPrefix, local, err)
			log.Printf("%s", err.Error())
			return nil, "", err
		}

		log.Printf("%s: <-%s: connection reset, retrying", e.LogPrefix, local)
	}
}

func (e *Endpoint) recvOnce(ctx context.Context, local string, timeout time.Duration) ([]byte, string, error) {
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, e.network(), local)
	if err != nil {
		return nil, "", err
	}
	defer listener.Close()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		tl, ok := listener.(*net.TCPListener)
		if ok {
			tl.SetDeadline(deadline)
		}
	}

	// unblock Accept once ctx is done
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", err
	}
	defer conn.Close()

	if !deadline.IsZero() {
		conn.SetReadDeadline(deadline)
	}

	data, err := io.ReadAll(io.LimitReader(conn, bufferLen))
	if err != nil {
		return nil, "", err
	}

	return data, conn.RemoteAddr().String(), nil
}

// SendMessage encodes msg as json and sends it with SendTo.
func (e *Endpoint) SendMessage(ctx context.Context, msg *m.Message, address string, port uint16, timeout time.Duration) error {
	data, err := m.Encode(m.EncodingJSON, msg)
	if err != nil {
		return err
	}
	return e.SendTo(ctx, data, address, port, timeout)
}

// RecvMessage receives one json encoded message with RecvAs.
func (e *Endpoint) RecvMessage(ctx context.Context, address string, port uint16, timeout time.Duration) (*m.Message, string, error) {
	data, source, err := e.RecvAs(ctx, address, port, timeout, true)
	if err != nil {
		return nil, "", err
	}

	msg := new(m.Message)
	err = m.Decode(m.EncodingJSON, data, msg)
	if err != nil {
		err = fmt.Errorf("%s: invalid message from %s, err=%w", e.LogPrefix, source, err)
		log.Printf("%s", err.Error())
		return nil, "", err
	}
	return msg, source, nil
}
