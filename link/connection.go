// Package link implements the two roles of the peer link protocol.
//
// A Server admits clients through a three way handshake, bounded by a maximum roster size,
// and periodically verifies that every admitted client still answers. A Client connects to one
// server, answers its checks, verifies the server on its own schedule, and consults a
// Reconnector once the session is lost.
package link

import (
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/Meander-Cloud/go-peerlink/config"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

const (
	othersInstance = "instance"
	othersEncoding = "encoding"
)

// Listener hands every accepted connection for address:port to p.ReadLoop.
type Listener interface {
	Listen(address string, port uint16, p *tp.Server) (io.Closer, error)
}

// Dialer keeps a connection to address:port open and hands it to p.ReadLoop.
type Dialer interface {
	Dial(address string, port uint16, p *tp.Client) (io.Closer, error)
}

// Connection holds the identity this process advertises, built once per role.
type Connection struct {
	devInfo  *m.DevInfo
	instance string
	encoding m.Encoding
}

func NewConnection(c *config.Config, addr string, port uint16) (*Connection, error) {
	encoding, err := m.ParseEncoding(c.Encoding)
	if err != nil {
		log.Printf("%s: %s", c.LogPrefix, err.Error())
		return nil, err
	}

	instance := uuid.NewString()

	return &Connection{
		devInfo: &m.DevInfo{
			User:           c.User,
			Addr:           addr,
			Port:           port,
			Hostname:       c.Host,
			RuntimeVersion: m.RuntimeVersion(),
			Others: map[string]any{
				othersInstance: instance,
				othersEncoding: encoding.String(),
			},
		},
		instance: instance,
		encoding: encoding,
	}, nil
}

// DevInfo must not be modified by the caller.
func (cn *Connection) DevInfo() *m.DevInfo {
	return cn.devInfo
}

func (cn *Connection) Key() m.PeerKey {
	return cn.devInfo.Key()
}

func (cn *Connection) Instance() string {
	return cn.instance
}

func (cn *Connection) Encoding() m.Encoding {
	return cn.encoding
}

func (cn *Connection) pack(t m.Type, data any) *m.DataPack {
	return m.NewDataPack(t, cn.devInfo, data)
}

func (cn *Connection) String() string {
	return fmt.Sprintf("%s#%s", cn.devInfo.String(), cn.instance)
}

func protocolOptions(
	h tp.Handler,
	cn *Connection,
	txid byte,
	rxid byte,
	mt *metrics.Metrics,
	logPrefix string,
	logDebug bool,
) *tp.Options {
	return &tp.Options{
		Handler:  h,
		Encoding: cn.encoding,
		Txid:     txid,
		RxidMap: map[byte]struct{}{
			rxid: {},
		},
		Metrics:   mt,
		LogPrefix: logPrefix,
		LogDebug:  logDebug,
	}
}
