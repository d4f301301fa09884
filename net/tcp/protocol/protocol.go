package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	typicalBufferLen int    = 1024  // 1 KB
	maxPayloadLen    uint32 = 65536 // 64 KB
	headerLen        int    = 8
)

const (
	protocolPattern byte = 0x5A
	protocolVersion byte = 0x01
)

const (
	ServerSenderID byte = 0x01
	ClientSenderID byte = 0x02
)

// Handler receives every decoded envelope and the end of every connection.
type Handler interface {
	Received(*ConnState, *m.DataPack)
	Closed(*ConnState)
}

type Options struct {
	Handler

	Encoding m.Encoding
	Txid     byte
	RxidMap  map[byte]struct{}
	Metrics  *metrics.Metrics

	LogPrefix string
	LogDebug  bool
}

func (o *Options) validate() error {
	if o.Handler == nil {
		err := fmt.Errorf("%s: nil Handler", o.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	switch o.Encoding {
	case m.EncodingJSON, m.EncodingMsgpack:
	default:
		err := fmt.Errorf("%s: invalid Encoding=%s", o.LogPrefix, o.Encoding)
		log.Printf("%s", err.Error())
		return err
	}

	if len(o.RxidMap) == 0 {
		err := fmt.Errorf("%s: empty RxidMap", o.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

type ConnVolatileData struct {
	// last identity seen on this connection, nil until the peer sends one
	Peer       *m.DevInfo
	Descriptor string
}

type ConnState struct {
	ConnID uint32
	Conn   net.Conn
	// callers can set pointers but must not modify pointed data, to allow concurrent immutable read
	Data atomic.Pointer[ConnVolatileData]

	options *Options
	closed  atomic.Bool
	wmu     sync.Mutex
}

func newConnState(connID uint32, conn net.Conn, options *Options, descriptor string) *ConnState {
	connState := &ConnState{
		ConnID:  connID,
		Conn:    conn,
		Data:    atomic.Pointer[ConnVolatileData]{},
		options: options,
		closed:  atomic.Bool{},
		wmu:     sync.Mutex{},
	}
	connState.Data.Store(
		&ConnVolatileData{
			Peer:       nil,
			Descriptor: descriptor,
		},
	)
	return connState
}

func (cs *ConnState) Descriptor() string {
	return cs.Data.Load().Descriptor
}

func (cs *ConnState) Peer() *m.DevInfo {
	return cs.Data.Load().Peer
}

func (cs *ConnState) Closed() bool {
	return cs.closed.Load()
}

// Write encodes and sends one envelope, bounded by timeout (<= 0 uses the default write deadline).
// invoked on any goroutine
func (cs *ConnState) Write(pack *m.DataPack, timeout time.Duration) error {
	if cs.closed.Load() {
		err := fmt.Errorf("%s: %s: connection closed, cannot write %s", cs.options.LogPrefix, cs.Descriptor(), pack.Type)
		log.Printf("%s", err.Error())
		return err
	}

	if timeout <= 0 {
		timeout = tcpWriteDeadline
	}

	cs.wmu.Lock()
	defer cs.wmu.Unlock()

	return writeWireData(cs, pack, timeout)
}

// invoked on ReadLoop goroutine
func (cs *ConnState) observe(pack *m.DataPack, describe func(*m.DevInfo) string) {
	if pack.DevInfo == nil {
		return
	}

	cvd := cs.Data.Load()
	if cvd.Peer.Equal(pack.DevInfo) {
		return
	}

	cs.Data.Store(
		&ConnVolatileData{
			Peer:       pack.DevInfo,
			Descriptor: describe(pack.DevInfo),
		},
	)
}
