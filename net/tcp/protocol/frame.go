package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"time"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

// header of eight bytes
// 0 - pre-designated bit pattern indicating valid message
// 1 - protocol version
// 2 - sender id
// 3 - payload encoding
// 4,5,6,7 - payload length of type uint32, little endian byte order

// caller must hold cs.wmu
func writeWireData(cs *ConnState, pack *m.DataPack, timeout time.Duration) error {
	options := cs.options
	descriptor := cs.Descriptor()

	payload, err := m.EncodeDataPack(options.Encoding, pack)
	if err != nil {
		err = fmt.Errorf("%s: %s: failed to encode pack=%+v, err=%w", options.LogPrefix, descriptor, pack, err)
		log.Printf("%s", err.Error())
		return err
	}

	payloadLen := len(payload)
	if uint32(payloadLen) > maxPayloadLen {
		err = fmt.Errorf("%s: %s: payloadLen=%d of %s is too large", options.LogPrefix, descriptor, payloadLen, pack.Type)
		log.Printf("%s", err.Error())
		return err
	}

	buffer := new(bytes.Buffer)
	buffer.Grow(max(typicalBufferLen, headerLen+payloadLen))

	buffer.WriteByte(protocolPattern)
	buffer.WriteByte(protocolVersion)
	buffer.WriteByte(options.Txid)
	buffer.WriteByte(byte(options.Encoding))

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(payloadLen))
	buffer.Write(lenBuf[:])
	buffer.Write(payload)

	buf := buffer.Bytes()
	bufLen := len(buf)

	cs.Conn.SetWriteDeadline(time.Now().UTC().Add(timeout))
	n, err := cs.Conn.Write(buf)
	if err != nil {
		err = fmt.Errorf("%s: %s: failed to write %d bytes of %s, err=%w", options.LogPrefix, descriptor, bufLen, pack.Type, err)
		log.Printf("%s", err.Error())
		return err
	}
	options.Metrics.FrameOut(pack.Type)

	if options.LogDebug {
		log.Printf("%s: %s: wrote %d bytes, type=%s, header %X", options.LogPrefix, descriptor, n, pack.Type, buf[0:headerLen])
	}

	return nil
}

// invoked on ReadLoop goroutine
func readWireData(r io.Reader, options *Options, descriptor string) (*m.DataPack, error) {
	buf1 := make([]byte, headerLen)
	n1, err := io.ReadFull(r, buf1)
	if err != nil {
		return nil, err
	}
	if options.LogDebug {
		log.Printf("%s: %s: read header bytes %X", options.LogPrefix, descriptor, buf1[:n1])
	}

	// protocol specific sanity check
	if buf1[0] != protocolPattern {
		return nil, fmt.Errorf("invalid protocol pattern in header bytes %X", buf1[:n1])
	}
	if buf1[1] != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version in header bytes %X", buf1[:n1])
	}
	_, found := options.RxidMap[buf1[2]]
	if !found {
		return nil, fmt.Errorf("unrecognized sender id in header bytes %X", buf1[:n1])
	}
	encoding := m.Encoding(buf1[3])
	switch encoding {
	case m.EncodingJSON, m.EncodingMsgpack:
	default:
		return nil, fmt.Errorf("unsupported encoding in header bytes %X", buf1[:n1])
	}

	payloadLen := binary.LittleEndian.Uint32(buf1[4:8])
	if payloadLen > maxPayloadLen {
		return nil, fmt.Errorf("payloadLen=%d in header bytes %X is too large", payloadLen, buf1[:n1])
	}

	buf2 := make([]byte, payloadLen)
	_, err = io.ReadFull(r, buf2)
	if err != nil {
		return nil, fmt.Errorf("failed to read %d payload bytes, err=%w", payloadLen, err)
	}

	pack, err := m.DecodeDataPack(encoding, buf2)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %d payload bytes, err=%w", payloadLen, err)
	}
	options.Metrics.FrameIn(pack.Type)

	return pack, nil
}
