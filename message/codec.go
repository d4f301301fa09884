package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type Encoding byte

const (
	EncodingInvalid Encoding = 0x00
	EncodingJSON    Encoding = 0x01
	EncodingMsgpack Encoding = 0x02
)

func (e Encoding) String() string {
	switch e {
	case EncodingInvalid:
		return "invalid"
	case EncodingJSON:
		return "json"
	case EncodingMsgpack:
		return "msgpack"
	default:
		return "unknown"
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "msgpack":
		return EncodingMsgpack, nil
	default:
		return EncodingInvalid, fmt.Errorf("unsupported encoding=%s", s)
	}
}

func Encode(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingJSON:
		return json.Marshal(v)
	case EncodingMsgpack:
		buffer := new(bytes.Buffer)
		err := msgpack.NewEncoder(buffer).Encode(v)
		if err != nil {
			return nil, err
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding=%s", enc)
	}
}

func Decode(enc Encoding, b []byte, v any) error {
	switch enc {
	case EncodingJSON:
		return json.Unmarshal(b, v)
	case EncodingMsgpack:
		return msgpack.Unmarshal(b, v)
	default:
		return fmt.Errorf("unsupported encoding=%s", enc)
	}
}

func EncodeDataPack(enc Encoding, p *DataPack) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil DataPack")
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("invalid DataPack type=%q", p.Type)
	}
	return Encode(enc, p)
}

func DecodeDataPack(enc Encoding, b []byte) (*DataPack, error) {
	p := new(DataPack)
	err := Decode(enc, b, p)
	if err != nil {
		return nil, err
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("invalid DataPack type=%q", p.Type)
	}
	return p, nil
}
