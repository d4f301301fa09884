package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
)

// DevInfo identifies one participant. Values are treated as immutable once built.
type DevInfo struct {
	User           string         `json:"user" msgpack:"user"`
	Addr           string         `json:"addr" msgpack:"addr"`
	Port           uint16         `json:"port" msgpack:"port"`
	Hostname       string         `json:"hostname" msgpack:"hostname"`
	RuntimeVersion []int          `json:"pythonver" msgpack:"pythonver"`
	Others         map[string]any `json:"others" msgpack:"others"`
}

// PeerKey is the identity used for roster and reply matching.
type PeerKey struct {
	Addr string
	Port uint16
}

func (k PeerKey) String() string {
	return net.JoinHostPort(k.Addr, strconv.FormatUint(uint64(k.Port), 10))
}

func (d *DevInfo) Key() PeerKey {
	return PeerKey{
		Addr: d.Addr,
		Port: d.Port,
	}
}

// Equal compares the serialized forms, so map ordering in Others does not matter.
func (d *DevInfo) Equal(other *DevInfo) bool {
	if d == nil || other == nil {
		return d == other
	}

	b1, err := json.Marshal(d)
	if err != nil {
		return false
	}
	b2, err := json.Marshal(other)
	if err != nil {
		return false
	}

	return bytes.Equal(b1, b2)
}

func (d *DevInfo) Clone() *DevInfo {
	if d == nil {
		return nil
	}

	c := &DevInfo{
		User:           d.User,
		Addr:           d.Addr,
		Port:           d.Port,
		Hostname:       d.Hostname,
		RuntimeVersion: append([]int(nil), d.RuntimeVersion...),
		Others:         make(map[string]any, len(d.Others)),
	}
	for k, v := range d.Others {
		c.Others[k] = v
	}

	return c
}

func (d *DevInfo) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@%s<%s>", d.User, d.Hostname, d.Key().String())
}

// RuntimeVersion parses runtime.Version() into a numeric tuple, e.g. go1.23.1 -> [1 23 1].
// Development builds that do not carry a release number yield an empty tuple.
func RuntimeVersion() []int {
	return parseGoVersion(runtime.Version())
}

func parseGoVersion(v string) []int {
	v = strings.TrimPrefix(v, "go")
	if i := strings.IndexAny(v, " -+"); i >= 0 {
		v = v[:i]
	}

	tuple := make([]int, 0, 3)
	for _, part := range strings.Split(v, ".") {
		// trailing pre-release tags such as 1.24rc1
		digits := part
		for i, r := range part {
			if r < '0' || r > '9' {
				digits = part[:i]
				break
			}
		}

		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		tuple = append(tuple, n)
	}

	return tuple
}
