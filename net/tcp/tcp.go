package tcp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-peerlink/config"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

const resolveTimeout = time.Second * 3

// ResolveAddress turns host:port into a literal address of the configured family.
// An empty host is the family's wildcard address.
func ResolveAddress(family string, host string, port uint16) (string, error) {
	p := strconv.FormatUint(uint64(port), 10)

	var network string
	switch family {
	case config.FamilyIPv4:
		network = "ip4"
	case config.FamilyIPv6:
		network = "ip6"
	default:
		err := fmt.Errorf("invalid family=%s", family)
		log.Printf("%s", err.Error())
		return "", err
	}

	if host == "" {
		if network == "ip4" {
			return net.JoinHostPort(net.IPv4zero.String(), p), nil
		}
		return net.JoinHostPort(net.IPv6unspecified.String(), p), nil
	}

	ip := net.ParseIP(host)
	if ip != nil {
		if !matchesFamily(ip, network) {
			err := fmt.Errorf("address %s is not %s", host, family)
			log.Printf("%s", err.Error())
			return "", err
		}
		return net.JoinHostPort(ip.String(), p), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		err = fmt.Errorf("failed to resolve %s as %s, err=%w", host, family, err)
		log.Printf("%s", err.Error())
		return "", err
	}
	if len(ips) == 0 {
		err = fmt.Errorf("no %s address for %s", family, host)
		log.Printf("%s", err.Error())
		return "", err
	}

	return net.JoinHostPort(ips[0].String(), p), nil
}

func matchesFamily(ip net.IP, network string) bool {
	isV4 := ip.To4() != nil
	if network == "ip4" {
		return isV4
	}
	return !isV4
}

type handle struct {
	name     string
	once     sync.Once
	shutdown func()
}

// Close shuts the server or client down once, go-transport reports no shutdown error.
func (h *handle) Close() error {
	h.once.Do(func() {
		log.Printf("%s: shutting down", h.name)
		h.shutdown() // wait
	})
	return nil
}

// Transport runs protocol objects over go-transport tcp servers and clients.
type Transport struct {
	c *config.Config

	mutex   sync.Mutex
	handles []*handle
}

func NewTransport(c *config.Config) *Transport {
	return &Transport{
		c:       c,
		mutex:   sync.Mutex{},
		handles: nil,
	}
}

func (t *Transport) options(address string, logPrefix string) *tcp.Options {
	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: t.c.GetTcpKeepAliveInterval(),
		KeepAliveCount:    t.c.GetTcpKeepAliveCount(),
		DialTimeout:       t.c.GetTcpDialTimeout(),
		ReconnectInterval: t.c.GetTcpReconnectInterval(),
		ReconnectLogEvery: t.c.GetTcpReconnectLogEvery(),
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          t.c.LogDebug,
	}
}

func (t *Transport) track(h *handle) io.Closer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.handles = append(t.handles, h)
	return h
}

// Listen accepts connections on address:port, each served by p.ReadLoop.
func (t *Transport) Listen(address string, port uint16, p *tp.Server) (io.Closer, error) {
	resolved, err := ResolveAddress(t.c.Family, address, port)
	if err != nil {
		return nil, err
	}

	options := t.options(resolved, fmt.Sprintf("%s-TcpServer", t.c.LogPrefix))
	options.Protocol = p

	server, err := tcp.NewTcpServer(options)
	if err != nil {
		return nil, err
	}

	return t.track(
		&handle{
			name:     options.LogPrefix,
			shutdown: server.Shutdown,
		},
	), nil
}

// Dial keeps a connection to address:port open, redialing after loss, each served by p.ReadLoop.
func (t *Transport) Dial(address string, port uint16, p *tp.Client) (io.Closer, error) {
	resolved, err := ResolveAddress(t.c.Family, address, port)
	if err != nil {
		return nil, err
	}

	options := t.options(resolved, fmt.Sprintf("%s-TcpClient", t.c.LogPrefix))
	options.Protocol = p

	client, err := tcp.NewTcpClient(options)
	if err != nil {
		return nil, err
	}

	return t.track(
		&handle{
			name:     options.LogPrefix,
			shutdown: client.Shutdown,
		},
	), nil
}

// Shutdown stops every server and client this transport started, handles closed earlier are skipped.
func (t *Transport) Shutdown() {
	t.mutex.Lock()
	handles := t.handles
	t.handles = nil
	t.mutex.Unlock()

	for _, h := range handles {
		h.Close() // wait
	}
}
