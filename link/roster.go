package link

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

// ProcessingClient is one admitted peer. Entries are replaced, never mutated, on re-handshake.
type ProcessingClient struct {
	Addr     string
	Port     uint16
	DevInfo  *m.DevInfo
	Admitted time.Time
	Conn     *tp.ConnState

	probing atomic.Bool
}

func (pc *ProcessingClient) Key() m.PeerKey {
	return m.PeerKey{
		Addr: pc.Addr,
		Port: pc.Port,
	}
}

// roster is owned by the arbiter goroutine.
type roster struct {
	maxPeers int
	entries  map[m.PeerKey]*ProcessingClient
	mt       *metrics.Metrics
}

func newRoster(maxPeers uint16, mt *metrics.Metrics) *roster {
	return &roster{
		maxPeers: int(maxPeers),
		entries:  make(map[m.PeerKey]*ProcessingClient),
		mt:       mt,
	}
}

// admit returns one of the metrics.Handshake* results.
func (r *roster) admit(req *m.DataPack, conn *tp.ConnState, now time.Time) string {
	key := req.DevInfo.Key()
	pc := &ProcessingClient{
		Addr:     key.Addr,
		Port:     key.Port,
		DevInfo:  req.DevInfo,
		Admitted: now,
		Conn:     conn,
	}

	_, found := r.entries[key]
	if found {
		r.entries[key] = pc
		return metrics.HandshakeRefreshed
	}

	if len(r.entries) >= r.maxPeers {
		return metrics.HandshakeFull
	}

	r.entries[key] = pc
	r.mt.RosterSize(len(r.entries))
	return metrics.HandshakeAdmitted
}

// remove deletes key, only if it still maps to pc when pc is not nil.
func (r *roster) remove(key m.PeerKey, pc *ProcessingClient) bool {
	cached, found := r.entries[key]
	if !found {
		return false
	}
	if pc != nil && cached != pc {
		return false
	}

	delete(r.entries, key)
	r.mt.RosterSize(len(r.entries))
	return true
}

func (r *roster) snapshot() []*ProcessingClient {
	list := make([]*ProcessingClient, 0, len(r.entries))
	for _, pc := range r.entries {
		list = append(list, pc)
	}
	slices.SortFunc(list, func(a, b *ProcessingClient) int {
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	return list
}

func (r *roster) size() int {
	return len(r.entries)
}
