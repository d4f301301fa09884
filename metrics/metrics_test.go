package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var mt *Metrics
	assert.NotPanics(t, func() {
		mt.Handshake(HandshakeAdmitted)
		mt.Probe("server", ProbeAlive)
		mt.RosterSize(3)
		mt.FrameIn(m.TypeClientHello)
		mt.FrameOut(m.TypeServerHello)
		mt.RegisterPending(func() float64 { return 0 })
	})
	assert.Nil(t, mt.Registry())
}

func TestCounters(t *testing.T) {
	mt := New()

	mt.Handshake(HandshakeAdmitted)
	mt.Handshake(HandshakeAdmitted)
	mt.Handshake(HandshakeFull)
	mt.Probe("server", ProbeMissed)
	mt.RosterSize(2)
	mt.FrameIn(m.TypeClientHello)

	assert.Equal(t, 2.0, testutil.ToFloat64(mt.handshakes.WithLabelValues(HandshakeAdmitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.handshakes.WithLabelValues(HandshakeFull)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.probes.WithLabelValues("server", ProbeMissed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(mt.rosterSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.frames.WithLabelValues("in", "client_hello")))
}

func TestHandlerExposesPending(t *testing.T) {
	mt := New()
	mt.RegisterPending(func() float64 { return 7 })

	srv := httptest.NewServer(mt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "peerlink_pending_requests 7")
	assert.Contains(t, string(body), "peerlink_roster_size 0")
}
