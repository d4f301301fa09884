package link

import (
	"errors"
	"log"
	"time"

	"github.com/Meander-Cloud/go-peerlink/intake"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
)

// handshake runs one hello to admission exchange for key.
func (s *Server) handshake(hello *intake.Request, key m.PeerKey) {
	defer s.wg.Done()

	log.Printf("%s: %s: hello received from %s", s.logPrefix, key.String(), hello.Pack.DevInfo.String())

	err := s.write(hello.Conn, m.TypeServerHello, nil, 0)
	if err != nil {
		s.endHandshake(key)
		s.mt.Handshake(metrics.HandshakeFailed)
		return
	}

	wait := s.c.GetHelloConfirmWait()
	confirm, err := s.in.Await(s.ctx, wait, &key, m.TypeClientConfirm)
	if err != nil {
		// released before the reply goes out, so the peer may start over as soon as it reads it
		s.endHandshake(key)

		if !errors.Is(err, intake.ErrTimeout) {
			log.Printf("%s: %s: handshake abandoned, err=%s", s.logPrefix, key.String(), err.Error())
			return
		}

		log.Printf("%s: %s: no confirm within %v, not admitted", s.logPrefix, key.String(), wait)
		s.mt.Handshake(metrics.HandshakeTimeout)
		s.write(hello.Conn, m.TypeServerError, m.ServerErrorTimeout, 0)
		return
	}

	var result string
	var size int
	err = s.a.DispatchWait(
		"Admit",
		func() {
			// invoked on arbiter goroutine
			result = s.roster.admit(confirm.Pack, confirm.Conn, time.Now().UTC())
			size = s.roster.size()
		},
	)
	s.endHandshake(key)
	if err != nil {
		log.Printf("%s: %s: admission skipped, err=%s", s.logPrefix, key.String(), err.Error())
		return
	}
	s.mt.Handshake(result)

	switch result {
	case metrics.HandshakeAdmitted, metrics.HandshakeRefreshed:
		log.Printf("%s: %s: %s, roster=%d/%d", s.logPrefix, key.String(), result, size, s.c.GetMaxPeers())
		s.write(confirm.Conn, m.TypeServerConfirm, nil, 0)
	case metrics.HandshakeFull:
		log.Printf("%s: %s: server full, roster=%d/%d", s.logPrefix, key.String(), size, s.c.GetMaxPeers())
		s.write(confirm.Conn, m.TypeServerError, m.ServerErrorFull, 0)
	}
}
