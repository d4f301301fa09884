package link

import (
	"log"
	"time"

	g "github.com/Meander-Cloud/go-peerlink/group"
	"github.com/Meander-Cloud/go-peerlink/intake"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
	tp "github.com/Meander-Cloud/go-peerlink/net/tcp/protocol"
)

const (
	roleServer = "server"
	roleClient = "client"
)

// sleepOr waits d unless the link is closing first, returning false in that case.
func sleepOr(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

// caller must be on arbiter goroutine
func (s *Server) scheduleKeepAlive() {
	s.a.ScheduleTimer(
		g.GroupServerKeepAlive,
		s.c.GetKeepAliveInterval(),
		func() {
			// invoked on arbiter goroutine
			if s.inShutdown.Load() {
				return
			}
			s.scheduleKeepAlive()

			members := s.roster.snapshot()
			if s.c.LogDebug {
				log.Printf("%s: keep-alive cycle, roster=%d", s.logPrefix, len(members))
			}

			for _, pc := range members {
				if !pc.probing.CompareAndSwap(false, true) {
					log.Printf("%s: %s: previous probe still running, skipping", s.logPrefix, pc.Key().String())
					continue
				}

				s.wg.Add(1)
				go s.probe(pc)
			}
		},
	)
}

// probe checks one roster member, removing it once every attempt went unanswered.
func (s *Server) probe(pc *ProcessingClient) {
	defer s.wg.Done()

	// an expired entry keeps probing set, so no later cycle probes it again before removal
	expired := false
	defer func() {
		if !expired {
			pc.probing.Store(false)
		}
	}()

	key := pc.Key()
	retries := int(s.c.GetKeepAliveRetries())
	wait := s.c.GetReplyWait()

	// a late reply from an earlier cycle must not count
	dropped := s.in.Discard(&key, m.TypeClientKeepAliveReply)
	if dropped > 0 && s.c.LogDebug {
		log.Printf("%s: %s: dropped %d stale replies", s.logPrefix, key.String(), dropped)
	}

	for attempt := 1; attempt <= retries; attempt++ {
		t0 := time.Now()

		err := s.write(pc.Conn, m.TypeServerKeepAliveCheck, nil, wait)
		if err == nil {
			_, err = s.in.Await(s.ctx, wait, &key, m.TypeClientKeepAliveReply)
			if err == nil {
				s.mt.Probe(roleServer, metrics.ProbeAlive)
				if s.c.LogDebug {
					log.Printf("%s: %s: alive, attempt=%d", s.logPrefix, key.String(), attempt)
				}
				return
			}
		} else if !sleepOr(s.ctx.Done(), wait-time.Since(t0)) {
			return
		}

		if s.ctx.Err() != nil {
			return
		}

		s.mt.Probe(roleServer, metrics.ProbeMissed)
		log.Printf("%s: %s: keep-alive attempt %d/%d unanswered", s.logPrefix, key.String(), attempt, retries)
	}

	expired = true
	s.mt.Probe(roleServer, metrics.ProbeExpired)

	// best effort, the peer is presumed gone
	s.write(pc.Conn, m.TypeServerDisconnect, m.ServerDisconnectKeepAlive, time.Second)

	s.a.Dispatch(
		"KeepAliveExpired",
		func() {
			// invoked on arbiter goroutine
			removed := s.roster.remove(key, pc)
			log.Printf(
				"%s: %s: keep-alive exhausted, removed=%t, roster=%d",
				s.logPrefix,
				key.String(),
				removed,
				s.roster.size(),
			)
		},
	)
}

// clientCheckLoop answers checks initiated by clients.
func (s *Server) clientCheckLoop() {
	defer s.wg.Done()

	for {
		req, err := s.in.Await(s.ctx, intake.Forever, nil, m.TypeClientKeepAliveCheck)
		if err != nil {
			log.Printf("%s: client check loop exiting, err=%s", s.logPrefix, err.Error())
			return
		}

		s.wg.Add(1)
		go s.answerCheck(req.Conn, req.Pack.DevInfo.Key())
	}
}

func (s *Server) answerCheck(conn *tp.ConnState, key m.PeerKey) {
	defer s.wg.Done()

	retries := int(s.c.GetKeepAliveRetries())
	for attempt := 1; attempt <= retries; attempt++ {
		err := s.write(conn, m.TypeServerKeepAliveReply, nil, s.c.GetReplyWait())
		if err == nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
	}

	log.Printf("%s: %s: failed to answer keep-alive check after %d attempts", s.logPrefix, key.String(), retries)
}
