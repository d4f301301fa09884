package link

import (
	"log"
	"time"

	g "github.com/Meander-Cloud/go-peerlink/group"
	"github.com/Meander-Cloud/go-peerlink/intake"
	m "github.com/Meander-Cloud/go-peerlink/message"
	"github.com/Meander-Cloud/go-peerlink/metrics"
)

// respond answers server checks until the server ends the session or the client closes.
func (cl *Client) respond() {
	for {
		req, err := cl.in.Await(cl.ctx, intake.Forever, nil, m.TypeServerKeepAliveCheck, m.TypeServerDisconnect)
		if err != nil {
			cl.responding.Store(false)
			log.Printf("%s: responder exiting, err=%s", cl.logPrefix, err.Error())
			return
		}

		switch req.Pack.Type {
		case m.TypeServerKeepAliveCheck:
			err = req.Conn.Write(cl.cn.pack(m.TypeClientKeepAliveReply, nil), cl.c.GetReplyWait())
			if err != nil {
				log.Printf("%s: failed to answer keep-alive check, err=%s", cl.logPrefix, err.Error())
			}

		case m.TypeServerDisconnect:
			reason := req.Pack.Reason()
			log.Printf("%s: server disconnected us: %q", cl.logPrefix, reason)

			if !cl.endSession(cl.currentSession(), reason) {
				log.Printf("%s: duplicate %s dropped", cl.logPrefix, m.TypeServerDisconnect)
				continue
			}

			// a successful reconnect starts a fresh responder
			cl.responding.Store(false)
			cl.reconnect()
			return
		}
	}
}

// caller must be on arbiter goroutine
func (cl *Client) scheduleSelfCheck(session uint64) {
	cl.a.ScheduleTimer(
		g.GroupClientKeepAlive,
		cl.c.GetKeepAliveInterval(),
		func() {
			// invoked on arbiter goroutine
			if cl.inShutdown.Load() || !cl.inSession(session) {
				return
			}
			cl.scheduleSelfCheck(session)

			if !cl.checking.CompareAndSwap(false, true) {
				log.Printf("%s: previous self check still running, skipping", cl.logPrefix)
				return
			}
			go cl.selfCheck(session)
		},
	)
}

// selfCheck verifies the server answers, ending the session once every attempt went unanswered.
func (cl *Client) selfCheck(session uint64) {
	retries := int(cl.c.GetKeepAliveRetries())
	wait := cl.c.GetReplyWait()

	// a late reply from an earlier check must not count
	cl.in.Discard(nil, m.TypeServerKeepAliveReply)

	for attempt := 1; attempt <= retries; attempt++ {
		t0 := time.Now()

		err := cl.send(m.TypeClientKeepAliveCheck, nil, wait)
		if err == nil {
			_, err = cl.in.Await(cl.ctx, wait, nil, m.TypeServerKeepAliveReply)
			if err == nil {
				cl.mt.Probe(roleClient, metrics.ProbeAlive)
				cl.checking.Store(false)
				return
			}
		} else if !sleepOr(cl.ctx.Done(), wait-time.Since(t0)) {
			cl.checking.Store(false)
			return
		}

		if cl.ctx.Err() != nil || !cl.inSession(session) {
			cl.checking.Store(false)
			return
		}

		cl.mt.Probe(roleClient, metrics.ProbeMissed)
		log.Printf("%s: keep-alive attempt %d/%d unanswered", cl.logPrefix, attempt, retries)
	}

	cl.mt.Probe(roleClient, metrics.ProbeExpired)
	cl.checking.Store(false)

	if !cl.endSession(session, "server timeout during keep-alive check") {
		return
	}
	cl.reconnect()
}
