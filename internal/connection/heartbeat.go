package connection

import "time"

type heartbeatAction int

const (
	heartbeatNone heartbeatAction = iota
	heartbeatPing
	heartbeatReconnect
)

// heartbeatMonitor decides when to ping and when to give up on a silent link.
// It is driven by the session's heartbeat loop and is not safe for concurrent
// use on its own.
type heartbeatMonitor struct {
	window    time.Duration
	maxMissed int

	lastTraffic time.Time
	pingSentAt  time.Time
	outstanding bool
	missed      int
}

func newHeartbeatMonitor(window time.Duration, maxMissed int, now time.Time) *heartbeatMonitor {
	return &heartbeatMonitor{window: window, maxMissed: maxMissed, lastTraffic: now}
}

// traffic records any inbound frame, pongs included. A live link clears the
// missed-pong count.
func (h *heartbeatMonitor) traffic(now time.Time) {
	h.lastTraffic = now
	h.outstanding = false
	h.missed = 0
}

func (h *heartbeatMonitor) tick(now time.Time) heartbeatAction {
	if h.outstanding {
		if now.Sub(h.pingSentAt) < h.window {
			return heartbeatNone
		}
		h.outstanding = false
		h.missed++
		if h.missed >= h.maxMissed {
			return heartbeatReconnect
		}
	}

	if now.Sub(h.lastTraffic) >= h.window {
		h.outstanding = true
		h.pingSentAt = now
		return heartbeatPing
	}
	return heartbeatNone
}
