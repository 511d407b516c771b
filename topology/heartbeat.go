package topology

import "time"

// HeartbeatRequest is the outbound heartbeat payload a caller sends to a
// peer.
type HeartbeatRequest struct {
	ProtocolVersion int
	CheckEmpty      bool
	SetName         string
	ConfigVersion   int64
	SenderHost      HostAndPort
	SenderID        int
	HasSender       bool
}

// PrepareHeartbeatRequest decides what to send to target and how long the
// caller should wait for a reply, opening a new retry window when the
// previous one is exhausted or has timed out.
func (c *Coordinator) PrepareHeartbeatRequest(now time.Time, ourSetName string, target HostAndPort) (HeartbeatRequest, time.Duration) {
	stats, exists := c.pings[target]
	if !exists {
		stats = newPingStats()
	}
	elapsed := stats.elapsed(now)
	if stats.retryBudgetExceeded() || elapsed >= c.heartbeatTimeout() {
		stats.start(now)
		elapsed = 0
		c.log().Debugf("opening new heartbeat window for %s", target)
	}
	c.pings[target] = stats

	req := HeartbeatRequest{ProtocolVersion: 1, CheckEmpty: false}
	if c.configInitialized {
		req.SetName = c.currentConfig.ReplSetName
		req.ConfigVersion = c.currentConfig.ConfigVersion
		if c.selfIndex >= 0 {
			self := c.currentConfig.Members[c.selfIndex]
			req.SenderHost = self.HostAndPort
			req.SenderID = self.ID
			req.HasSender = true
		}
	} else {
		req.SetName = ourSetName
		req.ConfigVersion = 0
	}

	timeout := c.heartbeatTimeout() - elapsed
	if timeout < 0 {
		timeout = 0
	}
	return req, timeout
}

// heartbeatTimeout is the per-window heartbeat deadline, falling back to the
// default when no configuration has been installed yet.
func (c *Coordinator) heartbeatTimeout() time.Duration {
	if c.configInitialized && c.currentConfig.HeartbeatTimeoutPeriod > 0 {
		return c.currentConfig.HeartbeatTimeoutPeriod
	}
	return DefaultHeartbeatTimeout
}
