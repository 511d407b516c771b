package topology

import "time"

// HeartbeatResponse is the inbound payload from a peer that answered our
// heartbeat. State, electionTime, and opTime are optional on the wire; the
// Has* flags distinguish omitted from zero, and an omitted field falls back
// to whatever we already knew about the peer.
type HeartbeatResponse struct {
	SetName string

	HasState bool
	State    MemberState

	HasElectionTime bool
	ElectionTime    OpTime

	HasOpTime bool
	OpTime    OpTime

	Electable bool
	HBMsg     string
	SyncingTo HostAndPort

	ConfigVersion int64
	HasConfig     bool
	Config        ReplSetConfig

	StateDisagreement bool
	Mismatched        bool
}

// HeartbeatResult wraps a HeartbeatResponse with the outcome of the RPC
// that fetched it: a failed RPC still has a reason the coordinator logs, but
// no response payload. AuthIssue marks failures where the peer rejected our
// credentials, which are tracked separately from plain unreachability.
type HeartbeatResult struct {
	OK        bool
	Response  HeartbeatResponse
	Reason    string
	AuthIssue bool
}

// ProcessHeartbeatResponse folds the result of one heartbeat into ping
// statistics and member bookkeeping, then runs primary reconciliation.
func (c *Coordinator) ProcessHeartbeatResponse(now time.Time, rtt time.Duration, target HostAndPort, result HeartbeatResult, myLastOpApplied OpTime) Action {
	stats, exists := c.pings[target]
	if !exists {
		stats = newPingStats()
	}
	if result.OK {
		stats.hit(rtt)
		if result.Response.StateDisagreement {
			c.log().Debugf("%s thinks we are down because it cannot heartbeat us", target)
		}
	} else {
		stats.miss()
	}

	elapsed := stats.elapsed(now)
	var nextHeartbeatStartDate time.Time
	if !stats.retryBudgetExceeded() && elapsed < c.heartbeatTimeout() {
		if !result.OK {
			c.log().Debugf("bad heartbeat response from %s, retrying; %s elapsed", target, elapsed)
		}
		nextHeartbeatStartDate = now
	} else {
		if !result.OK {
			c.log().Warnf("bad heartbeat response from %s and no retries left in this window; next attempt in %s", target, HeartbeatInterval)
		}
		nextHeartbeatStartDate = now.Add(HeartbeatInterval)
	}
	c.pings[target] = stats

	if result.OK && result.Response.HasConfig {
		if result.Response.Config.ConfigVersion > c.currentConfig.ConfigVersion {
			return reconfigAction().WithNextHeartbeat(nextHeartbeatStartDate)
		}
		if result.Response.Config.ConfigVersion < c.currentConfig.ConfigVersion {
			c.log().Debugf("config version from heartbeat response was older than ours")
		}
	}

	idx := c.currentConfig.MemberIndexByHost(target)
	if idx == -1 {
		c.log().Debugf("heartbeat target %s not found in current config; ignoring", target)
		return noAction().WithNextHeartbeat(nextHeartbeatStartDate)
	}

	d := &c.hbdata[idx]
	if !result.OK {
		if result.AuthIssue {
			d.setAuthIssue(now)
		} else {
			d.setDownValues(now, result.Reason)
		}
	} else {
		hbr := result.Response
		state := d.state
		if hbr.HasState {
			state = hbr.State
		}
		electionTime := d.electionTime
		if hbr.HasElectionTime {
			electionTime = hbr.ElectionTime
		}
		opTime := d.opTime
		if hbr.HasOpTime {
			opTime = hbr.OpTime
		}
		d.setUpValues(now, state, electionTime, opTime, hbr.SyncingTo, hbr.HBMsg)
	}

	action := c.updateHeartbeatData(now, idx, myLastOpApplied)
	return action.WithNextHeartbeat(nextHeartbeatStartDate)
}
