package topology

import (
	"math"
	"time"
)

// BlacklistSyncSource unconditionally stores (or overwrites) an expiry for
// host, excluding it from sync-source candidacy until that instant.
func (c *Coordinator) BlacklistSyncSource(host HostAndPort, until time.Time) {
	c.syncSourceBlacklist[host] = until
	c.metrics.incr("syncsource", "blacklisted")
}

// pingMillis returns the EWMA latency for host, infinite when we have no
// samples yet so an unmeasured peer never wins the latency comparison.
func (c *Coordinator) pingMillis(host HostAndPort) float64 {
	stats, ok := c.pings[host]
	if !ok {
		return math.Inf(1)
	}
	return stats.millisEWMA
}

func (c *Coordinator) primaryOpTime(myLastOpApplied OpTime) OpTime {
	if c.currentPrimaryIndex == c.selfIndex {
		return myLastOpApplied
	}
	return c.hbdata[c.currentPrimaryIndex].opTime
}

// syncSourceFreshnessFloor computes the minimum opTime (in seconds) a
// first-attempt secondary candidate must meet. When no primary is known, or
// the primary's opTime is too small to subtract the lag from safely, the
// floor is 0 and excludes nobody.
func (c *Coordinator) syncSourceFreshnessFloor(myLastOpApplied OpTime) OpTime {
	if c.currentPrimaryIndex == -1 {
		return OpTime{}
	}
	primary := c.primaryOpTime(myLastOpApplied)
	floor := primary.Seconds - int64(c.maxSyncSourceLag/time.Second)
	if floor < 0 {
		floor = 0
	}
	return OpTime{Seconds: floor}
}

// ChooseNewSyncSource picks (and records) a replication source for self,
// returning the empty HostAndPort if nothing currently qualifies.
func (c *Coordinator) ChooseNewSyncSource(now time.Time, myLastOpApplied OpTime) HostAndPort {
	if c.forceSyncSourceIndex >= 0 {
		chosen := c.currentConfig.Members[c.forceSyncSourceIndex].HostAndPort
		c.forceSyncSourceIndex = -1
		c.syncSource = chosen
		c.metrics.incr("syncsource", "forced")
		c.log().Debugf("using forced sync source %s", chosen)
		return chosen
	}

	n := c.currentConfig.NumMembers()
	if n <= 1 {
		c.syncSource = ""
		return ""
	}

	selfHost := c.currentConfig.Members[c.selfIndex].HostAndPort
	totalSamples := 0
	for host, stats := range c.pings {
		if host == selfHost {
			continue
		}
		totalSamples += stats.count
	}
	if totalSamples < minPingSamplesPerPair*(n-1) {
		c.syncSource = ""
		return ""
	}

	if !c.currentConfig.ChainingAllowed {
		if c.currentPrimaryIndex == -1 {
			c.syncSource = ""
			return ""
		}
		candidate := c.currentConfig.Members[c.currentPrimaryIndex].HostAndPort
		c.syncSource = candidate
		return candidate
	}

	freshnessFloor := c.syncSourceFreshnessFloor(myLastOpApplied)
	self := c.currentConfig.Members[c.selfIndex]

	// Two attempts. The first skips members with a slave delay higher than
	// our own, hidden members, and excessively lagged secondaries; the
	// second includes them in case those are the only members we can reach.
	closest := -1
	for attempt := 0; attempt < 2 && closest == -1; attempt++ {
		for i, m := range c.currentConfig.Members {
			if i == c.selfIndex {
				continue
			}
			d := c.hbdata[i]
			if !d.up || !d.state.Readable() {
				continue
			}
			if self.BuildsIndexes && !m.BuildsIndexes {
				continue
			}
			if d.state == StateSecondary {
				// Only sync from secondaries that are ahead of us.
				if d.opTime.LessOrEqual(myLastOpApplied) {
					continue
				}
				if attempt == 0 && d.opTime.Less(freshnessFloor) {
					continue
				}
			}
			if closest != -1 {
				closestHost := c.currentConfig.Members[closest].HostAndPort
				if c.pingMillis(m.HostAndPort) > c.pingMillis(closestHost) {
					continue
				}
			}
			if attempt == 0 && (m.SlaveDelay > self.SlaveDelay || m.Hidden) {
				continue
			}
			if expiry, vetoed := c.syncSourceBlacklist[m.HostAndPort]; vetoed {
				if now.Before(expiry) {
					c.log().Debugf("not syncing from %s, blacklisted for %s more", m.HostAndPort, expiry.Sub(now))
					continue
				}
				// Expired entries are purged as they are encountered.
				delete(c.syncSourceBlacklist, m.HostAndPort)
			}
			closest = i
		}
	}

	if closest == -1 {
		c.syncSource = ""
		return ""
	}
	chosen := c.currentConfig.Members[closest].HostAndPort
	c.syncSource = chosen
	c.metrics.incr("syncsource", "selected")
	c.setHBMessage(now, "syncing to: "+chosen.String())
	return chosen
}
