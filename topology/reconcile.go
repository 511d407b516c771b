package topology

import "time"

// latestKnownOpTime returns the newest opTime known across up peers and
// self, where self's applied position comes from the caller since the
// coordinator has no oplog access of its own.
func (c *Coordinator) latestKnownOpTime(myLastOpApplied OpTime) OpTime {
	latest := myLastOpApplied
	for i, d := range c.hbdata {
		if i == c.selfIndex {
			continue
		}
		if d.up && latest.Less(d.opTime) {
			latest = d.opTime
		}
	}
	return latest
}

// majorityUp reports whether the voting weight of up members (self counted
// as up) exceeds half of the total voting weight in the configuration.
func (c *Coordinator) majorityUp() bool {
	sum := 0
	for i, m := range c.currentConfig.Members {
		if i == c.selfIndex {
			sum += m.Votes
			continue
		}
		if c.hbdata[i].up {
			sum += m.Votes
		}
	}
	return 2*sum > c.currentConfig.TotalVotes()
}

// unelectableReason is the shared electability predicate for both peers and
// self. For self it layers on the majority-visibility and step-down-period
// checks that only apply to the local node.
func (c *Coordinator) unelectableReason(i int, now time.Time, latest, myLastOpApplied OpTime) UnelectableReason {
	m := c.currentConfig.Members[i]
	if m.Arbiter {
		return ReasonArbiterIAm
	}
	if m.Priority <= 0 {
		return ReasonNoPriority
	}

	var up bool
	var state MemberState
	var opTime OpTime
	if i == c.selfIndex {
		up = true
		state = c.MyState()
		opTime = myLastOpApplied
	} else {
		d := c.hbdata[i]
		up = d.up
		state = d.state
		opTime = d.opTime
	}
	if !up || state != StateSecondary {
		return ReasonNotSecondary
	}
	if !withinFreshnessWindow(opTime, latest) {
		return ReasonNotCloseEnoughToLatestOptime
	}

	if i == c.selfIndex {
		if !c.majorityUp() {
			return ReasonCannotSeeMajority
		}
		if now.Before(c.stepDownUntil) {
			return ReasonStepDownPeriodActive
		}
	}
	return ReasonElectable
}

// myUnelectableReason is unelectableReason specialized to self, the form
// most callers outside this package want.
func (c *Coordinator) myUnelectableReason(now time.Time, myLastOpApplied OpTime) UnelectableReason {
	latest := c.latestKnownOpTime(myLastOpApplied)
	return c.unelectableReason(c.selfIndex, now, latest, myLastOpApplied)
}

// highestPriorityElectable scans every configured member (including self)
// and returns the electable one with the greatest priority.
func (c *Coordinator) highestPriorityElectable(now time.Time, latest, myLastOpApplied OpTime) (idx int, priority float64, found bool) {
	best := -1
	bestPriority := -1.0
	for i := range c.currentConfig.Members {
		if c.unelectableReason(i, now, latest, myLastOpApplied) != ReasonElectable {
			continue
		}
		p := c.currentConfig.Members[i].Priority
		if p > bestPriority {
			bestPriority = p
			best = i
		}
	}
	if best == -1 {
		return -1, 0, false
	}
	return best, bestPriority, true
}

// updateHeartbeatData is the primary reconciliation routine: given that
// hbdata[updatedIndex] just changed, it decides whether a primary
// transition, step-down, or new election is called for.
func (c *Coordinator) updateHeartbeatData(now time.Time, updatedIndex int, myLastOpApplied OpTime) Action {
	// Phase 1, step 1: the peer we thought was primary no longer is.
	if c.currentPrimaryIndex == updatedIndex {
		d := c.hbdata[updatedIndex]
		if !d.up || d.state != StatePrimary {
			c.currentPrimaryIndex = -1
		}
	}

	latest := c.latestKnownOpTime(myLastOpApplied)

	// Phase 1, step 2: a higher-priority, sufficiently fresh member exists.
	if c.currentPrimaryIndex != -1 {
		if idx, priority, ok := c.highestPriorityElectable(now, latest, myLastOpApplied); ok {
			primaryPriority := c.currentConfig.Members[c.currentPrimaryIndex].Priority
			var candidateOpTime OpTime
			if idx == c.selfIndex {
				candidateOpTime = myLastOpApplied
			} else {
				candidateOpTime = c.hbdata[idx].opTime
			}
			if priority > primaryPriority && withinFreshnessWindow(candidateOpTime, latest) {
				if c.currentPrimaryIndex == c.selfIndex {
					c.log().Warnf("stepping down for higher-priority member %d", idx)
					return c.StepDown()
				}
				stepDownIdx := c.currentPrimaryIndex
				c.currentPrimaryIndex = -1
				c.metrics.incr("stepdown", "remote-priority")
				c.log().Debugf("asking member %d to step down for higher-priority member %d", stepDownIdx, idx)
				return stepDownRemoteAction(stepDownIdx)
			}
		}
	}

	// Phase 1, step 3: reconcile against what remote peers claim.
	primaryClaimants := 0
	remotePrimary := -1
	for i, d := range c.hbdata {
		if i == c.selfIndex {
			continue
		}
		if d.up && d.state == StatePrimary {
			primaryClaimants++
			remotePrimary = i
		}
	}
	switch {
	case primaryClaimants >= 2:
		c.setHBMessage(now, "multiple remote members claim to be primary; waiting for them to settle")
		return noAction()
	case primaryClaimants == 1:
		if remotePrimary == c.currentPrimaryIndex {
			return noAction()
		}
		c.setHBMessage(now, "")
		if c.role == RoleLeader {
			remoteElectionTime := c.hbdata[remotePrimary].electionTime
			if c.electionTime.Less(remoteElectionTime) {
				c.log().Warnf("remote member %d has a newer election time; stepping down in its favor", remotePrimary)
				return c.stepDownSelfAndReplaceWith(remotePrimary)
			}
			c.metrics.incr("stepdown", "remote")
			c.log().Warnf("remote member %d claims primary with an older election time; asking it to step down", remotePrimary)
			return stepDownRemoteAction(remotePrimary)
		}
		c.currentPrimaryIndex = remotePrimary
		return noAction()
	}

	// Phase 2: candidacy, reached only when no remote claims primary.
	if c.role == RoleLeader {
		if !c.majorityUp() {
			c.log().Warnf("lost sight of a majority of voters; stepping down")
			return c.StepDown()
		}
		return noAction()
	}
	if c.role == RoleCandidate {
		return noAction()
	}
	if reason := c.unelectableReason(c.selfIndex, now, latest, myLastOpApplied); reason != ReasonElectable {
		c.setHBMessage(now, "not electable: "+reason.String())
		return noAction()
	}
	c.role = RoleCandidate
	c.metrics.incr("election", "start")
	c.log().Debugf("no primary known and self is electable; standing for election")
	return startElectionAction()
}
