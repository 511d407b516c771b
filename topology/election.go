package topology

import (
	"fmt"
	"time"
)

// FreshArgs is the payload of a "fresh" election-protocol request: a
// candidate asking peers whether anyone is newer than it before standing.
type FreshArgs struct {
	SetName string
	OpTime  OpTime
	ID      int
	CfgVer  int64
}

// FreshResponse answers a FreshArgs request.
type FreshResponse struct {
	OpTime  OpTime
	Fresher bool
	Veto    bool
	ErrMsg  string
	Info    string
}

// PrepareFreshResponse answers a "fresh" request, reporting whether anyone
// known is newer than the challenger and whether we veto its candidacy
// outright.
func (c *Coordinator) PrepareFreshResponse(now time.Time, args FreshArgs, myLastOpApplied OpTime) (FreshResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return FreshResponse{}, err
	}
	if c.configInitialized && args.SetName != c.currentConfig.ReplSetName {
		return FreshResponse{}, newError(KindReplicaSetNotFound,
			"replica set name mismatch, ours: %q theirs: %q", c.currentConfig.ReplSetName, args.SetName)
	}

	latest := c.latestKnownOpTime(myLastOpApplied)
	resp := FreshResponse{OpTime: myLastOpApplied}
	if args.CfgVer < c.currentConfig.ConfigVersion {
		c.log().Debugf("member %d is not yet aware its config version %d is stale", args.ID, args.CfgVer)
		resp.Info = "config version stale"
		resp.Fresher = true
	} else if args.OpTime.Less(myLastOpApplied) || args.OpTime.Less(latest) {
		// Check not only our own optime, but any other member we can reach.
		resp.Fresher = true
	}
	resp.Veto, resp.ErrMsg = c.shouldVetoMember(now, args, myLastOpApplied, latest)
	return resp, nil
}

// shouldVetoMember implements the veto half of prepareFreshResponse. The
// freshness comparisons run against the challenger's opTime as we last heard
// it over heartbeats, not the one it claims in the request.
func (c *Coordinator) shouldVetoMember(now time.Time, args FreshArgs, myLastOpApplied, latest OpTime) (bool, string) {
	idx := c.currentConfig.MemberIndexByID(args.ID)
	if idx == -1 {
		return true, fmt.Sprintf("could not find member with id %d in current config", args.ID)
	}
	hopefulOpTime := c.hbdata[idx].opTime
	if c.role == RoleLeader && hopefulOpTime.LessOrEqual(myLastOpApplied) {
		return true, fmt.Sprintf("I am already primary, member %d can try again once I've stepped down", args.ID)
	}
	if c.currentPrimaryIndex != -1 && idx != c.currentPrimaryIndex {
		if hopefulOpTime.LessOrEqual(c.hbdata[c.currentPrimaryIndex].opTime) {
			return true, fmt.Sprintf("member %d is trying to elect itself but our current primary is at least as up-to-date", args.ID)
		}
	}
	if bestIdx, bestPriority, ok := c.highestPriorityElectable(now, latest, myLastOpApplied); ok {
		hopefulPriority := c.currentConfig.Members[idx].Priority
		if bestPriority > hopefulPriority {
			return true, fmt.Sprintf("member %d has lower priority of %g than member %d which has a priority of %g",
				args.ID, hopefulPriority, c.currentConfig.Members[bestIdx].ID, bestPriority)
		}
	}
	if reason := c.unelectableReason(idx, now, latest, myLastOpApplied); reason != ReasonElectable {
		return true, fmt.Sprintf("member %d is not electable: %s", args.ID, reason)
	}
	return false, ""
}

// ElectArgs is the payload of an "elect" request: a candidate asking for a
// vote.
type ElectArgs struct {
	SetName string
	CfgVer  int64
	WhoID   int
	Round   uint64
}

// ElectResponse answers an ElectArgs request. Vote is -10000 (a hard
// refusal), 0 (no vote but no objection either), or self.votes (a yes).
type ElectResponse struct {
	Vote  int
	Round uint64
}

// PrepareElectResponse answers an "elect" request, enforcing the vote
// lease.
func (c *Coordinator) PrepareElectResponse(now time.Time, args ElectArgs, myLastOpApplied OpTime) (ElectResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return ElectResponse{}, err
	}
	resp := ElectResponse{Round: args.Round, Vote: 0}

	if args.CfgVer > c.currentConfig.ConfigVersion {
		c.log().Debugf("not voting for %d: their config version %d is newer than ours %d", args.WhoID, args.CfgVer, c.currentConfig.ConfigVersion)
		resp.Vote = -10000
		return resp, nil
	}
	idx := c.currentConfig.MemberIndexByID(args.WhoID)
	if idx == -1 {
		c.log().Debugf("not voting for unknown member id %d", args.WhoID)
		resp.Vote = -10000
		return resp, nil
	}
	if c.role == RoleLeader {
		c.log().Debugf("not voting for %d: I am already primary", args.WhoID)
		resp.Vote = -10000
		return resp, nil
	}
	if c.currentPrimaryIndex != -1 {
		c.log().Debugf("not voting for %d: member %d is already primary", args.WhoID, c.currentPrimaryIndex)
		resp.Vote = -10000
		return resp, nil
	}
	latest := c.latestKnownOpTime(myLastOpApplied)
	if bestIdx, bestPriority, ok := c.highestPriorityElectable(now, latest, myLastOpApplied); ok {
		if bestPriority > c.currentConfig.Members[idx].Priority {
			c.log().Debugf("not voting for %d: member %d has a higher priority", args.WhoID, c.currentConfig.Members[bestIdx].ID)
			resp.Vote = -10000
			return resp, nil
		}
	}

	if args.CfgVer < c.currentConfig.ConfigVersion {
		c.log().Debugf("member %d has a stale config version; withholding vote without vetoing", args.WhoID)
		return resp, nil
	}
	if c.configInitialized && args.SetName != c.currentConfig.ReplSetName {
		c.log().Debugf("not voting for %d: replica set name mismatch", args.WhoID)
		return resp, nil
	}

	candidateHost := c.currentConfig.Members[idx].HostAndPort
	leaseExpired := now.Sub(c.lastVote.When) >= VoteLeaseDuration
	sameCandidate := c.lastVote.WhoID == args.WhoID
	if !leaseExpired && !sameCandidate {
		c.log().Debugf("not voting for %d: vote lease still held by %d", args.WhoID, c.lastVote.WhoID)
		return resp, nil
	}

	c.lastVote = LastVote{When: now, WhoID: args.WhoID, WhoHostAndPort: candidateHost}
	resp.Vote = c.currentConfig.Members[c.selfIndex].Votes
	c.log().Debugf("voting for %d", args.WhoID)
	return resp, nil
}

// VoteForMyself stamps a self yes-vote, subject to the same lease rule
// PrepareElectResponse enforces for remote candidates.
func (c *Coordinator) VoteForMyself(now time.Time) bool {
	if c.selfIndex == -1 {
		return false
	}
	self := c.currentConfig.Members[c.selfIndex]
	leaseExpired := now.Sub(c.lastVote.When) >= VoteLeaseDuration
	sameCandidate := c.lastVote.WhoID == self.ID
	if !leaseExpired && !sameCandidate {
		c.log().Debugf("cannot vote for myself: vote lease still held by %d", c.lastVote.WhoID)
		return false
	}
	c.lastVote = LastVote{When: now, WhoID: self.ID, WhoHostAndPort: self.HostAndPort}
	return true
}
