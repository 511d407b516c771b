package topology

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// PrepareHeartbeatResponse answers a peer's heartbeat request with our own
// state.
func (c *Coordinator) PrepareHeartbeatResponse(now time.Time, args HeartbeatRequest, ourSetName string, myLastOpApplied OpTime) (HeartbeatResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return HeartbeatResponse{}, err
	}
	if args.ProtocolVersion != 1 {
		return HeartbeatResponse{}, newError(KindBadValue, "incompatible replset protocol version %d", args.ProtocolVersion)
	}
	if args.SetName != ourSetName {
		c.log().Warnf("replica set names do not match, ours: %q, remote node's: %q", ourSetName, args.SetName)
		return HeartbeatResponse{Mismatched: true}, newError(KindReplicaSetNotFound,
			"replica set names do not match, ours: %q theirs: %q", ourSetName, args.SetName)
	}
	if c.configInitialized && args.SetName != c.currentConfig.ReplSetName {
		return HeartbeatResponse{Mismatched: true}, newError(KindReplicaSetNotFound,
			"replica set names do not match, ours: %q theirs: %q", c.currentConfig.ReplSetName, args.SetName)
	}

	latest := c.latestKnownOpTime(myLastOpApplied)
	electable := c.selfIndex >= 0 && c.unelectableReason(c.selfIndex, now, latest, myLastOpApplied) == ReasonElectable

	resp := HeartbeatResponse{
		SetName:       ourSetName,
		HasState:      true,
		State:         c.MyState(),
		HasOpTime:     true,
		OpTime:        myLastOpApplied,
		Electable:     electable,
		HBMsg:         c.hbMessage,
		SyncingTo:     c.syncSource,
		ConfigVersion: c.currentConfig.ConfigVersion,
	}
	if c.role == RoleLeader {
		resp.HasElectionTime = true
		resp.ElectionTime = c.electionTime
	}
	if args.ConfigVersion < c.currentConfig.ConfigVersion {
		resp.HasConfig = true
		resp.Config = c.currentConfig
	}

	// Resolve the sender in our member list, but only under a matching
	// config version: under a different version the id spaces need not
	// agree.
	if args.HasSender && args.ConfigVersion == c.currentConfig.ConfigVersion {
		if idx := c.currentConfig.MemberIndexByID(args.SenderID); idx != -1 {
			if !c.hbdata[idx].up {
				// We thought this node was down; let it know.
				resp.StateDisagreement = true
				c.log().Debugf("member %d disagrees with our view that it is down", args.SenderID)
			}
			c.hbdata[idx].lastHeartbeatRecv = now
		}
	}
	return resp, nil
}

// MemberStatus is one member's entry in a StatusResponse.
type MemberStatus struct {
	ID                int
	HostAndPort       HostAndPort
	Self              bool
	State             MemberState
	Health            float64
	Uptime            time.Duration
	OpTime            OpTime
	ElectionTime      OpTime
	LastHeartbeat     time.Time
	LastHeartbeatRecv time.Time
	LastHeartbeatMsg  string
	SyncingTo         HostAndPort
	PingMillis        float64
	Authenticated     bool
}

// StatusResponse is the reply to a status request.
type StatusResponse struct {
	SetName         string
	Date            time.Time
	MyState         MemberState
	SyncingTo       HostAndPort
	InfoMessage     string
	MaintenanceMode int
	Members         []MemberStatus
}

// PrepareStatusResponse builds a per-member view of the replica set.
func (c *Coordinator) PrepareStatusResponse(now time.Time, selfUptime time.Duration, myLastOpApplied OpTime) (StatusResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return StatusResponse{}, err
	}
	myState := c.MyState()
	resp := StatusResponse{
		SetName:         c.currentConfig.ReplSetName,
		Date:            now,
		MyState:         myState,
		InfoMessage:     c.hbMessage,
		MaintenanceMode: c.maintenanceModeCalls,
	}
	if !c.syncSource.Empty() && myState != StatePrimary && myState != StateRemoved {
		resp.SyncingTo = c.syncSource
	}
	members := make([]MemberStatus, 0, c.currentConfig.NumMembers())
	for i, m := range c.currentConfig.Members {
		ms := MemberStatus{ID: m.ID, HostAndPort: m.HostAndPort, Authenticated: true}
		if i == c.selfIndex {
			ms.Self = true
			ms.State = myState
			ms.Health = 1
			ms.Uptime = selfUptime
			if !m.Arbiter {
				ms.OpTime = myLastOpApplied
			}
			if myState == StatePrimary {
				ms.ElectionTime = c.electionTime
			}
		} else {
			d := c.hbdata[i]
			ms.State = d.state
			ms.LastHeartbeat = d.lastHeartbeat
			ms.LastHeartbeatRecv = d.lastHeartbeatRecv
			ms.LastHeartbeatMsg = d.lastHeartbeatMsg
			ms.SyncingTo = d.syncSource
			ms.PingMillis = c.pingMillis(m.HostAndPort)
			ms.Authenticated = !d.authIssue
			if !m.Arbiter {
				ms.OpTime = d.opTime
			}
			if d.up {
				ms.Health = 1
				ms.Uptime = now.Sub(d.upSince)
			}
			if d.state == StatePrimary {
				ms.ElectionTime = d.electionTime
			}
		}
		members = append(members, ms)
	}
	// The member list is sorted lexicographically by HostAndPort.
	slices.SortFunc(members, func(a, b MemberStatus) int {
		return strings.Compare(string(a.HostAndPort), string(b.HostAndPort))
	})
	resp.Members = members
	return resp, nil
}

// FreezeResponse carries the informational strings the freeze command
// reports alongside its (structural) effect on stepDownUntil.
type FreezeResponse struct {
	Info    string
	Warning string
}

// PrepareFreezeResponse implements the freeze/unfreeze command.
func (c *Coordinator) PrepareFreezeResponse(now time.Time, secs int) (FreezeResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return FreezeResponse{}, err
	}
	var resp FreezeResponse
	if secs == 0 {
		c.stepDownUntil = now
		c.log().Infof("unfreezing")
		resp.Info = "unfreezing"
		return resp, nil
	}
	if secs == 1 {
		resp.Warning = "you really want to freeze for only 1 second?"
	}
	if c.role == RoleLeader {
		c.log().Infof("received freeze command but we are primary")
		return resp, nil
	}
	candidate := now.Add(time.Duration(secs) * time.Second)
	if candidate.After(c.stepDownUntil) {
		c.stepDownUntil = candidate
		c.log().Infof("freezing for %d seconds", secs)
	}
	return resp, nil
}

// SyncFromResponse echoes a sync-from request and reports what the previous
// sync source was, plus a warning when the requested member looks stale.
type SyncFromResponse struct {
	SyncFromRequested HostAndPort
	PrevSyncTarget    HostAndPort
	Warning           string
}

// PrepareSyncFromResponse validates and installs a caller-requested sync
// source override, consumed on the next ChooseNewSyncSource call.
func (c *Coordinator) PrepareSyncFromResponse(now time.Time, target HostAndPort, myLastOpApplied OpTime) (SyncFromResponse, error) {
	if err := c.checkShutdown(); err != nil {
		return SyncFromResponse{}, err
	}
	resp := SyncFromResponse{SyncFromRequested: target}
	if c.selfIndex == -1 {
		return resp, newError(KindNodeNotFound, "self is not present in the current configuration")
	}
	self := c.currentConfig.Members[c.selfIndex]
	if self.Arbiter {
		return resp, newError(KindNotSecondary, "arbiters don't sync")
	}
	if c.selfIndex == c.currentPrimaryIndex {
		return resp, newError(KindNotSecondary, "primaries don't sync")
	}
	idx := c.currentConfig.MemberIndexByHost(target)
	if idx == -1 {
		return resp, newError(KindNodeNotFound, "could not find member %q in replica set", target)
	}
	if idx == c.selfIndex {
		return resp, newError(KindInvalidOptions, "I cannot sync from myself")
	}
	m := c.currentConfig.Members[idx]
	if m.Arbiter {
		return resp, newError(KindInvalidOptions, "cannot sync from %q because it is an arbiter", target)
	}
	if self.BuildsIndexes && !m.BuildsIndexes {
		return resp, newError(KindInvalidOptions, "cannot sync from %q because it does not build indexes", target)
	}
	d := c.hbdata[idx]
	if d.authIssue {
		return resp, newError(KindUnauthorized, "not authorized to communicate with %s", target)
	}
	if !d.up {
		return resp, newError(KindHostUnreachable, "I cannot reach the requested member: %s", target)
	}
	if d.opTime.Seconds+int64(FreshnessWindow/time.Second) < myLastOpApplied.Seconds {
		c.log().Warnf("attempting to sync from %s, but its latest opTime is %d and ours is %d so this may not work",
			target, d.opTime.Seconds, myLastOpApplied.Seconds)
		resp.Warning = fmt.Sprintf("requested member %q is more than %d seconds behind us",
			target, int64(FreshnessWindow/time.Second))
	}
	resp.PrevSyncTarget = c.syncSource
	c.forceSyncSourceIndex = idx
	c.log().Debugf("forcing next sync source to %s", target)
	return resp, nil
}
