package topology

import "time"

// memberHeartbeatData is the runtime bookkeeping the coordinator keeps for
// one configured member, parallel to ReplSetConfig.Members. It is rebuilt in
// full whenever a configuration is installed; entries are never resized in
// place, which is what keeps configIndex an invariant rather than something
// that needs recomputing.
type memberHeartbeatData struct {
	configIndex       int
	up                bool
	authIssue         bool
	state             MemberState
	opTime            OpTime
	electionTime      OpTime
	upSince           time.Time
	lastHeartbeat     time.Time
	lastHeartbeatRecv time.Time
	lastHeartbeatMsg  string
	syncSource        HostAndPort
}

func newMemberHeartbeatData(index int) memberHeartbeatData {
	return memberHeartbeatData{
		configIndex: index,
		state:       StateUnknown,
	}
}

// setDownValues records a failed heartbeat.
func (d *memberHeartbeatData) setDownValues(now time.Time, reason string) {
	d.up = false
	d.authIssue = false
	d.state = StateDown
	d.lastHeartbeat = now
	d.lastHeartbeatMsg = reason
}

// setAuthIssue records a heartbeat that failed because the peer rejected our
// credentials. The peer may well be alive, so its state is left UNKNOWN
// rather than DOWN.
func (d *memberHeartbeatData) setAuthIssue(now time.Time) {
	d.up = false
	d.authIssue = true
	d.state = StateUnknown
	d.lastHeartbeat = now
	d.lastHeartbeatMsg = ""
}

// setUpValues records a successful heartbeat response.
func (d *memberHeartbeatData) setUpValues(now time.Time, state MemberState, electionTime, opTime OpTime, syncingTo HostAndPort, msg string) {
	wasUp := d.up
	d.up = true
	d.state = state
	d.electionTime = electionTime
	d.opTime = opTime
	d.syncSource = syncingTo
	d.lastHeartbeat = now
	d.lastHeartbeatMsg = msg
	d.authIssue = false
	if !wasUp {
		d.upSince = now
	}
}

// setState rewrites only the reported state, used when self's derived state
// changes without a heartbeat (e.g. stepping down).
func (d *memberHeartbeatData) setState(state MemberState) {
	d.state = state
}

// maybeUp reports whether the member has not been confirmed unreachable; a
// member we have never heard from counts as maybe up.
func (d memberHeartbeatData) maybeUp() bool {
	return d.state != StateDown
}
