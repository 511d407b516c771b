package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func primaryHeartbeat(electionTime, opTime OpTime) HeartbeatResult {
	r := okHeartbeat(StatePrimary, opTime)
	r.Response.HasElectionTime = true
	r.Response.ElectionTime = electionTime
	return r
}

// TestSplitPrimaryNewerElectionWins: two leaders discover each other; the
// one elected earlier must yield.
func TestSplitPrimaryNewerElectionWins(t *testing.T) {
	c := newTestCoordinator(t, 2, 0)
	makeSelfPrimary(t, c, OpTime{Seconds: 100}, OpTime{Seconds: 100})

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(1),
		primaryHeartbeat(OpTime{Seconds: 200}, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionStepDownSelfAndReplaceWith, action.Kind)
	assert.Equal(t, 1, action.MemberIndex)
	assert.Equal(t, RoleFollower, c.Role())
	assert.Equal(t, 1, c.CurrentPrimaryIndex())
}

// TestSplitPrimaryOlderElectionStaysPut: the remote was elected earlier, so
// it is the one asked to step down.
func TestSplitPrimaryOlderRemoteStepsDown(t *testing.T) {
	c := newTestCoordinator(t, 2, 0)
	makeSelfPrimary(t, c, OpTime{Seconds: 100}, OpTime{Seconds: 100})

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(1),
		primaryHeartbeat(OpTime{Seconds: 50}, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionStepDownRemote, action.Kind)
	assert.Equal(t, 1, action.MemberIndex)
	assert.Equal(t, RoleLeader, c.Role())
	assert.Equal(t, 0, c.CurrentPrimaryIndex())
}

// TestPriorityStepDownSelf: a higher-priority electable secondary within the
// freshness window forces the current (self) primary down.
func TestPriorityStepDownSelf(t *testing.T) {
	c := NewCoordinator(WithLogger(quietLogger()))
	cfg := testConfig(3)
	cfg.Members[1].Priority = 5
	require.NoError(t, c.UpdateConfig(cfg, 0, t0, OpTime{Seconds: 500}))
	require.NoError(t, c.SetFollowerMode(FollowerSecondary))
	makeSelfPrimary(t, c, OpTime{Seconds: 400}, OpTime{Seconds: 500})
	peerUp(c, 1, StateSecondary, OpTime{Seconds: 500})

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(2),
		okHeartbeat(StateSecondary, OpTime{Seconds: 505}), OpTime{Seconds: 500})

	assert.Equal(t, ActionStepDownSelf, action.Kind)
	assert.Equal(t, RoleFollower, c.Role())
	assert.Equal(t, -1, c.CurrentPrimaryIndex())
}

// TestPriorityStepDownRemote: same rule when the outranked primary is a
// remote member.
func TestPriorityStepDownRemote(t *testing.T) {
	c := NewCoordinator(WithLogger(quietLogger()))
	cfg := testConfig(3)
	cfg.Members[2].Priority = 5
	require.NoError(t, c.UpdateConfig(cfg, 0, t0, OpTime{Seconds: 500}))
	require.NoError(t, c.SetFollowerMode(FollowerSecondary))
	peerUp(c, 1, StatePrimary, OpTime{Seconds: 500})
	c.currentPrimaryIndex = 1

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(2),
		okHeartbeat(StateSecondary, OpTime{Seconds: 505}), OpTime{Seconds: 500})

	assert.Equal(t, ActionStepDownRemote, action.Kind)
	assert.Equal(t, 1, action.MemberIndex)
	assert.Equal(t, -1, c.CurrentPrimaryIndex())
}

// TestStaleHighPriorityMemberDoesNotForceStepDown: priority alone is not
// enough, the challenger must be within the freshness window.
func TestStaleHighPriorityMemberDoesNotForceStepDown(t *testing.T) {
	c := NewCoordinator(WithLogger(quietLogger()))
	cfg := testConfig(3)
	cfg.Members[1].Priority = 5
	require.NoError(t, c.UpdateConfig(cfg, 0, t0, OpTime{Seconds: 500}))
	require.NoError(t, c.SetFollowerMode(FollowerSecondary))
	makeSelfPrimary(t, c, OpTime{Seconds: 400}, OpTime{Seconds: 500})
	// 30s behind the latest known opTime: outside the window.
	peerUp(c, 1, StateSecondary, OpTime{Seconds: 475})

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(2),
		okHeartbeat(StateSecondary, OpTime{Seconds: 505}), OpTime{Seconds: 500})

	assert.Equal(t, ActionNoAction, action.Kind)
	assert.Equal(t, RoleLeader, c.Role())
}

// TestPrimaryDisappearanceClearsIndex: the member we thought was primary
// reports SECONDARY, so the notion must be dropped.
func TestPrimaryDisappearanceClearsIndex(t *testing.T) {
	c := newTestCoordinator(t, 3, 0)
	peerUp(c, 1, StatePrimary, OpTime{Seconds: 100})
	c.currentPrimaryIndex = 1
	// Keep self out of candidacy so only the bookkeeping effect shows.
	c.stepDownUntil = at(time.Hour)

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(1),
		okHeartbeat(StateSecondary, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionNoAction, action.Kind)
	assert.Equal(t, -1, c.CurrentPrimaryIndex())
}

// TestTwoRemotePrimariesWaitToSettle: transient double-primary heartbeat
// data must not trigger any action.
func TestTwoRemotePrimariesWaitToSettle(t *testing.T) {
	c := newTestCoordinator(t, 3, 0)
	peerUp(c, 1, StatePrimary, OpTime{Seconds: 100})

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(2),
		primaryHeartbeat(OpTime{Seconds: 90}, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionNoAction, action.Kind)
	assert.Equal(t, -1, c.CurrentPrimaryIndex())
}

// TestFollowerAdoptsRemotePrimary: a follower seeing a single remote
// primary simply records it.
func TestFollowerAdoptsRemotePrimary(t *testing.T) {
	c := newTestCoordinator(t, 3, 0)

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(1),
		primaryHeartbeat(OpTime{Seconds: 90}, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionNoAction, action.Kind)
	assert.Equal(t, 1, c.CurrentPrimaryIndex())
}

// TestCandidacyWhenNoPrimary: with no primary anywhere and self electable,
// the coordinator must stand for election.
func TestCandidacyWhenNoPrimary(t *testing.T) {
	c := newTestCoordinator(t, 3, 0)

	action := c.ProcessHeartbeatResponse(at(time.Second), 10*time.Millisecond, hostAt(1),
		okHeartbeat(StateSecondary, OpTime{Seconds: 100}), OpTime{Seconds: 100})

	assert.Equal(t, ActionStartElection, action.Kind)
	assert.Equal(t, RoleCandidate, c.Role())

	// Further heartbeats while already a candidate change nothing.
	action = c.ProcessHeartbeatResponse(at(2*time.Second), 10*time.Millisecond, hostAt(2),
		okHeartbeat(StateSecondary, OpTime{Seconds: 100}), OpTime{Seconds: 100})
	assert.Equal(t, ActionNoAction, action.Kind)
}

// TestLeaderStepsDownOnMajorityLoss: a primary that can no longer see a
// voting majority relinquishes.
func TestLeaderStepsDownOnMajorityLoss(t *testing.T) {
	c := newTestCoordinator(t, 3, 0)
	makeSelfPrimary(t, c, OpTime{Seconds: 100}, OpTime{Seconds: 100})

	action := c.ProcessHeartbeatResponse(at(time.Second), 0, hostAt(1),
		failedHeartbeat("connection refused"), OpTime{Seconds: 100})

	assert.Equal(t, ActionStepDownSelf, action.Kind)
	assert.Equal(t, RoleFollower, c.Role())
}

// TestMyUnelectableReasons walks the self-specific electability rules.
func TestMyUnelectableReasons(t *testing.T) {
	t.Run("zero priority", func(t *testing.T) {
		c := NewCoordinator(WithLogger(quietLogger()))
		cfg := testConfig(2)
		cfg.Members[0].Priority = 0
		require.NoError(t, c.UpdateConfig(cfg, 0, t0, OpTime{}))
		require.NoError(t, c.SetFollowerMode(FollowerSecondary))
		assert.Equal(t, ReasonNoPriority, c.myUnelectableReason(t0, OpTime{}))
	})

	t.Run("arbiter", func(t *testing.T) {
		c := NewCoordinator(WithLogger(quietLogger()))
		cfg := testConfig(2)
		cfg.Members[0].Arbiter = true
		cfg.Members[0].Priority = 0
		require.NoError(t, c.UpdateConfig(cfg, 0, t0, OpTime{}))
		assert.Equal(t, ReasonArbiterIAm, c.myUnelectableReason(t0, OpTime{}))
	})

	t.Run("not secondary", func(t *testing.T) {
		c := newTestCoordinator(t, 2, 0)
		require.NoError(t, c.SetFollowerMode(FollowerRollback))
		assert.Equal(t, ReasonNotSecondary, c.myUnelectableReason(t0, OpTime{}))
	})

	t.Run("cannot see majority", func(t *testing.T) {
		c := newTestCoordinator(t, 3, 0)
		// Both peers still unknown: only self's vote counts.
		assert.Equal(t, ReasonCannotSeeMajority, c.myUnelectableReason(t0, OpTime{}))
	})

	t.Run("step-down period active", func(t *testing.T) {
		c := newTestCoordinator(t, 3, 0)
		peerUp(c, 1, StateSecondary, OpTime{})
		c.stepDownUntil = at(time.Minute)
		assert.Equal(t, ReasonStepDownPeriodActive, c.myUnelectableReason(at(time.Second), OpTime{}))
		assert.Equal(t, ReasonElectable, c.myUnelectableReason(at(2*time.Minute), OpTime{}))
	})

	t.Run("too far behind latest", func(t *testing.T) {
		c := newTestCoordinator(t, 3, 0)
		peerUp(c, 1, StateSecondary, OpTime{Seconds: 100})
		assert.Equal(t, ReasonNotCloseEnoughToLatestOptime,
			c.myUnelectableReason(t0, OpTime{Seconds: 50}))
		assert.Equal(t, ReasonElectable,
			c.myUnelectableReason(t0, OpTime{Seconds: 95}))
	})
}
