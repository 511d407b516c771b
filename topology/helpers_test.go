package topology

import (
	"fmt"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// t0 is the virtual-time origin for tests; every instant is derived from it
// so no test ever reads the wall clock.
var t0 = time.Date(2014, 7, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// testConfig builds an n-member set: ids 1..n, hosts h0:27017..h(n-1):27017,
// every member a voting, index-building, priority-1 data member.
func testConfig(n int) ReplSetConfig {
	cfg := ReplSetConfig{
		ConfigVersion:          1,
		ReplSetName:            "rs0",
		ChainingAllowed:        true,
		HeartbeatTimeoutPeriod: 10 * time.Second,
	}
	for i := 0; i < n; i++ {
		cfg.Members = append(cfg.Members, MemberConfig{
			ID:            i + 1,
			HostAndPort:   hostAt(i),
			Priority:      1,
			Votes:         1,
			BuildsIndexes: true,
		})
	}
	return cfg
}

func hostAt(i int) HostAndPort {
	return HostAndPort(fmt.Sprintf("h%d:27017", i))
}

// newTestCoordinator installs an n-member testConfig with self at selfIndex
// and follower mode SECONDARY, the state most scenarios start from.
func newTestCoordinator(t *testing.T, n, selfIndex int, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	c := NewCoordinator(opts...)
	require.NoError(t, c.UpdateConfig(testConfig(n), selfIndex, t0, OpTime{}))
	require.NoError(t, c.SetFollowerMode(FollowerSecondary))
	return c
}

// peerUp marks the peer at index as a healthy member in the given state.
func peerUp(c *Coordinator, index int, state MemberState, opTime OpTime) {
	c.hbdata[index].setUpValues(t0, state, OpTime{}, opTime, "", "")
}

// makeSelfPrimary walks self through candidacy and a won election.
func makeSelfPrimary(t *testing.T, c *Coordinator, electionOpTime, myLastOpApplied OpTime) {
	t.Helper()
	c.role = RoleCandidate
	require.NoError(t, c.ProcessWinElection(t0, myLastOpApplied, electionOpTime))
	require.Equal(t, RoleLeader, c.Role())
}

// seedPings gives every peer host enough successful samples that sync-source
// selection will not refuse to pick for lack of data.
func seedPings(c *Coordinator, rtts map[HostAndPort]time.Duration) {
	for host, rtt := range rtts {
		stats := newPingStats()
		stats.hit(rtt)
		stats.hit(rtt)
		c.pings[host] = stats
	}
}

// okHeartbeat is the HeartbeatResult a healthy secondary peer would produce.
func okHeartbeat(state MemberState, opTime OpTime) HeartbeatResult {
	return HeartbeatResult{
		OK: true,
		Response: HeartbeatResponse{
			SetName:       "rs0",
			HasState:      true,
			State:         state,
			HasOpTime:     true,
			OpTime:        opTime,
			ConfigVersion: 1,
		},
	}
}

func failedHeartbeat(reason string) HeartbeatResult {
	return HeartbeatResult{OK: false, Reason: reason}
}
