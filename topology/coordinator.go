package topology

import (
	"time"

	metrics "github.com/armon/go-metrics"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
)

// LastVote records the most recent yes-vote this node cast, used to
// enforce the vote lease in election.go.
type LastVote struct {
	When           time.Time
	WhoID          int
	WhoHostAndPort HostAndPort
}

// Coordinator is the single owner of one replica set member's view of the
// set. It is not safe for concurrent use: every method assumes exclusive,
// serial access, matching the single executor model the surrounding system
// runs it under. No method here blocks, sleeps, or touches the clock other
// than through the "now" each method is given.
type Coordinator struct {
	role         Role
	followerMode FollowerMode

	configInitialized bool
	currentConfig     ReplSetConfig
	selfIndex         int
	hbdata            []memberHeartbeatData

	currentPrimaryIndex int
	electionTime        OpTime
	electionID          string

	syncSource           HostAndPort
	syncSourceBlacklist  map[HostAndPort]time.Time
	forceSyncSourceIndex int

	stepDownUntil        time.Time
	maintenanceModeCalls int

	pings    map[HostAndPort]PingStats
	lastVote LastVote

	hbMessage      string
	hbMessageSetAt time.Time

	maxSyncSourceLag time.Duration

	shuttingDown bool

	logger  *log.Logger
	metrics metricsSink
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger overrides the default (standard logrus) logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics wires a go-metrics sink for election/step-down/sync-source
// counters. Omitting this option leaves counters as no-ops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = newMetricsSink(m) }
}

// WithMaxSyncSourceLag overrides the default 30s freshness floor used by
// chooseNewSyncSource.
func WithMaxSyncSourceLag(d time.Duration) Option {
	return func(c *Coordinator) { c.maxSyncSourceLag = d }
}

// NewCoordinator returns a Coordinator with no configuration installed:
// role=Follower, followerMode=STARTUP2, selfIndex=-1.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		role:                 RoleFollower,
		followerMode:         FollowerStartup2,
		selfIndex:            -1,
		currentPrimaryIndex:  -1,
		forceSyncSourceIndex: -1,
		syncSourceBlacklist:  make(map[HostAndPort]time.Time),
		pings:                make(map[HostAndPort]PingStats),
		lastVote:             LastVote{WhoID: -1},
		maxSyncSourceLag:     DefaultMaxSyncLag,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) log() *log.Logger {
	if c.logger != nil {
		return c.logger
	}
	return log.StandardLogger()
}

// Role returns the coordinator's current role.
func (c *Coordinator) Role() Role { return c.role }

// SelfIndex returns the configured position of self, or -1 if not present
// in the current configuration.
func (c *Coordinator) SelfIndex() int { return c.selfIndex }

// CurrentPrimaryIndex returns the index of the member currently believed to
// be primary, or -1 if none is known.
func (c *Coordinator) CurrentPrimaryIndex() int { return c.currentPrimaryIndex }

// MyState derives the externally reported member state for self, per the
// role/followerMode/maintenance-counter rules; nothing here is stored
// directly, it is computed fresh every call.
func (c *Coordinator) MyState() MemberState {
	if c.selfIndex == -1 {
		if !c.configInitialized {
			return StateStartup
		}
		return StateRemoved
	}
	if c.role == RoleLeader {
		if c.currentPrimaryIndex != c.selfIndex {
			panic("topology: role is Leader but currentPrimaryIndex != selfIndex")
		}
		return StatePrimary
	}
	if c.currentConfig.Members[c.selfIndex].Arbiter {
		return StateArbiter
	}
	if c.followerMode == FollowerSecondary && c.maintenanceModeCalls > 0 {
		return StateRecovering
	}
	switch c.followerMode {
	case FollowerStartup2:
		return StateStartup2
	case FollowerSecondary:
		return StateSecondary
	case FollowerRecovering:
		return StateRecovering
	case FollowerRollback:
		return StateRollback
	default:
		return StateUnknown
	}
}

// SetFollowerMode transitions followerMode. Legal only while role is
// Follower and only to one of the four follower submodes.
func (c *Coordinator) SetFollowerMode(m FollowerMode) error {
	if c.role != RoleFollower {
		return newError(KindNotSecondary, "cannot set follower mode while role is %s", c.role)
	}
	switch m {
	case FollowerStartup2, FollowerSecondary, FollowerRecovering, FollowerRollback:
		c.followerMode = m
		return nil
	default:
		return newError(KindBadValue, "unrecognized follower mode %d", int(m))
	}
}

// setHBMessage is the rate-limited diagnostic string setter: the message
// (and the log line announcing it) is skipped if unchanged within
// HBMessageRateLimit.
func (c *Coordinator) setHBMessage(now time.Time, msg string) {
	if msg == c.hbMessage && now.Sub(c.hbMessageSetAt) < HBMessageRateLimit {
		return
	}
	c.hbMessage = msg
	c.hbMessageSetAt = now
	if msg != "" {
		c.log().Debugf("hbmsg: %s", msg)
	}
}

// UpdateConfig installs a new configuration.
func (c *Coordinator) UpdateConfig(newConfig ReplSetConfig, selfIndex int, now time.Time, lastOpApplied OpTime) error {
	if c.role == RoleCandidate {
		return newError(KindInvalidOptions, "cannot install a new config while standing for election")
	}
	if selfIndex >= newConfig.NumMembers() {
		return newError(KindBadValue, "selfIndex %d out of range for %d members", selfIndex, newConfig.NumMembers())
	}
	if err := Validate(newConfig); err != nil {
		return newError(KindBadValue, "invalid configuration: %v", err)
	}

	c.currentConfig = newConfig
	c.configInitialized = true
	c.selfIndex = selfIndex
	c.role = RoleFollower
	c.currentPrimaryIndex = -1
	c.forceSyncSourceIndex = -1

	hbdata := make([]memberHeartbeatData, newConfig.NumMembers())
	for i := range hbdata {
		hbdata[i] = newMemberHeartbeatData(i)
	}
	if selfIndex >= 0 {
		hbdata[selfIndex].setUpValues(now, c.MyState(), OpTime{}, lastOpApplied, "", "")
	}
	c.hbdata = hbdata

	c.log().Debugf("installed config version %d with %d members, selfIndex=%d",
		newConfig.ConfigVersion, newConfig.NumMembers(), selfIndex)

	if newConfig.NumMembers() == 1 && selfIndex == 0 && newConfig.Members[0].baseElectable() {
		c.role = RoleCandidate
		c.metrics.incr("election", "start")
		c.log().Debugf("single electable member in new config; transitioning directly to candidate")
	}
	return nil
}

// ProcessWinElection transitions role=Candidate to role=Leader.
func (c *Coordinator) ProcessWinElection(now time.Time, myLastOpApplied, electionOpTime OpTime) error {
	if c.role != RoleCandidate {
		return newError(KindInvalidOptions, "cannot win an election while role is %s", c.role)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return newError(KindBadValue, "failed to generate election id: %v", err)
	}
	c.role = RoleLeader
	c.electionTime = electionOpTime
	c.electionID = id
	c.currentPrimaryIndex = c.selfIndex
	c.hbdata[c.selfIndex].setUpValues(now, StatePrimary, electionOpTime, myLastOpApplied, "", "")
	c.metrics.incr("election", "won")
	c.log().Infof("won election, electionId=%s electionTime=%s", id, electionOpTime)
	return nil
}

// ProcessLoseElection returns role=Candidate to role=Follower without a
// primary.
func (c *Coordinator) ProcessLoseElection(now time.Time, myLastOpApplied OpTime) error {
	if c.role != RoleCandidate {
		return newError(KindInvalidOptions, "cannot lose an election while role is %s", c.role)
	}
	c.role = RoleFollower
	c.electionTime = OpTime{}
	c.electionID = ""
	c.hbdata[c.selfIndex].setUpValues(now, c.MyState(), OpTime{}, myLastOpApplied, c.syncSource, "")
	c.metrics.incr("election", "lost")
	c.log().Debugf("lost election, returning to follower")
	return nil
}

// StepDown returns a Leader to Follower and clears currentPrimaryIndex,
// emitting StepDownSelf. Called directly (caller-initiated step-down, e.g.
// via an admin command); reconcile.go emits the same action kind
// internally when heartbeat data demands it.
func (c *Coordinator) StepDown() Action {
	return c.stepDownSelfAndReplaceWith(-1)
}

// stepDownSelfAndReplaceWith relinquishes leadership, installing newPrimary
// (-1 for none) as our notion of who is primary. Calling this while not
// Leader is a programmer error.
func (c *Coordinator) stepDownSelfAndReplaceWith(newPrimary int) Action {
	if c.role != RoleLeader {
		panic("topology: step-down while not leader")
	}
	if c.selfIndex == -1 || c.selfIndex == newPrimary || c.currentPrimaryIndex != c.selfIndex {
		panic("topology: inconsistent indexes at step-down")
	}
	c.currentPrimaryIndex = newPrimary
	c.role = RoleFollower
	c.hbdata[c.selfIndex].setState(c.MyState())
	c.metrics.incr("stepdown", "self")
	c.log().Warnf("stepping down")
	if c.log().IsLevelEnabled(log.DebugLevel) {
		c.log().Debugf("state at step-down: %s", c.debugDump())
	}
	if newPrimary == -1 {
		return stepDownSelfAction()
	}
	return stepDownSelfAndReplaceWithAction(newPrimary)
}

// AdjustMaintenanceCount raises or lowers the maintenance-mode counter. A
// positive counter forces a SECONDARY follower to report RECOVERING. Only
// legal while role is Follower; driving the counter negative is a
// programmer error.
func (c *Coordinator) AdjustMaintenanceCount(by int) error {
	if c.role != RoleFollower {
		return newError(KindNotSecondary, "cannot adjust maintenance mode while role is %s", c.role)
	}
	c.maintenanceModeCalls += by
	if c.maintenanceModeCalls < 0 {
		panic("topology: maintenance mode counter went negative")
	}
	return nil
}

// MaintenanceCount returns the current maintenance-mode counter.
func (c *Coordinator) MaintenanceCount() int { return c.maintenanceModeCalls }

// SyncSourceAddress returns the most recently chosen sync source, empty when
// none.
func (c *Coordinator) SyncSourceAddress() HostAndPort { return c.syncSource }

// StepDownTime returns the instant until which self refuses candidacy.
func (c *Coordinator) StepDownTime() time.Time { return c.stepDownUntil }

// SetForceSyncSourceIndex requests that the next ChooseNewSyncSource call
// return the member at index, bypassing selection.
func (c *Coordinator) SetForceSyncSourceIndex(index int) {
	if index >= c.currentConfig.NumMembers() {
		panic("topology: forced sync source index out of range")
	}
	c.forceSyncSourceIndex = index
}

// MaybeUpHosts returns the peers not yet confirmed unreachable, the set a
// caller would poll when it needs any live member.
func (c *Coordinator) MaybeUpHosts() []HostAndPort {
	var hosts []HostAndPort
	for i, d := range c.hbdata {
		if i == c.selfIndex || !d.maybeUp() {
			continue
		}
		hosts = append(hosts, c.currentConfig.Members[i].HostAndPort)
	}
	return hosts
}

// Shutdown marks the coordinator as shutting down; subsequent responder
// calls return KindShutdownInProgress and leave all state untouched.
func (c *Coordinator) Shutdown() { c.shuttingDown = true }

func (c *Coordinator) checkShutdown() error {
	if c.shuttingDown {
		return newError(KindShutdownInProgress, "coordinator is shutting down")
	}
	return nil
}

// debugDump renders the coordinator's state for a diagnostic log line.
// %#v via kr/pretty gives a more readable struct dump than fmt's default
// for the nested hbdata/pings collections.
func (c *Coordinator) debugDump() string {
	return pretty.Sprintf("role=%v followerMode=%v selfIndex=%v primary=%v hbdata=%# v",
		c.role, c.followerMode, c.selfIndex, c.currentPrimaryIndex, c.hbdata)
}
