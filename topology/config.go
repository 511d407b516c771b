package topology

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"golang.org/x/exp/slices"
)

// HostAndPort identifies a replica set member's network address. It is an
// opaque, normalized "host:port" string; the coordinator never dials it.
type HostAndPort string

func (hp HostAndPort) String() string { return string(hp) }

// Empty reports whether hp carries no address.
func (hp HostAndPort) Empty() bool { return hp == "" }

// NewHostAndPort validates and normalizes a "host:port" string. When the
// host portion is a literal IP address it is canonicalized through
// go-sockaddr (e.g. collapsing IPv6 zero-runs) so that two configs naming
// the same peer in different notations compare equal; hostnames pass
// through unchanged since resolving them is a network operation the
// coordinator does not perform.
func NewHostAndPort(raw string) (HostAndPort, error) {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return "", newError(KindBadValue, "malformed host:port %q: %v", raw, err)
	}
	if port == "" {
		return "", newError(KindBadValue, "missing port in %q", raw)
	}
	if ipAddr, err := sockaddr.NewIPAddr(host); err == nil {
		host = ipAddr.String()
	}
	return HostAndPort(net.JoinHostPort(host, port)), nil
}

// MemberConfig describes one member of a replica set as installed by
// updateConfig. It is immutable once part of a ReplSetConfig.
type MemberConfig struct {
	ID            int
	HostAndPort   HostAndPort
	Priority      float64
	Votes         int
	SlaveDelay    time.Duration
	Hidden        bool
	Arbiter       bool
	BuildsIndexes bool
}

// baseElectable reports the configuration-only half of electability: not an
// arbiter, positive priority, and building indexes. It says nothing about
// reachability or freshness, which depend on runtime heartbeat data. It is
// used at config install; unelectableReason in reconcile.go repeats the
// arbiter and priority tests itself and does not consult BuildsIndexes.
func (m MemberConfig) baseElectable() bool {
	return !m.Arbiter && m.Priority > 0 && m.BuildsIndexes
}

// ReplSetConfig is the immutable configuration snapshot installed by
// updateConfig. configVersion increases monotonically; a heartbeat response
// carrying a higher version than ours is the trigger for a Reconfig action.
type ReplSetConfig struct {
	ConfigVersion          int64
	ReplSetName            string
	Members                []MemberConfig
	ChainingAllowed        bool
	HeartbeatTimeoutPeriod time.Duration
}

// NumMembers returns the number of configured members.
func (c ReplSetConfig) NumMembers() int { return len(c.Members) }

// MemberIndexByID returns the position of the member with the given stable
// id, or -1 if none matches.
func (c ReplSetConfig) MemberIndexByID(id int) int {
	return slices.IndexFunc(c.Members, func(m MemberConfig) bool {
		return m.ID == id
	})
}

// MemberIndexByHost returns the position of the member at the given
// address, or -1 if none matches.
func (c ReplSetConfig) MemberIndexByHost(hp HostAndPort) int {
	return slices.IndexFunc(c.Members, func(m MemberConfig) bool {
		return m.HostAndPort == hp
	})
}

// TotalVotes sums the voting weight across the entire configuration.
func (c ReplSetConfig) TotalVotes() int {
	total := 0
	for _, m := range c.Members {
		total += m.Votes
	}
	return total
}

// Validate checks structural invariants of a configuration before it is
// installed, aggregating every problem found rather than stopping at the
// first one so a caller sees the whole picture in one error.
func Validate(c ReplSetConfig) error {
	var result *multierror.Error
	if c.ReplSetName == "" {
		result = multierror.Append(result, fmt.Errorf("replSetName must not be empty"))
	}
	if c.ConfigVersion <= 0 {
		result = multierror.Append(result, fmt.Errorf("configVersion must be positive, got %d", c.ConfigVersion))
	}
	if len(c.Members) == 0 {
		result = multierror.Append(result, fmt.Errorf("config must have at least one member"))
	}
	seenID := make(map[int]bool, len(c.Members))
	seenHost := make(map[HostAndPort]bool, len(c.Members))
	totalVotes := 0
	for i, m := range c.Members {
		if seenID[m.ID] {
			result = multierror.Append(result, fmt.Errorf("member %d: duplicate id %d", i, m.ID))
		}
		seenID[m.ID] = true
		if m.HostAndPort.Empty() {
			result = multierror.Append(result, fmt.Errorf("member %d: empty hostAndPort", i))
		}
		if seenHost[m.HostAndPort] {
			result = multierror.Append(result, fmt.Errorf("member %d: duplicate host %s", i, m.HostAndPort))
		}
		seenHost[m.HostAndPort] = true
		if m.Priority < 0 {
			result = multierror.Append(result, fmt.Errorf("member %d: negative priority %v", i, m.Priority))
		}
		if m.Votes < 0 {
			result = multierror.Append(result, fmt.Errorf("member %d: negative votes %d", i, m.Votes))
		}
		if m.Arbiter && m.Priority != 0 {
			result = multierror.Append(result, fmt.Errorf("member %d: arbiter must have priority 0", i))
		}
		totalVotes += m.Votes
	}
	if totalVotes == 0 {
		result = multierror.Append(result, fmt.Errorf("config must have at least one voting member"))
	}
	if c.HeartbeatTimeoutPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("heartbeatTimeoutPeriod must be positive"))
	}
	return result.ErrorOrNil()
}
