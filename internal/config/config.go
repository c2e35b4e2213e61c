// Package config holds the controller's runtime constants and the optional
// YAML overrides file. The controller's identity (username, password, host,
// optional group-mode IPv4) is mandatory and arrives as CLI positionals, not
// through this package — config.go only covers the knobs that have sane
// defaults and are safe to omit.
package config

import "time"

// Mode selects which virtual-IP assignment and routing behavior the
// controller runs: SocialVPN assigns addresses sequentially from a social
// peer list, GroupVPN derives them from the UID and additionally performs
// overlay packet forwarding and lookups.
type Mode int

const (
	SocialVPN Mode = iota
	GroupVPN
)

func (m Mode) String() string {
	if m == GroupVPN {
		return "gvpn"
	}
	return "svpn"
}

// Defaults mirror the original controller's hardcoded constants.
const (
	DefaultSTUN    = "stun.l.google.com:19302"
	DefaultTURN    = "209.141.33.252:19302"
	DefaultTURNUser = "svpnjingle"
	DefaultTURNPass = "1234567890"

	DefaultIP4Base   = "172.31.0.100"
	DefaultIP6Prefix = "fd50:0dbc:41f2:4a3c"

	Loopback4 = "127.0.0.1"
	Loopback6 = "::1"

	SVPNPort       = 5800
	ControllerPort = 5801

	// UIDSize is the canonical UID length in hex characters. The original
	// controller's intermediate version used 18; that mode is wire-
	// incompatible and is kept only as an explicit override for interop
	// testing (see DESIGN.md), never the default.
	UIDSize = 40
	LegacyUIDSize = 18

	// WaitTime is the maintenance tick period and the base unit for the
	// trim threshold (2x) and the social-heartbeat cadence (every 10th
	// tick in group mode).
	WaitTime = 30 * time.Second

	// TrimAfter is how long an offline peer's last_time may age before a
	// trim is requested.
	TrimAfter = 2 * WaitTime

	// HeartbeatEveryNTicks is the rotating cadence at which group-mode
	// maintenance additionally sends a social heartbeat alongside direct
	// pings; social mode has no lookup overlay to space out and sends a
	// heartbeat on every tick.
	HeartbeatEveryNTicks = 10

	// BufSize is the receive buffer for one UDP datagram.
	BufSize = 4096

	// MaxSocialPeers is the point at which social-mode IPv4 assignment
	// (101+n on a /24) would overflow the last octet. n >= this is a
	// fatal configuration error.
	MaxSocialPeers = 154

	// PingRatePerSecond bounds how many direct pings the maintenance
	// scheduler emits per second during one tick's fan-out, so a large
	// peer table doesn't burst N datagrams at once.
	PingRatePerSecond = 20
)

// Runtime holds the resolved configuration for one controller process:
// defaults overlaid with anything the optional YAML overrides file set.
type Runtime struct {
	Mode Mode

	Username string
	Password string
	Host     string

	STUN     string
	TURN     string
	TURNUser string
	TURNPass string

	IP4Base   string
	IP6Prefix string

	UIDSize int

	WaitTime             time.Duration
	HeartbeatEveryNTicks int
	PingRatePerSecond    float64

	MetricsAddr string
}

// Defaults returns a Runtime populated with the controller's hardcoded
// defaults; callers set Mode/Username/Password/Host from the CLI and may
// apply an Overrides value on top via Apply. The group-mode IPv4 is not a
// Runtime field; it is passed to controller.New separately.
func Defaults() *Runtime {
	return &Runtime{
		Mode:                 SocialVPN,
		STUN:                 DefaultSTUN,
		TURN:                 DefaultTURN,
		TURNUser:             DefaultTURNUser,
		TURNPass:             DefaultTURNPass,
		IP4Base:              DefaultIP4Base,
		IP6Prefix:            DefaultIP6Prefix,
		UIDSize:              UIDSize,
		WaitTime:             WaitTime,
		HeartbeatEveryNTicks: HeartbeatEveryNTicks,
		PingRatePerSecond:    PingRatePerSecond,
	}
}
