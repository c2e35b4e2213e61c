// Package classify turns a raw inbound UDP datagram into exactly one
// tagged Inbound value. It is a single straight-line translation of the
// precedence table the wire protocol has always used; no branch is
// reordered and no condition combined, including the fragile
// data-length-relative-to-fingerprint-length discrimination that decides
// between a peer-discovery and a connection-request notification. That
// discrimination stays exactly as fragile as the protocol it describes —
// this package's job is to stop re-deriving it ad hoc at every call site,
// not to fix it.
package classify

import (
	"encoding/json"
	"net"

	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Kind tags which variant an Inbound value holds.
type Kind int

const (
	KindStateSnapshot Kind = iota
	KindPeerStatus
	KindDiscovery
	KindConnectionRequest
	KindIP4Update
	KindLookup
	KindNcLookup
	KindDiscover
	KindRawPacket
	KindDropped
)

// Inbound is the tagged union every classified datagram collapses to.
// Only the fields relevant to Kind are populated; callers switch on Kind.
type Inbound struct {
	Kind Kind
	From *net.UDPAddr

	Snapshot statecache.Snapshot
	Peer     statecache.PeerRecord

	UID string
	Fpr string
	CAS string
	NID int
	IP4 string
	IP6 string
	// FwdFrom carries the wire "from" field on a connection request that
	// has already been routed once by another controller.
	FwdFrom string

	RawPacket []byte
}

type wireMessage struct {
	UID    *string `json:"_uid"`
	Fpr    *string `json:"_fpr"`
	IP4    *string `json:"_ip4"`
	IP6    *string `json:"_ip6"`
	Peers  map[string]statecache.PeerRecord `json:"peers"`

	PeerUID  string  `json:"uid"`
	Status   string  `json:"status"`
	PeerFpr  string  `json:"fpr"`
	LastTime float64 `json:"last_time"`

	M    string `json:"m"`
	Data string `json:"data"`
	RIP4 string `json:"ip4"`
	RIP6 string `json:"ip6"`
	From string `json:"from"`
}

// Classify inspects raw and, with cache providing the current local
// fingerprint length needed by the length-based discrimination, produces
// one Inbound value. ok is false only on malformed JSON; non-JSON input
// is always accepted as KindRawPacket, matching the wire protocol's own
// "first byte is '{' or it's a raw packet" rule.
func Classify(raw []byte, from *net.UDPAddr, cache *statecache.Cache) (Inbound, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		buf := make([]byte, len(raw))
		copy(buf, raw)
		return Inbound{Kind: KindRawPacket, From: from, RawPacket: buf}, true
	}

	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, false
	}

	if msg.UID != nil || msg.Fpr != nil {
		snap := statecache.Snapshot{Peers: msg.Peers}
		if msg.UID != nil {
			snap.UID = *msg.UID
		}
		if msg.Fpr != nil {
			snap.Fpr = *msg.Fpr
		}
		if msg.IP4 != nil {
			snap.IP4 = *msg.IP4
		}
		if msg.IP6 != nil {
			snap.IP6 = *msg.IP6
		}
		return Inbound{Kind: KindStateSnapshot, From: from, Snapshot: snap}, true
	}

	if msg.PeerUID != "" && msg.Status != "" {
		return Inbound{Kind: KindPeerStatus, From: from, Peer: statecache.PeerRecord{
			UID: msg.PeerUID, Status: msg.Status, Fpr: msg.PeerFpr,
			IP4: msg.RIP4, IP6: msg.RIP6, LastTime: msg.LastTime,
		}}, true
	}

	self := cache.Self()
	if self.Fpr == "" {
		return Inbound{Kind: KindDropped, From: from}, true
	}

	if msg.M == "lookup" {
		return Inbound{Kind: KindLookup, From: from, IP4: msg.RIP4, IP6: msg.RIP6}, true
	}
	if msg.M == "nc_lookup" {
		return Inbound{Kind: KindNcLookup, From: from, IP4: msg.RIP4, IP6: msg.RIP6}, true
	}
	if msg.M == "discover" {
		return Inbound{Kind: KindDiscover, From: from}, true
	}

	fprLen := len(self.Fpr)

	if len(msg.Data) == fprLen {
		return Inbound{
			Kind: KindDiscovery, From: from,
			UID: msg.PeerUID, Fpr: msg.Data, IP4: msg.RIP4,
		}, true
	}

	if len(msg.Data) > fprLen {
		fpr := msg.Data[:fprLen]
		cas := ""
		if len(msg.Data) > fprLen+1 {
			cas = msg.Data[fprLen+1:]
		}
		return Inbound{
			Kind: KindConnectionRequest, From: from,
			UID: msg.PeerUID, Fpr: fpr, CAS: cas, IP4: msg.RIP4, FwdFrom: msg.From,
		}, true
	}

	const ip4Prefix = "ip4:"
	if len(msg.Data) > len(ip4Prefix) && msg.Data[:len(ip4Prefix)] == ip4Prefix {
		return Inbound{
			Kind: KindIP4Update, From: from,
			UID: msg.PeerUID, IP4: msg.Data[len(ip4Prefix):],
		}, true
	}

	return Inbound{Kind: KindDropped, From: from}, true
}
