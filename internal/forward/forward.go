// Package forward implements group-mode overlay packet forwarding: parse
// the IPv4/IPv6 header embedded in a raw inbound datagram at its
// documented byte offsets, decide where the packet goes next, and issue a
// lookup for the destination before sending it on.
package forward

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/metrics"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Sender abstracts the raw outbound UDP write.
type Sender interface {
	SendTo(data []byte, addr *net.UDPAddr) error
}

// LookupFunc issues an overlay lookup for a destination address. It is a
// callback rather than a direct dependency on internal/lookup; the
// controller wires it to lookup.Service.Lookup.
type LookupFunc func(ip4, ip6 string)

// Forwarder parses and routes raw overlay packets.
type Forwarder struct {
	cache  *statecache.Cache
	send   Sender
	lookup LookupFunc
	log    *slog.Logger
	m      *metrics.Metrics
}

// New builds a Forwarder. m may be nil, in which case forwarding counts
// are simply not reported.
func New(cache *statecache.Cache, send Sender, lookup LookupFunc, log *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{cache: cache, send: send, lookup: lookup, log: log, m: m}
}

// header offsets within the raw datagram, counted from the start of the
// overlay's own framing: the IP version nibble sits at byte 54, IPv4
// addresses at 66:70/70:74, IPv6 addresses at 62:78/78:94.
const (
	versionOffset = 54
	ip4SrcOffset  = 66
	ip4DstOffset  = 70
	ip4End        = 74
	ip6SrcOffset  = 62
	ip6DstOffset  = 78
	ip6End        = 94
)

// ErrShortPacket is returned when packet is too small to contain a header
// at the documented offsets for the IP version it claims to carry.
var ErrShortPacket = fmt.Errorf("forward: packet too short for its claimed IP version")

// Handle parses packet and, in group mode with a known self address,
// forwards it per the routing decision tree: own-source packets go to the
// first controller in the routing index (provisional policy, see
// DESIGN.md); own-destination packets go to the local data plane;
// known-peer destinations go to that peer's controller; anything else is
// dropped. A lookup for the destination is issued before the decision is
// acted on, mirroring the original's "lookup eagerly, forward with
// whatever routing state is already cached" behavior.
func (f *Forwarder) Handle(packet []byte) error {
	self := f.cache.Self()
	if self.IP4 == "" {
		return nil
	}
	if len(packet) <= versionOffset {
		return ErrShortPacket
	}
	version := packet[versionOffset] >> 4

	switch version {
	case 4:
		if len(packet) < ip4End {
			return ErrShortPacket
		}
		srcIP := net.IP(packet[ip4SrcOffset:ip4DstOffset])
		dstIP := net.IP(packet[ip4DstOffset:ip4End])
		f.lookup(dstIP.String(), "")
		return f.route(packet, srcIP.String() == self.IP4, dstIP.String() == self.IP4, dstIP.String(), false)
	case 6:
		if len(packet) < ip6End {
			return ErrShortPacket
		}
		srcIP := net.IP(packet[ip6SrcOffset:ip6DstOffset])
		dstIP := net.IP(packet[ip6DstOffset:ip6End])
		f.lookup("", dstIP.String())
		return f.route(packet, srcIP.String() == self.IP6, dstIP.String() == self.IP6, dstIP.String(), true)
	default:
		return nil
	}
}

func (f *Forwarder) route(packet []byte, fromSelf, toSelf bool, dst string, v6 bool) error {
	switch {
	case fromSelf:
		ip6, ok := f.cache.FirstControllerIP6()
		if !ok {
			f.drop("dst", dst, "reason", "no controller known for own-source packet")
			return nil
		}
		return f.forward(packet, &net.UDPAddr{IP: net.ParseIP(ip6), Port: config.ControllerPort})
	case toSelf:
		loopback := config.Loopback6
		return f.forward(packet, &net.UDPAddr{IP: net.ParseIP(loopback), Port: config.SVPNPort})
	default:
		var ip6 string
		var ok bool
		if v6 {
			ip6, ok = f.cache.LookupIP6(dst)
		} else {
			ip6, ok = f.cache.LookupIP4(dst)
		}
		if !ok {
			f.drop("dst", dst, "reason", "unknown destination")
			return nil
		}
		return f.forward(packet, &net.UDPAddr{IP: net.ParseIP(ip6), Port: config.ControllerPort})
	}
}

// forward sends packet to dest and counts it as a forwarded packet, the
// only place that counter is incremented: only a packet that is actually
// handed to the socket counts, not every raw datagram the classifier
// routes through KindRawPacket.
func (f *Forwarder) forward(packet []byte, dest *net.UDPAddr) error {
	if err := f.send.SendTo(packet, dest); err != nil {
		return err
	}
	if f.m != nil {
		f.m.ForwardedPacketsTotal.Inc()
	}
	return nil
}

func (f *Forwarder) drop(args ...any) {
	f.log.Debug("forward: dropping packet", args...)
	if f.m != nil {
		f.m.DroppedPacketsTotal.Inc()
	}
}
