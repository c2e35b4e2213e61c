// Package lookup implements the group-mode overlay address lookup
// service: legacy full-table discovery, lookup re-broadcast, and the
// scan-and-reply that answers "who owns this virtual address".
//
// It is wired regardless of mode. The controller dispatches inbound
// lookup, nc_lookup and discover messages to it in either mode once the
// local fingerprint is known; only the forwarder's eager lookup before
// forwarding a raw packet is limited to group mode.
package lookup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Sender abstracts the raw outbound UDP write.
type Sender interface {
	SendTo(data []byte, addr *net.UDPAddr) error
}

// Service answers and issues overlay lookups.
type Service struct {
	cache *statecache.Cache
	send  Sender
	log   *slog.Logger
}

// New builds a lookup Service.
func New(cache *statecache.Cache, send Sender, log *slog.Logger) *Service {
	return &Service{cache: cache, send: send, log: log}
}

// Discover replies to a legacy "discover" request with one {uid, data:fpr}
// datagram per known online peer, sent to the requester's address.
func (s *Service) Discover(from *net.UDPAddr) error {
	for uid, p := range s.cache.Peers() {
		if !p.Online() {
			continue
		}
		resp, err := json.Marshal(map[string]any{"uid": uid, "data": p.Fpr})
		if err != nil {
			return fmt.Errorf("lookup: encode discover reply: %w", err)
		}
		if err := s.send.SendTo(resp, from); err != nil {
			s.log.Warn("discover reply send failed", "uid", uid, "error", err)
		}
	}
	return nil
}

// Lookup broadcasts a lookup request for (ip4, ip6) to the controller of
// every online peer; either argument may be empty.
func (s *Service) Lookup(ip4, ip6 string) error {
	req, err := json.Marshal(map[string]any{"m": "lookup", "ip4": ip4, "ip6": ip6})
	if err != nil {
		return fmt.Errorf("lookup: encode request: %w", err)
	}
	for _, peerIP6 := range s.cache.OnlinePeerIP6s() {
		dest := &net.UDPAddr{IP: net.ParseIP(peerIP6), Port: config.ControllerPort}
		if err := s.send.SendTo(req, dest); err != nil {
			s.log.Warn("lookup request send failed", "dest", peerIP6, "error", err)
		}
	}
	return nil
}

// NcLookup re-issues an nc_lookup as an ordinary lookup broadcast; the
// distinction only matters to the original requester's classifier, not to
// what this controller does with it.
func (s *Service) NcLookup(ip4, ip6 string) error {
	return s.Lookup(ip4, ip6)
}

// ProcessLookup answers a lookup request from another controller: if our
// peer table has an online entry matching the queried ip4 or ip6, reply
// with {uid, data:fpr, ip4} to the requester's unicast address.
func (s *Service) ProcessLookup(reqIP4, reqIP6 string, from *net.UDPAddr) error {
	for uid, p := range s.cache.Peers() {
		if !p.Online() {
			continue
		}
		if (reqIP4 != "" && reqIP4 == p.IP4) || (reqIP6 != "" && reqIP6 == p.IP6) {
			resp, err := json.Marshal(map[string]any{"uid": uid, "data": p.Fpr, "ip4": reqIP4})
			if err != nil {
				return fmt.Errorf("lookup: encode process_lookup reply: %w", err)
			}
			if err := s.send.SendTo(resp, from); err != nil {
				return fmt.Errorf("lookup: send process_lookup reply: %w", err)
			}
			return nil
		}
	}
	return nil
}
