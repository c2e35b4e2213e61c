// Package router implements the four-way connection-request routing
// decision: a notification either originates locally (from the social
// layer over loopback), needs broadcasting to every known peer, is
// addressed to us by another controller, or needs forwarding on to a
// third party's controller.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/meshvpn/vpncontrol/internal/classify"
	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Orchestrator is the subset of internal/orchestrator used by the router,
// kept as an interface so tests can substitute a recorder.
type Orchestrator interface {
	CreateConnection(uid, fpr string, nid int, sec bool, cas, ip4 string) error
}

// Sender abstracts the raw outbound UDP write so the router doesn't need
// to own the socket.
type Sender interface {
	SendTo(data []byte, addr *net.UDPAddr) error
}

// Router handles classified connection-request notifications.
type Router struct {
	orch  Orchestrator
	cache *statecache.Cache
	send  Sender
	log   *slog.Logger
}

// New builds a Router.
func New(orch Orchestrator, cache *statecache.Cache, send Sender, log *slog.Logger) *Router {
	return &Router{orch: orch, cache: cache, send: send, log: log}
}

// isLoopback reports whether addr's IP is the controller's own loopback
// address, the signal that a notification originated locally.
func isLoopback(addr *net.UDPAddr) bool {
	return addr != nil && addr.IP.IsLoopback()
}

// HandleConnectionRequest implements §4.6's four-way dispatch for a
// classified KindConnectionRequest message.
func (r *Router) HandleConnectionRequest(in classify.Inbound) error {
	self := r.cache.Self()

	if isLoopback(in.From) {
		if in.Fpr != self.Fpr {
			// Locally-originated invitation from the social layer.
			return r.orch.CreateConnection(in.UID, in.Fpr, 1, true, in.CAS, in.IP4)
		}
		return r.broadcast(in)
	}

	if in.UID == self.UID && in.FwdFrom != "" {
		// We are the addressed destination of a forwarded invitation.
		return r.orch.CreateConnection(in.FwdFrom, in.Fpr, 0, true, in.CAS, in.IP4)
	}

	return r.forwardToPeer(in)
}

// broadcast re-sends the notification, stamped with our own identity, to
// every currently-online peer's controller.
func (r *Router) broadcast(in classify.Inbound) error {
	msg := map[string]any{
		"uid":  in.UID,
		"data": in.Fpr + "|" + in.CAS,
		"from": r.cache.Self().UID,
		"ip4":  r.cache.Self().IP4,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("router: encode broadcast: %w", err)
	}

	for _, ip6 := range r.cache.OnlinePeerIP6s() {
		dest := &net.UDPAddr{IP: net.ParseIP(ip6), Port: config.ControllerPort}
		if err := r.send.SendTo(data, dest); err != nil {
			r.log.Warn("broadcast send failed", "dest", ip6, "error", err)
		}
	}
	return nil
}

// forwardToPeer relays a connection request addressed to a peer we know
// about through its own controller, if that peer is online.
func (r *Router) forwardToPeer(in classify.Inbound) error {
	peer, ok := r.cache.Peer(in.UID)
	if !ok || !peer.Online() {
		r.log.Debug("route_notification: peer unknown or offline, dropping", "uid", in.UID)
		return nil
	}

	msg := map[string]any{
		"uid":  in.UID,
		"data": in.Fpr + "|" + in.CAS,
		"ip4":  in.IP4,
	}
	if in.FwdFrom != "" {
		msg["from"] = in.FwdFrom
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("router: encode forward: %w", err)
	}

	dest := &net.UDPAddr{IP: net.ParseIP(peer.IP6), Port: config.ControllerPort}
	if err := r.send.SendTo(data, dest); err != nil {
		return fmt.Errorf("router: forward to %s: %w", peer.IP6, err)
	}
	return nil
}
