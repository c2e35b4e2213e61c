// Package orchestrator drives the creation of a new peer connection: it
// derives (or rejects) a virtual IPv4, then issues the data-plane RPC
// sequence the data plane requires to see the link before accepting an
// address assignment for it.
package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/meshvpn/vpncontrol/internal/addrcoder"
	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/dataplane"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Orchestrator creates and addresses new peer connections.
type Orchestrator struct {
	rpc   *dataplane.Client
	cache *statecache.Cache
	rt    *config.Runtime
	log   *slog.Logger
}

// New builds an Orchestrator bound to rpc/cache/rt.
func New(rpc *dataplane.Client, cache *statecache.Cache, rt *config.Runtime, log *slog.Logger) *Orchestrator {
	return &Orchestrator{rpc: rpc, cache: cache, rt: rt, log: log}
}

// CreateConnection establishes a link to uid. ip4, when non-empty,
// overrides address derivation (mirrors the original's ip4=None optional
// parameter — an empty string here means "derive it", never a distinct
// sentinel type). It is a no-op when uid is our own UID (never connect to
// self).
func (o *Orchestrator) CreateConnection(uid, fpr string, nid int, sec bool, cas, ip4 string) error {
	self := o.cache.Self()
	if uid == self.UID {
		o.log.Debug("create_connection: self filter", "uid", uid)
		return nil
	}

	if ip4 == "" {
		var err error
		ip4, err = o.deriveIP4(uid)
		if err != nil {
			return err
		}
		if ip4 == "" {
			// Group mode's reverse scan came up empty: ask the peer to
			// advertise its own address instead of completing setup now.
			if err := o.rpc.SendMsg(1, uid, []byte("ip4:"+self.IP4)); err != nil {
				return fmt.Errorf("orchestrator: request peer ip4: %w", err)
			}
			return nil
		}
	}

	o.cache.AddToPeerlist(uid)

	if err := o.rpc.CreateLink(dataplane.CreateLinkParams{
		UID:      uid,
		Fpr:      fpr,
		NID:      nid,
		STUN:     o.rt.STUN,
		TURN:     o.rt.TURN,
		TURNUser: o.rt.TURNUser,
		TURNPass: o.rt.TURNPass,
		Sec:      sec,
		CAS:      cas,
	}); err != nil {
		return fmt.Errorf("orchestrator: create_link: %w", err)
	}

	ip6 := addrcoder.GenIP6(uid, o.rt.IP6Prefix)
	if err := o.rpc.SetRemoteIP(uid, ip4, ip6); err != nil {
		return fmt.Errorf("orchestrator: set_remote_ip: %w", err)
	}
	if err := o.rpc.GetState(); err != nil {
		return fmt.Errorf("orchestrator: get_state: %w", err)
	}

	o.log.Info("created connection", "uid", uid, "ip4", ip4, "nid", nid)
	return nil
}

// deriveIP4 computes the virtual IPv4 for a new peer according to the
// controller's mode. An empty return with a nil error means group mode's
// reverse scan found no match.
func (o *Orchestrator) deriveIP4(uid string) (string, error) {
	self := o.cache.Self()
	switch o.rt.Mode {
	case config.GroupVPN:
		ip4, ok := addrcoder.GenIP4Group(uid, self.IP4, o.rt.UIDSize)
		if !ok {
			return "", nil
		}
		return ip4, nil
	default:
		ip4, err := addrcoder.GenIP4Social(self.IP4, o.cache.PeerlistLen())
		if err != nil {
			return "", fmt.Errorf("orchestrator: derive social ip4: %w", err)
		}
		return ip4, nil
	}
}
