// Package controller wires every component into the single-threaded
// cooperative event loop: one UDP socket, one blocking read with a
// deadline standing in for the original's select(..., WAIT_TIME), and no
// goroutine ever touching peer state concurrently with the loop.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/meshvpn/vpncontrol/internal/addrcoder"
	"github.com/meshvpn/vpncontrol/internal/classify"
	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/dataplane"
	"github.com/meshvpn/vpncontrol/internal/forward"
	"github.com/meshvpn/vpncontrol/internal/lookup"
	"github.com/meshvpn/vpncontrol/internal/maintenance"
	"github.com/meshvpn/vpncontrol/internal/metrics"
	"github.com/meshvpn/vpncontrol/internal/orchestrator"
	"github.com/meshvpn/vpncontrol/internal/router"
	"github.com/meshvpn/vpncontrol/internal/sockopt"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// udpSender adapts a *net.UDPConn to the Sender interfaces internal/router,
// internal/lookup, internal/forward and internal/maintenance each declare
// independently so none of them needs to import net.UDPConn's full API.
type udpSender struct {
	conn *net.UDPConn
}

func (s udpSender) SendTo(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

// Controller owns the listening socket and every component the event loop
// drives.
type Controller struct {
	rt    *config.Runtime
	rpc   *dataplane.Client
	cache *statecache.Cache
	log   *slog.Logger
	m     *metrics.Metrics

	orch    *orchestrator.Orchestrator
	rte     *router.Router
	lookupS *lookup.Service
	fwd     *forward.Forwarder
	maint   *maintenance.Scheduler

	conn   *net.UDPConn
	runID  string
	closed bool
}

// New builds a Controller bound to rt, listening on listenAddr and
// dialing the data plane at dataplaneAddr. ip4 is the group-mode starting
// address; pass "" for social mode. Production callers pass
// (":5801", "[::1]:5800"); tests substitute loopback ports of their own
// so fixed well-known ports never collide across parallel test binaries.
func New(rt *config.Runtime, ip4 string, listenAddr, dataplaneAddr *net.UDPAddr, log *slog.Logger, m *metrics.Metrics) (*Controller, error) {
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("controller: listen on %s: %w", listenAddr, err)
	}
	if err := sockopt.SetReuseAddr(conn); err != nil {
		log.Warn("controller: SO_REUSEADDR unavailable", "error", err)
	}

	rpc, err := dataplane.New(dataplaneAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	rpc.SetLogger(log)
	if m != nil {
		rpc.SetMetrics(m)
	}

	cache := statecache.New(ip4)
	sender := udpSender{conn: conn}

	orch := orchestrator.New(rpc, cache, rt, log)
	rte := router.New(orch, cache, sender, log)
	lookupS := lookup.New(cache, sender, log)
	fwd := forward.New(cache, sender, func(ip4, ip6 string) {
		_ = lookupS.Lookup(ip4, ip6)
	}, log, m)
	maint := maintenance.New(rpc, cache, sender, rt, log, m)

	return &Controller{
		rt:      rt,
		rpc:     rpc,
		cache:   cache,
		log:     log,
		m:       m,
		orch:    orch,
		rte:     rte,
		lookupS: lookupS,
		fwd:     fwd,
		maint:   maint,
		conn:    conn,
		runID:   uuid.NewString(),
	}, nil
}

// Close releases the controller's sockets.
func (c *Controller) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rpc.Close()
	return c.conn.Close()
}

// Bootstrap requests the first state snapshot; the reply, if its _uid is
// still empty, triggers setupIdentity via the normal dispatch path.
func (c *Controller) Bootstrap() error {
	return c.rpc.GetState()
}

// setupIdentity performs the one-time UID/address registration sequence
// triggered by a state snapshot whose _uid is still empty: tell the data
// plane where to deliver callbacks, assign our own addresses, register
// with the social/XMPP layer, then ask for a fresh snapshot.
func (c *Controller) setupIdentity() error {
	self := c.cache.Self()

	local := c.conn.LocalAddr().(*net.UDPAddr)
	if err := c.rpc.SetCallback(local.IP.String(), local.Port); err != nil {
		return fmt.Errorf("controller: setup set_callback: %w", err)
	}

	var seed []byte
	switch c.rt.Mode {
	case config.GroupVPN:
		seed = []byte(self.IP4)
	default:
		hostname, err := os.Hostname()
		if err != nil || hostname == "localhost" {
			random, err := addrcoder.RandomSeed(c.rt.UIDSize / 2)
			if err != nil {
				return fmt.Errorf("controller: generate random uid seed: %w", err)
			}
			seed = random
		} else {
			seed = []byte(hostname)
		}
	}

	uid := addrcoder.GenUID(seed, c.rt.UIDSize)
	ip6 := addrcoder.GenIP6(uid, c.rt.IP6Prefix)

	if err := c.rpc.SetLocalIP(uid, self.IP4, ip6); err != nil {
		return fmt.Errorf("controller: setup set_local_ip: %w", err)
	}
	if err := c.rpc.RegisterService(c.rt.Username, c.rt.Password, c.rt.Host); err != nil {
		return fmt.Errorf("controller: setup register_service: %w", err)
	}
	return c.rpc.GetState()
}

// ServeOnce blocks for up to readTimeout waiting for one datagram and
// dispatches it; a timeout is not an error, it's the normal cooperative
// yield point that lets the caller run a maintenance tick.
// A panic in a handler is recovered, logged, and treated as a failure of
// that one datagram.
func (c *Controller) ServeOnce(readTimeout time.Duration) (err error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))

	buf := make([]byte, config.BufSize)
	n, from, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("controller: read: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller: handler panic recovered", "from", from, "panic", r)
			err = nil
		}
	}()
	return c.dispatch(buf[:n], from)
}

func (c *Controller) dispatch(raw []byte, from *net.UDPAddr) error {
	in, ok := classify.Classify(raw, from, c.cache)
	if !ok {
		c.log.Warn("controller: malformed datagram dropped", "from", from)
		return nil
	}
	if c.m != nil {
		c.m.InboundTotal.WithLabelValues(dispositionLabel(in.Kind)).Inc()
	}

	switch in.Kind {
	case classify.KindStateSnapshot:
		needsBootstrap := c.cache.ApplyState(in.Snapshot)
		c.reportOnlinePeers()
		if needsBootstrap {
			return c.setupIdentity()
		}
		return nil

	case classify.KindPeerStatus:
		c.cache.ApplyPeerStatus(in.Peer)
		c.reportOnlinePeers()
		return nil

	case classify.KindDiscovery:
		nid := 0
		if from.IP.IsLoopback() {
			nid = 1
		}
		return c.orch.CreateConnection(in.UID, in.Fpr, nid, true, "", in.IP4)

	case classify.KindConnectionRequest:
		return c.rte.HandleConnectionRequest(in)

	case classify.KindIP4Update:
		ip6 := addrcoder.GenIP6(in.UID, c.rt.IP6Prefix)
		if err := c.rpc.SetRemoteIP(in.UID, in.IP4, ip6); err != nil {
			return fmt.Errorf("controller: ip4 update set_remote_ip: %w", err)
		}
		return nil

	case classify.KindLookup:
		if c.m != nil {
			c.m.LookupsTotal.WithLabelValues("reply").Inc()
		}
		return c.lookupS.ProcessLookup(in.IP4, in.IP6, from)

	case classify.KindNcLookup:
		if c.m != nil {
			c.m.LookupsTotal.WithLabelValues("relay").Inc()
		}
		return c.lookupS.NcLookup(in.IP4, in.IP6)

	case classify.KindDiscover:
		return c.lookupS.Discover(from)

	case classify.KindRawPacket:
		if c.rt.Mode != config.GroupVPN {
			return nil
		}
		return c.fwd.Handle(in.RawPacket)

	default:
		return nil
	}
}

// reportOnlinePeers refreshes the online-peer gauge after any cache update
// that can change peer status: a state snapshot or a status update.
func (c *Controller) reportOnlinePeers() {
	if c.m != nil {
		c.m.OnlinePeers.Set(float64(c.cache.OnlineCount()))
	}
}

func dispositionLabel(k classify.Kind) string {
	switch k {
	case classify.KindStateSnapshot:
		return "state_snapshot"
	case classify.KindPeerStatus:
		return "peer_status"
	case classify.KindDiscovery:
		return "discovery"
	case classify.KindConnectionRequest:
		return "connection_request"
	case classify.KindIP4Update:
		return "ip4_update"
	case classify.KindLookup:
		return "lookup"
	case classify.KindNcLookup:
		return "nc_lookup"
	case classify.KindDiscover:
		return "discover"
	case classify.KindRawPacket:
		return "raw_packet"
	default:
		return "dropped"
	}
}

// Tick runs one maintenance pass (trim, refresh, ping fan-out).
func (c *Controller) Tick(ctx context.Context) {
	c.maint.Tick(ctx)
}

// RunID returns the per-process identifier; cmd/controller logs it once,
// on the "controller started" line.
func (c *Controller) RunID() string { return c.runID }
