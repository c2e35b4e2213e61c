// Package maintenance runs the controller's periodic tick: trimming stale
// links, refreshing state, and fanning out pings (plus, on a rotating
// cadence in group mode, a social heartbeat) to every known peer.
package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/dataplane"
	"github.com/meshvpn/vpncontrol/internal/metrics"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

// Sender abstracts the raw outbound UDP write used for direct pings.
type Sender interface {
	SendTo(data []byte, addr *net.UDPAddr) error
}

// Scheduler runs one maintenance tick at a time; Tick is called by the
// event loop on its own cadence, never concurrently.
type Scheduler struct {
	rpc   *dataplane.Client
	cache *statecache.Cache
	send  Sender
	rt    *config.Runtime
	log   *slog.Logger
	m     *metrics.Metrics

	limiter *rate.Limiter
	ticks   int
}

// New builds a Scheduler. The ping rate limiter is shared across ticks so
// a burst from one tick's tail doesn't stack with the next tick's head. m
// may be nil, in which case trim counts are simply not reported.
func New(rpc *dataplane.Client, cache *statecache.Cache, send Sender, rt *config.Runtime, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	limit := rate.Limit(rt.PingRatePerSecond)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Scheduler{
		rpc:     rpc,
		cache:   cache,
		send:    send,
		rt:      rt,
		log:     log,
		m:       m,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Tick runs one maintenance pass: trim, state refresh, and a rate-limited
// ping fan-out, with a social heartbeat included every HeartbeatEveryNTicks
// ticks in group mode (every tick in social mode, matching the original's
// unconditional do_pings() call).
func (s *Scheduler) Tick(ctx context.Context) {
	s.trim()

	if err := s.rpc.GetState(); err != nil {
		s.log.Warn("maintenance: get_state failed", "error", err)
	}

	s.ticks++
	socialHeartbeat := s.rt.Mode == config.SocialVPN || s.ticks%s.rt.HeartbeatEveryNTicks == 0
	s.pingAll(ctx, socialHeartbeat)
}

// trim requests the data plane tear down any link whose cached status is
// offline and whose last-seen age exceeds TrimAfter. This is deliberately
// idempotent: a peer that stays offline past the threshold gets a trim
// request on every subsequent tick, not just the first.
func (s *Scheduler) trim() {
	for uid, p := range s.cache.Peers() {
		if p.Offline() && p.LastTime > config.TrimAfter.Seconds() {
			if err := s.rpc.TrimLink(uid); err != nil {
				s.log.Warn("maintenance: trim_link failed", "uid", uid, "error", err)
				continue
			}
			if s.m != nil {
				s.m.TrimsTotal.Inc()
			}
		}
	}
}

// pingAll sends a direct ping to every known peer's controller, paced by
// the scheduler's rate limiter, and additionally a social heartbeat
// message when social is true.
func (s *Scheduler) pingAll(ctx context.Context, social bool) {
	self := s.cache.Self()
	peers := s.cache.Peers()

	uids := make([]string, 0, len(peers))
	for uid := range peers {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Debug("maintenance: ping pacing interrupted", "error", err)
			return
		}

		p := peers[uid]
		if social {
			if err := s.rpc.SendMsg(1, uid, []byte(self.Fpr)); err != nil {
				s.log.Warn("maintenance: social heartbeat failed", "uid", uid, "error", err)
			}
		}

		dest := pingDest(p)
		if dest == nil {
			continue
		}
		payload, err := json.Marshal(map[string]any{"m": "ping", "uid": self.UID})
		if err != nil {
			s.log.Warn("maintenance: encode ping failed", "error", err)
			continue
		}
		if err := s.send.SendTo(payload, dest); err != nil {
			s.log.Warn("maintenance: ping send failed", "uid", uid, "error", err)
		}
	}
}

func pingDest(p statecache.PeerRecord) *net.UDPAddr {
	if ip := net.ParseIP(p.IP6); ip != nil {
		return &net.UDPAddr{IP: ip, Port: config.ControllerPort}
	}
	if ip := net.ParseIP(p.IP4); ip != nil {
		return &net.UDPAddr{IP: ip, Port: config.ControllerPort}
	}
	return nil
}

// TickEvery returns a ticker-driven channel source for the event loop's
// maintenance cadence, matching the original's "WAIT_TIME between checks"
// loop structure without blocking the caller.
func TickEvery(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
