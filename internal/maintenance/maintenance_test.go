package maintenance

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/meshvpn/vpncontrol/internal/config"
	"github.com/meshvpn/vpncontrol/internal/dataplane"
	"github.com/meshvpn/vpncontrol/internal/metrics"
	"github.com/meshvpn/vpncontrol/internal/statecache"
)

type recordingSender struct {
	sent int
}

func (r *recordingSender) SendTo(data []byte, addr *net.UDPAddr) error {
	r.sent++
	return nil
}

func newHarness(t *testing.T, rt *config.Runtime) (*Scheduler, *statecache.Cache, *net.UDPConn, *metrics.Metrics) {
	t.Helper()
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	rpc, err := dataplane.New(srv.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dataplane.New: %v", err)
	}
	t.Cleanup(func() { rpc.Close() })

	cache := statecache.New(rt.IP4Base)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	return New(rpc, cache, &recordingSender{}, rt, log, m), cache, srv, m
}

func drainCalls(t *testing.T, srv *net.UDPConn) []string {
	t.Helper()
	var verbs []string
	srv.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 4096)
	for {
		n, _, err := srv.ReadFromUDP(buf)
		if err != nil {
			break
		}
		verbs = append(verbs, string(buf[:n]))
	}
	return verbs
}

func TestTick_TrimIsIdempotentAcrossConsecutiveTicks(t *testing.T) {
	rt := config.Defaults()
	rt.IP4Base = "172.31.0.100"
	sched, cache, srv, m := newHarness(t, rt)
	cache.ApplyState(statecache.Snapshot{
		UID: "self",
		Peers: map[string]statecache.PeerRecord{
			"q": {UID: "q", Status: "offline", LastTime: 61},
		},
	})

	sched.Tick(context.Background())
	first := drainCalls(t, srv)

	sched.Tick(context.Background())
	second := drainCalls(t, srv)

	countTrim := func(calls []string) int {
		n := 0
		for _, c := range calls {
			if strings.Contains(c, `"m":"trim_link"`) {
				n++
			}
		}
		return n
	}

	if countTrim(first) != 1 {
		t.Fatalf("first tick trim count = %d, want 1", countTrim(first))
	}
	if countTrim(second) != 1 {
		t.Fatalf("second tick trim count = %d, want 1 (idempotent)", countTrim(second))
	}
	if got := testutil.ToFloat64(m.TrimsTotal); got != 2 {
		t.Fatalf("TrimsTotal = %v, want 2 (one per tick)", got)
	}
}

func TestTick_SocialModeSendsHeartbeatEveryTick(t *testing.T) {
	rt := config.Defaults()
	rt.Mode = config.SocialVPN
	rt.IP4Base = "172.31.0.100"
	sched, cache, srv, _ := newHarness(t, rt)
	cache.ApplyState(statecache.Snapshot{
		UID: "self", Fpr: "selffpr",
		Peers: map[string]statecache.PeerRecord{
			"p1": {UID: "p1", IP6: "fd00::1", Status: "online"},
		},
	})

	sched.Tick(context.Background())
	calls := drainCalls(t, srv)

	found := false
	for _, c := range calls {
		if strings.Contains(c, `"m":"send_msg"`) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a social heartbeat send_msg call every tick in social mode")
	}
}
