package lookup

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/meshvpn/vpncontrol/internal/statecache"
)

type recordingSender struct {
	sent []sentDatagram
}

type sentDatagram struct {
	data []byte
	addr *net.UDPAddr
}

func (r *recordingSender) SendTo(data []byte, addr *net.UDPAddr) error {
	r.sent = append(r.sent, sentDatagram{data: data, addr: addr})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessLookup_RepliesWhenIP4Matches(t *testing.T) {
	cache := statecache.New("10.1.0.5")
	cache.ApplyState(statecache.Snapshot{
		UID: "self",
		Peers: map[string]statecache.PeerRecord{
			"p1": {UID: "p1", Fpr: "fpr1", IP4: "10.1.0.7", IP6: "fd00::7", Status: "online"},
		},
	})
	sender := &recordingSender{}
	svc := New(cache, sender, testLogger())

	requester := &net.UDPAddr{IP: net.ParseIP("fd00::99"), Port: 5801}
	if err := svc.ProcessLookup("10.1.0.7", "", requester); err != nil {
		t.Fatalf("ProcessLookup: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sender.sent))
	}
	var got map[string]any
	if err := json.Unmarshal(sender.sent[0].data, &got); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if got["uid"] != "p1" || got["data"] != "fpr1" {
		t.Fatalf("unexpected reply: %v", got)
	}
}

func TestProcessLookup_NoMatchSendsNothing(t *testing.T) {
	cache := statecache.New("10.1.0.5")
	cache.ApplyState(statecache.Snapshot{UID: "self"})
	sender := &recordingSender{}
	svc := New(cache, sender, testLogger())

	if err := svc.ProcessLookup("10.1.0.99", "", &net.UDPAddr{}); err != nil {
		t.Fatalf("ProcessLookup: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d datagrams, want 0", len(sender.sent))
	}
}

func TestLookup_BroadcastsToAllOnlinePeers(t *testing.T) {
	cache := statecache.New("10.1.0.5")
	cache.ApplyState(statecache.Snapshot{
		UID: "self",
		Peers: map[string]statecache.PeerRecord{
			"p1": {UID: "p1", IP6: "fd00::1", Status: "online"},
			"p2": {UID: "p2", IP6: "fd00::2", Status: "offline"},
		},
	})
	sender := &recordingSender{}
	svc := New(cache, sender, testLogger())

	if err := svc.Lookup("10.1.0.9", ""); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1 (only the online peer)", len(sender.sent))
	}
}

func TestDiscover_RepliesOncePerOnlinePeer(t *testing.T) {
	cache := statecache.New("10.1.0.5")
	cache.ApplyState(statecache.Snapshot{
		UID: "self",
		Peers: map[string]statecache.PeerRecord{
			"p1": {UID: "p1", Fpr: "fpr1", Status: "online"},
			"p2": {UID: "p2", Fpr: "fpr2", Status: "online"},
			"p3": {UID: "p3", Fpr: "fpr3", Status: "offline"},
		},
	})
	sender := &recordingSender{}
	svc := New(cache, sender, testLogger())

	if err := svc.Discover(&net.UDPAddr{}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d datagrams, want 2", len(sender.sent))
	}
}
