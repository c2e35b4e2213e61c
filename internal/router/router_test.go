package router

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/meshvpn/vpncontrol/internal/classify"
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

type recordingOrchestrator struct {
	calls []createCall
}

type createCall struct {
	uid, fpr, cas, ip4 string
	nid                int
	sec                bool
}

func (o *recordingOrchestrator) CreateConnection(uid, fpr string, nid int, sec bool, cas, ip4 string) error {
	o.calls = append(o.calls, createCall{uid: uid, fpr: fpr, nid: nid, sec: sec, cas: cas, ip4: ip4})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loopbackAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
}

func TestHandleConnectionRequest_LocalInvitationCallsOrchestrator(t *testing.T) {
	cache := statecache.New("172.31.0.100")
	cache.ApplyState(statecache.Snapshot{UID: "self-uid", Fpr: "self-fpr"})
	orch := &recordingOrchestrator{}
	r := New(orch, cache, &recordingSender{}, testLogger())

	in := classify.Inbound{Kind: classify.KindConnectionRequest, From: loopbackAddr(), UID: "peer01", Fpr: "peer-fpr", CAS: "cas1"}
	if err := r.HandleConnectionRequest(in); err != nil {
		t.Fatalf("HandleConnectionRequest: %v", err)
	}

	if len(orch.calls) != 1 {
		t.Fatalf("orchestrator calls = %d, want 1", len(orch.calls))
	}
	call := orch.calls[0]
	if call.uid != "peer01" || call.fpr != "peer-fpr" || call.nid != 1 || !call.sec {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestHandleConnectionRequest_SelfFingerprintBroadcastsToOnlinePeers(t *testing.T) {
	cache := statecache.New("172.31.0.100")
	cache.ApplyState(statecache.Snapshot{
		UID: "self-uid", Fpr: "self-fpr", IP4: "172.31.0.100",
		Peers: map[string]statecache.PeerRecord{
			"p1": {UID: "p1", IP6: "fd00::1", Status: "online"},
			"p2": {UID: "p2", IP6: "fd00::2", Status: "offline"},
		},
	})
	orch := &recordingOrchestrator{}
	sender := &recordingSender{}
	r := New(orch, cache, sender, testLogger())

	in := classify.Inbound{Kind: classify.KindConnectionRequest, From: loopbackAddr(), UID: "target", Fpr: "self-fpr", CAS: "cas1"}
	if err := r.HandleConnectionRequest(in); err != nil {
		t.Fatalf("HandleConnectionRequest: %v", err)
	}

	if len(orch.calls) != 0 {
		t.Fatalf("orchestrator calls = %d, want 0 (broadcast path doesn't call CreateConnection)", len(orch.calls))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1 (only the online peer)", len(sender.sent))
	}
	if sender.sent[0].addr.IP.String() != "fd00::1" || sender.sent[0].addr.Port != 5801 {
		t.Fatalf("sent to %v, want (fd00::1, 5801)", sender.sent[0].addr)
	}
	var got map[string]any
	if err := json.Unmarshal(sender.sent[0].data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["from"] != "self-uid" || got["ip4"] != "172.31.0.100" {
		t.Fatalf("broadcast not stamped with our identity: %v", got)
	}
}

func TestHandleConnectionRequest_AddressedToUsCallsOrchestratorWithOriginator(t *testing.T) {
	cache := statecache.New("172.31.0.100")
	cache.ApplyState(statecache.Snapshot{UID: "self-uid", Fpr: "self-fpr"})
	orch := &recordingOrchestrator{}
	r := New(orch, cache, &recordingSender{}, testLogger())

	in := classify.Inbound{
		Kind: classify.KindConnectionRequest, From: &net.UDPAddr{IP: net.ParseIP("fd00::9"), Port: 5801},
		UID: "self-uid", Fpr: "peer-fpr", CAS: "cas1", FwdFrom: "originator",
	}
	if err := r.HandleConnectionRequest(in); err != nil {
		t.Fatalf("HandleConnectionRequest: %v", err)
	}

	if len(orch.calls) != 1 {
		t.Fatalf("orchestrator calls = %d, want 1", len(orch.calls))
	}
	if orch.calls[0].uid != "originator" || orch.calls[0].nid != 0 {
		t.Fatalf("unexpected call: %+v", orch.calls[0])
	}
}

func TestHandleConnectionRequest_ForwardsToKnownOnlinePeer(t *testing.T) {
	cache := statecache.New("172.31.0.100")
	cache.ApplyState(statecache.Snapshot{
		UID: "self-uid", Fpr: "self-fpr",
		Peers: map[string]statecache.PeerRecord{
			"dest": {UID: "dest", IP6: "fd00::7", Status: "online"},
		},
	})
	sender := &recordingSender{}
	r := New(&recordingOrchestrator{}, cache, sender, testLogger())

	in := classify.Inbound{
		Kind: classify.KindConnectionRequest, From: &net.UDPAddr{IP: net.ParseIP("fd00::9"), Port: 5801},
		UID: "dest", Fpr: "peer-fpr", CAS: "cas1",
	}
	if err := r.HandleConnectionRequest(in); err != nil {
		t.Fatalf("HandleConnectionRequest: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sender.sent))
	}
	if sender.sent[0].addr.IP.String() != "fd00::7" {
		t.Fatalf("sent to %v, want fd00::7", sender.sent[0].addr)
	}
}

func TestHandleConnectionRequest_UnknownPeerIsDropped(t *testing.T) {
	cache := statecache.New("172.31.0.100")
	cache.ApplyState(statecache.Snapshot{UID: "self-uid", Fpr: "self-fpr"})
	sender := &recordingSender{}
	r := New(&recordingOrchestrator{}, cache, sender, testLogger())

	in := classify.Inbound{
		Kind: classify.KindConnectionRequest, From: &net.UDPAddr{IP: net.ParseIP("fd00::9"), Port: 5801},
		UID: "nobody", Fpr: "peer-fpr", CAS: "cas1",
	}
	if err := r.HandleConnectionRequest(in); err != nil {
		t.Fatalf("HandleConnectionRequest: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d datagrams, want 0", len(sender.sent))
	}
}
