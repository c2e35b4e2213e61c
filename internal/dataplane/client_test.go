package dataplane

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func listen(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func recvCall(t *testing.T, conn *net.UDPConn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal call: %v", err)
	}
	return got
}

func TestClient_CreateLink_EncodesAllFields(t *testing.T) {
	srv, addr := listen(t)
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	err = c.CreateLink(CreateLinkParams{
		UID:      "abc123",
		Fpr:      "fpr-value",
		NID:      1,
		STUN:     "stun.example:3478",
		TURN:     "turn.example:3478",
		TURNUser: "user",
		TURNPass: "pass",
		Sec:      true,
		CAS:      "cas-value",
	})
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}

	got := recvCall(t, srv)
	if got["m"] != "create_link" {
		t.Fatalf("m = %v, want create_link", got["m"])
	}
	if got["uid"] != "abc123" || got["fpr"] != "fpr-value" || got["nid"].(float64) != 1 {
		t.Fatalf("unexpected call payload: %v", got)
	}
	if got["sec"] != true {
		t.Fatalf("sec = %v, want true", got["sec"])
	}
}

func TestClient_SetLocalIP_IncludesMasks(t *testing.T) {
	srv, addr := listen(t)
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.SetLocalIP("uid", "172.31.0.101", "fd50::1"); err != nil {
		t.Fatalf("SetLocalIP: %v", err)
	}

	got := recvCall(t, srv)
	if got["ip4_mask"].(float64) != 24 || got["ip6_mask"].(float64) != 64 {
		t.Fatalf("unexpected masks: %v", got)
	}
}

func TestClient_GetState_HasNoExtraParams(t *testing.T) {
	srv, addr := listen(t)
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.GetState(); err != nil {
		t.Fatalf("GetState: %v", err)
	}

	got := recvCall(t, srv)
	if len(got) != 1 || got["m"] != "get_state" {
		t.Fatalf("unexpected call payload: %v", got)
	}
}
