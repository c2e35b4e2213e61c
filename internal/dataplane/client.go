// Package dataplane is the controller's typed client for the local
// data-plane process: one method per RPC verb, each building the exact JSON
// parameter set the original controller sent and firing it over UDP. The
// data plane owns peer transport, NAT traversal and link crypto; the
// controller only ever talks to it on loopback.
package dataplane

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
)

// VerbCounter is the minimal metrics surface the client reports to,
// satisfied by *metrics.Metrics (whose CountCall increments a labeled
// CounterVec) without this package importing prometheus directly.
type VerbCounter interface {
	CountCall(verb string)
}

// Client sends JSON-RPC datagrams to the local data-plane listener.
type Client struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	log     *slog.Logger
	metrics VerbCounter
}

// New dials a UDP "connection" to the data plane at addr (normally
// ("::1", config.SVPNPort) or ("127.0.0.1", config.SVPNPort) when the host
// has no IPv6 stack). No handshake occurs; UDP dialing only fixes the
// destination for subsequent Write calls.
func New(addr *net.UDPAddr) (*Client, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, dest: addr, log: slog.Default()}, nil
}

// SetLogger overrides the client's logger; by default it uses slog's
// process-wide default logger.
func (c *Client) SetLogger(log *slog.Logger) { c.log = log }

// SetMetrics attaches a call counter; nil (the default) disables counting.
func (c *Client) SetMetrics(m VerbCounter) { c.metrics = m }

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(params map[string]any) error {
	verb, _ := params["m"].(string)

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("dataplane: encode call %s: %w", verb, err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("dataplane: send call %s: %w", verb, err)
	}

	if c.metrics != nil {
		c.metrics.CountCall(verb)
	}
	c.log.Debug("dataplane call", "verb", verb)
	return nil
}

// SetCallback tells the data plane where to deliver asynchronous
// notifications: the controller's own listening (ip, port).
func (c *Client) SetCallback(ip string, port int) error {
	return c.call(map[string]any{
		"m":    "set_callback",
		"ip":   ip,
		"port": port,
	})
}

// RegisterService registers the controller's XMPP-style identity with the
// data plane so it can bootstrap signaling.
func (c *Client) RegisterService(username, password, host string) error {
	return c.call(map[string]any{
		"m":        "register_service",
		"username": username,
		"password": password,
		"host":     host,
	})
}

// CreateLinkParams bundles the parameters for establishing a peer link.
// STUN/TURN/credentials are controller-wide defaults, never per-peer.
type CreateLinkParams struct {
	UID      string
	Fpr      string
	NID      int
	STUN     string
	TURN     string
	TURNUser string
	TURNPass string
	Sec      bool
	CAS      string
}

// CreateLink asks the data plane to establish (or continue establishing) a
// link to the peer identified by UID.
func (c *Client) CreateLink(p CreateLinkParams) error {
	return c.call(map[string]any{
		"m":         "create_link",
		"uid":       p.UID,
		"fpr":       p.Fpr,
		"nid":       p.NID,
		"stun":      p.STUN,
		"turn":      p.TURN,
		"turn_user": p.TURNUser,
		"turn_pass": p.TURNPass,
		"sec":       p.Sec,
		"cas":       p.CAS,
	})
}

// TrimLink tears down the link to a peer that has gone stale.
func (c *Client) TrimLink(uid string) error {
	return c.call(map[string]any{
		"m":   "trim_link",
		"uid": uid,
	})
}

// SetLocalIP binds the controller's own virtual addresses to uid.
func (c *Client) SetLocalIP(uid, ip4, ip6 string) error {
	return c.call(map[string]any{
		"m":        "set_local_ip",
		"uid":      uid,
		"ip4":      ip4,
		"ip6":      ip6,
		"ip4_mask": 24,
		"ip6_mask": 64,
	})
}

// SetRemoteIP binds a peer's virtual addresses once they are known.
func (c *Client) SetRemoteIP(uid, ip4, ip6 string) error {
	return c.call(map[string]any{
		"m":   "set_remote_ip",
		"uid": uid,
		"ip4": ip4,
		"ip6": ip6,
	})
}

// SendMsg forwards an opaque overlay message to the peer identified by uid
// over the link tagged nid.
func (c *Client) SendMsg(nid int, uid string, data []byte) error {
	return c.call(map[string]any{
		"m":    "send_msg",
		"nid":  nid,
		"uid":  uid,
		"data": string(data),
	})
}

// GetState requests a full link-state snapshot; the reply arrives
// asynchronously as an Inbound message classified by internal/classify.
func (c *Client) GetState() error {
	return c.call(map[string]any{
		"m": "get_state",
	})
}
