// Package statecache holds the controller's view of its own identity and
// its peer table, rebuilt from the data plane's periodic state snapshots and
// kept current by per-peer status updates in between snapshots.
package statecache

import (
	"net"
	"sort"
	"sync"
)

// PeerRecord is one peer's entry in a state snapshot or status update.
type PeerRecord struct {
	UID      string  `json:"uid"`
	Fpr      string  `json:"fpr"`
	IP4      string  `json:"ip4"`
	IP6      string  `json:"ip6"`
	Status   string  `json:"status"`
	LastTime float64 `json:"last_time"`
}

// Online reports whether the peer's last reported status is "online".
func (p PeerRecord) Online() bool { return p.Status == "online" }

// Offline reports whether the peer's last reported status is "offline".
func (p PeerRecord) Offline() bool { return p.Status == "offline" }

// Snapshot is a full state push from the data plane.
type Snapshot struct {
	UID   string                `json:"_uid"`
	Fpr   string                `json:"_fpr"`
	IP4   string                `json:"_ip4"`
	IP6   string                `json:"_ip6"`
	Peers map[string]PeerRecord `json:"peers"`
}

// Cache is the controller's self-identity plus peer table and the derived
// routing indices used for group-mode forwarding. Every method takes the
// sync.RWMutex below; the controller only ever calls them from the single
// event-loop goroutine, so the lock is never contended.
type Cache struct {
	mu sync.RWMutex

	self Snapshot

	// peers is the full peer table, updated wholesale by ApplyState and
	// incrementally by ApplyPeerStatus.
	peers map[string]PeerRecord

	// peerlist is the set of UIDs this controller has initiated a
	// connection to, used by social-mode sequential IPv4 assignment.
	peerlist map[string]struct{}

	// byIP4/byIP6 map a peer's virtual address to its controller's ip6,
	// the routing index used by the packet forwarder and the overlay
	// lookup service.
	byIP4 map[string]string
	byIP6 map[string]string
}

// New returns a Cache whose self IP4 is preset to initialIP4 (group mode's
// CLI-provided address, or "" for social mode / until the data plane
// reports one).
func New(initialIP4 string) *Cache {
	return &Cache{
		self:     Snapshot{IP4: initialIP4},
		peers:    make(map[string]PeerRecord),
		peerlist: make(map[string]struct{}),
		byIP4:    make(map[string]string),
		byIP6:    make(map[string]string),
	}
}

// ApplyState folds a fresh snapshot into the cache: it adopts the
// self-IPv4 if none was set at construction, replaces the peer table when
// the snapshot carries one (a snapshot without "peers" keeps the current
// table), and rebuilds the routing index. It reports needsBootstrap=true when the
// snapshot's own UID is still empty, meaning the data plane has not yet
// been told who we are — the caller (internal/controller) is responsible
// for calling the bootstrap RPC sequence exactly once per such signal.
//
// This check runs on every call, not just the first, so that whichever
// order the data plane happens to deliver "state before identity is set"
// or "identity already set" arrives in, the right thing happens without a
// separate first-call code path.
func (c *Cache) ApplyState(snap Snapshot) (needsBootstrap bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.self.IP4 == "" {
		c.self.IP4 = snap.IP4
	}
	c.self.UID = snap.UID
	c.self.Fpr = snap.Fpr
	c.self.IP6 = snap.IP6

	if snap.Peers != nil {
		c.peers = snap.Peers
	}
	c.rebuildRoutingIndexLocked()

	return snap.UID == ""
}

// ApplyPeerStatus writes a single peer's status update into the peer
// table without disturbing the rest of the snapshot, and refreshes the
// routing index entry for that peer.
func (c *Cache) ApplyPeerStatus(p PeerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peers[p.UID] = p
	c.rebuildRoutingIndexLocked()
}

func (c *Cache) rebuildRoutingIndexLocked() {
	c.byIP4 = make(map[string]string, len(c.peers))
	c.byIP6 = make(map[string]string, len(c.peers))
	for _, p := range c.peers {
		if !p.Online() {
			continue
		}
		if ip4 := net.ParseIP(p.IP4); ip4 != nil {
			c.byIP4[ip4.String()] = p.IP6
		}
		if ip6 := net.ParseIP(p.IP6); ip6 != nil {
			c.byIP6[ip6.String()] = p.IP6
		}
	}
}

// Self returns a copy of the controller's own identity fields.
func (c *Cache) Self() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Peer returns the cached record for uid, if any.
func (c *Cache) Peer(uid string) (PeerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[uid]
	return p, ok
}

// Peers returns a snapshot copy of the full peer table.
func (c *Cache) Peers() map[string]PeerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]PeerRecord, len(c.peers))
	for k, v := range c.peers {
		out[k] = v
	}
	return out
}

// AddToPeerlist records uid as a peer this controller has initiated a
// connection to, for social-mode sequential address assignment.
func (c *Cache) AddToPeerlist(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerlist[uid] = struct{}{}
}

// PeerlistLen returns the number of peers this controller has initiated a
// connection to.
func (c *Cache) PeerlistLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peerlist)
}

// LookupIP4 returns the controller ip6 registered for the online peer
// whose virtual IPv4 is ip4.
func (c *Cache) LookupIP4(ip4 string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ip, ok := c.byIP4[normalizeIP(ip4)]
	return ip, ok
}

// LookupIP6 returns the controller ip6 registered for the online peer
// whose virtual IPv6 is ip6.
func (c *Cache) LookupIP6(ip6 string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ip, ok := c.byIP6[normalizeIP(ip6)]
	return ip, ok
}

// FirstControllerIP6 returns the lowest-UID online peer's controller ip6.
// The forwarding policy this implements is explicitly provisional (see
// DESIGN.md); sorting by UID only exists to make tests reproducible.
func (c *Cache) FirstControllerIP6() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uids := make([]string, 0, len(c.peers))
	for uid, p := range c.peers {
		if p.Online() {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return "", false
	}
	sort.Strings(uids)
	return c.peers[uids[0]].IP6, true
}

// OnlineCount returns the number of peers whose last reported status is
// "online".
func (c *Cache) OnlineCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, p := range c.peers {
		if p.Online() {
			n++
		}
	}
	return n
}

// OnlinePeerIP6s returns the controller ip6 of every online peer, sorted
// by UID for deterministic iteration order in broadcast paths.
func (c *Cache) OnlinePeerIP6s() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uids := make([]string, 0, len(c.peers))
	for uid, p := range c.peers {
		if p.Online() {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		out = append(out, c.peers[uid].IP6)
	}
	return out
}

func normalizeIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	return ip.String()
}
