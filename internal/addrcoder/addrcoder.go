// Package addrcoder derives the UIDs and virtual IPv4/IPv6 addresses the
// controller hands out to peers. Every derivation here is a pure function of
// its inputs: no network I/O, no controller state, so it is the easiest
// component to pin down with property-based tests.
package addrcoder

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/meshvpn/vpncontrol/internal/config"
)

// GenUID hashes seed with SHA-1 and truncates the hex digest to size
// characters. size is normally config.UIDSize (40, the full digest) but the
// legacy 18-character mode is accepted for interop testing.
func GenUID(seed []byte, size int) string {
	sum := sha1.Sum(seed)
	digest := hex.EncodeToString(sum[:])
	if size <= 0 || size > len(digest) {
		size = len(digest)
	}
	return digest[:size]
}

// RandomSeed returns size bytes suitable for GenUID when no stable seed
// (hostname, chosen IPv4) is available, mirroring binascii.b2a_hex(os.urandom(n)).
func RandomSeed(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("addrcoder: read random seed: %w", err)
	}
	return buf, nil
}

// GenIP6 derives the virtual IPv6 address for uid under prefix by appending
// the UID's hex digits four at a time as additional colon groups. uid must
// be at least 16 hex characters; the canonical 40-character UID yields four
// groups, exactly filling out a /64 prefix's host bits.
func GenIP6(uid, prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i+4 <= 16 && i+4 <= len(uid); i += 4 {
		b.WriteByte(':')
		b.WriteString(uid[i : i+4])
	}
	return b.String()
}

// GenIP4Social assigns the next sequential address on base's /24, numbering
// from 101 by the count of peers already registered. It returns an error
// once the count would overflow the last octet (config.MaxSocialPeers).
func GenIP4Social(base string, peerCount int) (string, error) {
	if peerCount >= config.MaxSocialPeers {
		return "", fmt.Errorf("%w: peer count %d", ErrTooManyPeers, peerCount)
	}
	prefix, err := ip4Prefix(base)
	if err != nil {
		return "", err
	}
	return prefix + strconv.Itoa(101+peerCount), nil
}

// GenIP4Group recovers the group-mode virtual IPv4 address bound to uid by
// scanning the /24 rooted at base's first three octets (host octets 1-254)
// and re-deriving the UID for each candidate with the given uidSize. It
// returns ok=false if no octet in range reproduces uid.
func GenIP4Group(uid, base string, uidSize int) (addr string, ok bool) {
	prefix, err := ip4Prefix(base)
	if err != nil {
		return "", false
	}
	for i := 1; i < 255; i++ {
		candidate := prefix + strconv.Itoa(i)
		if GenUID([]byte(candidate), uidSize) == uid {
			return candidate, true
		}
	}
	return "", false
}

// ip4Prefix returns the dotted "a.b.c." prefix of a dotted-quad address.
func ip4Prefix(addr string) (string, error) {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("addrcoder: %q is not a dotted-quad IPv4 address", addr)
	}
	return parts[0] + "." + parts[1] + "." + parts[2] + ".", nil
}
