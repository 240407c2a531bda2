// Package ipaddr extracts the most trustworthy client IP from proxy
// headers and provides the canonical hashing/classification helpers the
// fingerprint and geo layers share.
package ipaddr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// Localhost is the canonical token all loopback/localhost values collapse
// to. It keeps dev traffic from fragmenting into per-literal cache keys.
const Localhost = "localhost"

// Resolution is the outcome of the header walk: the chosen IP, how much we
// trust the header it came from, and which header that was.
type Resolution struct {
	IP         string `json:"ip"`
	Confidence int    `json:"confidence"` // 0-100
	Source     string `json:"source"`
}

const fallbackConfidence = 50

// headerRule is one entry of the prioritized header table. pick extracts a
// candidate value from the raw header; normalization and validation happen
// afterwards, so a rule never needs to understand IP syntax.
type headerRule struct {
	name       string
	confidence int
	pick       func(string) string
}

// headerRules is walked in order; the first rule yielding a syntactically
// valid address wins. Confidence weights reflect how hard each header is to
// spoof from outside the platform edge.
var headerRules = []headerRule{
	{"X-Vercel-Forwarded-For", 95, firstHop},
	{"X-Forwarded-For", 90, firstHop},
	{"X-Real-IP", 85, wholeValue},
	{"CF-Connecting-IP", 80, wholeValue},
	{"True-Client-IP", 75, wholeValue},
	{"X-Client-IP", 72, wholeValue},
	{"Forwarded", 70, forwardedFor},
}

// Resolve walks the prioritized header table and returns the first valid
// client IP. It never fails: with no usable header it degrades to the
// localhost token at low confidence.
func Resolve(h http.Header) Resolution {
	for _, rule := range headerRules {
		raw := h.Get(rule.name)
		if raw == "" {
			continue
		}
		candidate := rule.pick(raw)
		if candidate == "" {
			continue
		}
		if ip, ok := Normalize(candidate); ok {
			return Resolution{IP: ip, Confidence: rule.confidence, Source: rule.name}
		}
	}
	return Resolution{IP: Localhost, Confidence: fallbackConfidence, Source: "fallback"}
}

// Normalize validates and canonicalizes a single IP candidate: ports are
// stripped, IPv6-mapped IPv4 is unwrapped, and loopback collapses to the
// localhost token. Returns false for anything that is not an address.
func Normalize(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", false
	}
	if strings.EqualFold(v, Localhost) {
		return Localhost, true
	}

	addr, err := netip.ParseAddr(strings.Trim(v, "[]"))
	if err != nil {
		// Retry as host:port ("1.2.3.4:443", "[::1]:443").
		ap, err := netip.ParseAddrPort(v)
		if err != nil {
			return "", false
		}
		addr = ap.Addr()
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return Localhost, true
	}
	return addr.String(), true
}

var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// IsPrivate reports whether the canonical IP belongs to a private,
// loopback, link-local, or CGNAT range (or is the localhost token).
func IsPrivate(ip string) bool {
	if ip == Localhost {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || cgnatPrefix.Contains(addr)
}

// Subnet returns a coarse network identifier: the first three octets for
// IPv4, the /48 prefix for IPv6. Used when the exact IP is too volatile to
// anchor a fingerprint component on.
func Subnet(ip string) string {
	if ip == Localhost {
		return Localhost
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("%d.%d.%d", b[0], b[1], b[2])
	}
	b := addr.As16()
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// Hash returns the hex SHA-256 of the canonical IP string.
func Hash(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func wholeValue(v string) string {
	return strings.TrimSpace(v)
}

// firstHop takes the left-most entry of a comma-separated forwarding chain,
// which is the original client in a well-formed chain.
func firstHop(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

// forwardedFor extracts the for= directive from an RFC 7239 Forwarded
// header, e.g. `for=192.0.2.60;proto=http, for=198.51.100.17`.
func forwardedFor(v string) string {
	first, _, _ := strings.Cut(v, ",")
	for _, part := range strings.Split(first, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "for") {
			continue
		}
		return strings.Trim(strings.TrimSpace(val), `"`)
	}
	return ""
}
