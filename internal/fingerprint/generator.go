package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/geo"
	"github.com/koltyakov/visitid/internal/ipaddr"
)

// componentHashLen is how many hex characters of the SHA-256 digest each
// identifier keeps. 64 bits of hash is plenty at this cardinality and keeps
// the identifiers short enough for URLs and log lines.
const componentHashLen = 16

// defaultSessionWindow is the rotation period of the session hash when
// the caller does not set one. Two hits from the same browser inside one
// window share a session identifier.
const defaultSessionWindow = 6 * time.Hour

// Signals are the raw per-request inputs the generator consumes. IP and
// Geo come from the resolution layers; the rest are request headers passed
// through verbatim.
type Signals struct {
	IP             ipaddr.Resolution
	Geo            domain.GeoResolution
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	Accept         string
	ClientHints    string
	Timezone       string
}

// Weights control how much each stable signal contributes to the
// fingerprint confidence score. The geo resolution adds its own
// quarter-weight contribution on top; the sum is capped at 100.
type Weights struct {
	Base     int
	IP       int
	Timezone int
	OS       int
	Device   int
	Language int
}

// DefaultWeights is the tuning used in production.
var DefaultWeights = Weights{
	Base:     30,
	IP:       20,
	Timezone: 15,
	OS:       10,
	Device:   5,
	Language: 5,
}

// Generator derives fingerprints from request signals. The zero value is
// not usable; construct with NewGenerator.
type Generator struct {
	weights Weights
	window  time.Duration
	now     func() time.Time
}

// NewGenerator returns a generator with the given confidence weights and
// session rotation window. A non-positive window selects the default.
func NewGenerator(w Weights, sessionWindow time.Duration) *Generator {
	if sessionWindow <= 0 {
		sessionWindow = defaultSessionWindow
	}
	return &Generator{weights: w, window: sessionWindow, now: time.Now}
}

// Generate derives the full fingerprint for one request. The device hash
// deliberately excludes every browser-specific signal so that different
// browsers on one physical device converge on the same value.
func (g *Generator) Generate(sig Signals) domain.DeviceFingerprint {
	agent := ParseUserAgent(sig.UserAgent)
	language := geo.PrimaryLanguage(sig.AcceptLanguage)

	ipComponent, ipFactor := g.ipComponent(sig)
	geoComponent := g.geoComponent(sig.Geo)
	deviceComponent := componentHash(agent.OSFamily, agent.OSVersionMajor, agent.DeviceCategory, language)
	browserComponent := componentHash(agent.BrowserName, agent.BrowserVersionMajor, sig.AcceptEncoding, sig.Accept, sig.ClientHints)

	deviceHash := componentHash(ipComponent, geoComponent, deviceComponent)
	browserHash := componentHash(deviceHash, browserComponent)
	sessionHash := componentHash(deviceHash, browserComponent, g.windowIndex(g.now()))

	confidence, factors := g.score(sig, agent, language, ipFactor)

	return domain.DeviceFingerprint{
		DeviceHash:         deviceHash,
		BrowserHash:        browserHash,
		SessionHash:        sessionHash,
		IPComponent:        ipComponent,
		GeoComponent:       geoComponent,
		DeviceComponent:    deviceComponent,
		BrowserComponent:   browserComponent,
		Confidence:         confidence,
		CorrelationFactors: factors,
		OSFamily:           agent.OSFamily,
		DeviceCategory:     agent.DeviceCategory,
		BrowserType:        agent.BrowserName,
		Timezone:           sig.Timezone,
		Geo:                sig.Geo,
	}
}

// ipComponent picks the strongest stable network anchor available. A high
// confidence geo resolution means the IP itself is dependable; a merely
// valid IP anchors on its subnet; anything weaker falls back to the
// resolved region.
func (g *Generator) ipComponent(sig Signals) (hash, factor string) {
	switch {
	case sig.Geo.Confidence >= 80 && sig.IP.Source != "fallback":
		return componentHash(sig.Geo.IPHash), "ip_stable"
	case sig.IP.Confidence >= 70 && sig.IP.Source != "fallback":
		return componentHash(ipaddr.Subnet(sig.IP.IP)), "ip_subnet"
	default:
		return componentHash(sig.Geo.Country, sig.Geo.Region), "geo_region"
	}
}

// geoComponent granularity tracks resolution confidence: only a high
// confidence pass may pin the fingerprint to a city, weaker ones coarsen
// to region or country so a wrong guess cannot split one device in two.
func (g *Generator) geoComponent(res domain.GeoResolution) string {
	switch {
	case res.Confidence >= 90:
		return componentHash(res.Country, res.Region, res.City)
	case res.Confidence >= 70:
		return componentHash(res.Country, res.Region)
	default:
		return componentHash(res.Country)
	}
}

func (g *Generator) score(sig Signals, agent Agent, language, ipFactor string) (int, []string) {
	confidence := g.weights.Base
	factors := []string{ipFactor}

	if ipFactor == "ip_stable" || ipFactor == "ip_subnet" {
		confidence += g.weights.IP
	}
	confidence += sig.Geo.Confidence / 4

	if sig.Timezone != "" {
		confidence += g.weights.Timezone
		factors = append(factors, "timezone")
	}
	if agent.OSFamily != "unknown" {
		confidence += g.weights.OS
		factors = append(factors, "os")
	}
	if agent.DeviceCategory != "" && agent.DeviceCategory != CategoryBot {
		confidence += g.weights.Device
		factors = append(factors, "device_type")
	}
	if language != "" {
		confidence += g.weights.Language
		factors = append(factors, "language")
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence, factors
}

// windowIndex buckets a point in time into its rotation window.
func (g *Generator) windowIndex(t time.Time) string {
	idx := t.Unix() / int64(g.window/time.Second)
	return "w" + hex.EncodeToString([]byte{
		byte(idx >> 24), byte(idx >> 16), byte(idx >> 8), byte(idx),
	})
}

// componentHash joins the parts with a fixed separator and returns the
// truncated hex SHA-256. The separator prevents ambiguous concatenations
// ("ab"+"c" vs "a"+"bc") from colliding.
func componentHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:componentHashLen]
}
