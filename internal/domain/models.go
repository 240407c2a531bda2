// Package domain defines the core data types shared across the visitid
// resolver, fingerprint, correlation, and store layers.
package domain

import "time"

// Geo resolution sources, in descending order of trust. A resolution
// restored from the cache keeps its original confidence but is re-tagged
// with GeoSourceCache.
const (
	GeoSourceEdgeHeaders = "edge_headers"
	GeoSourceInternal    = "internal_network"
	GeoSourceLanguage    = "language_heuristic"
	GeoSourceDefault     = "static_default"
	GeoSourceCache       = "cache"
)

// Hit classification constants returned to the click-recording pipeline.
const (
	ClassificationFirstVisit  = "first_visit_new_device"
	ClassificationSameDevice  = "same_device_different_browser"
	ClassificationRepeatVisit = "repeat_visit_same_browser"
	ClassificationFallback    = "fallback_new_device"
)

// Correlation types describe how two fingerprints were linked.
const (
	CorrelationTypeExactDevice = "exact_device"
	CorrelationTypeEnvironment = "environment"
)

// Match basis values label entries returned by the correlation read path.
const (
	MatchBasisDeviceHash  = "device_hash"
	MatchBasisEnvironment = "environment"
)

// GeoResolution is the outcome of one geolocation pass for an IP. It is
// immutable once created; a fresher resolution supersedes it in the cache
// rather than mutating it.
type GeoResolution struct {
	Country    string    `json:"country"`
	Region     string    `json:"region"`
	City       string    `json:"city"`
	IP         string    `json:"ip"`
	IPHash     string    `json:"ip_hash"`
	Confidence int       `json:"confidence"` // 0-100
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceFingerprint is the full tiered fingerprint computed for one request.
// DeviceHash is stable across browsers on one physical machine; BrowserHash
// additionally encodes browser identity; SessionHash rotates on a fixed
// window to bound long-term linkability.
type DeviceFingerprint struct {
	DeviceHash       string `json:"device_hash"`
	BrowserHash      string `json:"browser_hash"`
	SessionHash      string `json:"session_hash"`
	IPComponent      string `json:"ip_component"`
	GeoComponent     string `json:"geo_component"`
	DeviceComponent  string `json:"device_component"`
	BrowserComponent string `json:"browser_component"`

	Confidence         int      `json:"confidence"`
	CorrelationFactors []string `json:"correlation_factors"`

	OSFamily       string        `json:"os_family"`
	DeviceCategory string        `json:"device_category"`
	BrowserType    string        `json:"browser_type"`
	Timezone       string        `json:"timezone,omitempty"`
	Geo            GeoResolution `json:"geo"`
}

// FingerprintRecord is the persisted row for one (link, browser hash) pair.
type FingerprintRecord struct {
	LinkID         string
	BrowserHash    string
	DeviceHash     string
	SessionHash    string
	OSFamily       string
	DeviceCategory string
	BrowserType    string
	Timezone       string

	Country       string
	Region        string
	City          string
	GeoSource     string
	GeoConfidence int

	Confidence         int
	CorrelationFactors []string
	VisitCount         int
	FirstSeen          time.Time
	LastSeen           time.Time
}

// CorrelationEntry links a fingerprint hash to a device cluster.
// (DeviceClusterID, FingerprintHash) is unique; ConfidenceScore only ever
// moves up for a given pair.
type CorrelationEntry struct {
	DeviceClusterID string    `json:"device_cluster_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	CorrelationType string    `json:"correlation_type"`
	ConfidenceScore int       `json:"confidence_score"`
	FirstCorrelated time.Time `json:"first_correlated"`
	LastConfirmed   time.Time `json:"last_confirmed"`
}

// EnvironmentQuery describes the permissive correlation match: same coarse
// environment seen recently, regardless of IP. It is a heuristic with a
// known false-positive risk; results must be labeled MatchBasisEnvironment.
type EnvironmentQuery struct {
	Timezone          string
	Country           string
	Region            string
	OSFamily          string
	DeviceCategory    string
	ExcludeDeviceHash string
}

// RelatedFingerprint is one entry of the correlation read path, labeled by
// how the match was established.
type RelatedFingerprint struct {
	BrowserHash string    `json:"browser_hash"`
	DeviceHash  string    `json:"device_hash"`
	MatchBasis  string    `json:"match_basis"`
	Confidence  int       `json:"confidence"`
	LastSeen    time.Time `json:"last_seen"`
}

// HitResult is the output contract consumed by downstream analytics.
type HitResult struct {
	HitID               string               `json:"hit_id"`
	BrowserHash         string               `json:"browser_hash"`
	DeviceHash          string               `json:"device_hash"`
	SessionHash         string               `json:"session_hash"`
	IsUnique            bool                 `json:"is_unique"`
	Classification      string               `json:"classification"`
	Confidence          int                  `json:"confidence"`
	RelatedFingerprints []RelatedFingerprint `json:"related_fingerprints,omitempty"`
}
