// Package correlate turns per-request fingerprints into persistent
// identity decisions: whether a hit is a unique visitor, and which other
// browsers look like the same physical device.
package correlate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/metrics"
)

// Store is the persistence surface the engine needs. Implemented by
// internal/store/sqlite.
type Store interface {
	UpsertFingerprint(ctx context.Context, rec domain.FingerprintRecord) (int, error)
	GetFingerprint(ctx context.Context, linkID, browserHash string) (domain.FingerprintRecord, error)
	SiblingFingerprints(ctx context.Context, linkID, deviceHash, excludeBrowserHash string) ([]domain.FingerprintRecord, error)
	EnvironmentMatches(ctx context.Context, linkID string, q domain.EnvironmentQuery, since time.Time) ([]domain.FingerprintRecord, error)
	UpsertCorrelations(ctx context.Context, entries []domain.CorrelationEntry) error
	CorrelationsByCluster(ctx context.Context, clusterID string) ([]domain.CorrelationEntry, error)
}

// MatchPolicy tunes the weak environment-match fallback. Window bounds how
// far back environment matches may reach; MinConfidence drops matches too
// shaky to report.
type MatchPolicy struct {
	Window        time.Duration
	MinConfidence int
}

// DefaultMatchPolicy is the production tuning.
var DefaultMatchPolicy = MatchPolicy{
	Window:        24 * time.Hour,
	MinConfidence: 40,
}

// clusterIDLen matches the fingerprint identifier length.
const clusterIDLen = 16

// ClusterID derives the stable device-cluster identifier from a device
// hash. The prefix keeps cluster ids from ever colliding with the hash
// space of the fingerprints they group.
func ClusterID(deviceHash string) string {
	sum := sha256.Sum256([]byte("cluster_" + deviceHash))
	return hex.EncodeToString(sum[:])[:clusterIDLen]
}

// Engine records hits and answers relation queries. Persistence failures
// never fail a hit: the engine degrades to a conservative fallback answer
// and counts the failure instead.
type Engine struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	policy  MatchPolicy
	now     func() time.Time
	newID   func() string
}

// NewEngine wires an engine over the given store.
func NewEngine(store Store, logger *slog.Logger, m *metrics.Metrics, policy MatchPolicy) *Engine {
	if policy.Window <= 0 {
		policy.Window = DefaultMatchPolicy.Window
	}
	if policy.MinConfidence <= 0 {
		policy.MinConfidence = DefaultMatchPolicy.MinConfidence
	}
	return &Engine{
		store:   store,
		log:     logger,
		metrics: m,
		policy:  policy,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// RecordHit persists the fingerprint for one request against a link and
// classifies the visit. It always returns a usable result; when the store
// is down the hit is reported as a unique fallback visit.
func (e *Engine) RecordHit(ctx context.Context, linkID string, fp domain.DeviceFingerprint) domain.HitResult {
	now := e.now().UTC()
	result := domain.HitResult{
		HitID:       e.newID(),
		BrowserHash: fp.BrowserHash,
		DeviceHash:  fp.DeviceHash,
		SessionHash: fp.SessionHash,
		Confidence:  fp.Confidence,
	}

	rec := recordFromFingerprint(linkID, fp, now)
	visitCount, err := e.store.UpsertFingerprint(ctx, rec)
	if err != nil {
		e.metrics.StoreFailure()
		e.log.Warn("fingerprint upsert failed, falling back to unique",
			"link", linkID, "browser_hash", fp.BrowserHash, "err", err)
		result.IsUnique = true
		result.Classification = domain.ClassificationFallback
		e.metrics.HitClassification(result.Classification)
		return result
	}

	siblings, err := e.store.SiblingFingerprints(ctx, linkID, fp.DeviceHash, fp.BrowserHash)
	if err != nil {
		e.metrics.StoreFailure()
		e.log.Warn("sibling lookup failed", "link", linkID, "device_hash", fp.DeviceHash, "err", err)
		siblings = nil
	}

	e.confirmCluster(ctx, fp, siblings, now)

	switch {
	case len(siblings) > 0:
		result.IsUnique = false
		result.Classification = domain.ClassificationSameDevice
		for _, sib := range siblings {
			result.RelatedFingerprints = append(result.RelatedFingerprints, domain.RelatedFingerprint{
				BrowserHash: sib.BrowserHash,
				DeviceHash:  sib.DeviceHash,
				MatchBasis:  domain.MatchBasisDeviceHash,
				Confidence:  sib.Confidence,
				LastSeen:    sib.LastSeen,
			})
		}
	case visitCount > 1:
		result.IsUnique = false
		result.Classification = domain.ClassificationRepeatVisit
	case visitCount == 1:
		result.IsUnique = true
		result.Classification = domain.ClassificationFirstVisit
	default:
		// A successful upsert must report at least one visit; anything
		// else is a store anomaly worth flagging.
		e.log.Warn("fingerprint upsert returned no visit count, treating as unique",
			"link", linkID, "browser_hash", fp.BrowserHash, "visit_count", visitCount)
		result.IsUnique = true
		result.Classification = domain.ClassificationFallback
	}
	e.metrics.HitClassification(result.Classification)
	return result
}

// confirmCluster upserts the correlation entries tying every browser of a
// device to its cluster. Best effort; a failure here loses nothing the
// next hit cannot rebuild.
func (e *Engine) confirmCluster(ctx context.Context, fp domain.DeviceFingerprint, siblings []domain.FingerprintRecord, now time.Time) {
	cluster := ClusterID(fp.DeviceHash)
	entries := make([]domain.CorrelationEntry, 0, len(siblings)+1)
	entries = append(entries, domain.CorrelationEntry{
		DeviceClusterID: cluster,
		FingerprintHash: fp.BrowserHash,
		CorrelationType: domain.CorrelationTypeExactDevice,
		ConfidenceScore: fp.Confidence,
		FirstCorrelated: now,
		LastConfirmed:   now,
	})
	for _, sib := range siblings {
		entries = append(entries, domain.CorrelationEntry{
			DeviceClusterID: cluster,
			FingerprintHash: sib.BrowserHash,
			CorrelationType: domain.CorrelationTypeExactDevice,
			ConfidenceScore: sib.Confidence,
			FirstCorrelated: now,
			LastConfirmed:   now,
		})
	}
	if err := e.store.UpsertCorrelations(ctx, entries); err != nil {
		e.metrics.StoreFailure()
		e.log.Warn("correlation upsert failed", "cluster", cluster, "err", err)
	}
}

// Related returns the fingerprints correlated with the given browser on a
// link: exact device-hash siblings first, then environment matches within
// the policy window when no exact sibling exists. Returns
// [domain.ErrFingerprintNotFound] for an unknown browser hash.
func (e *Engine) Related(ctx context.Context, linkID, browserHash string) ([]domain.RelatedFingerprint, error) {
	rec, err := e.store.GetFingerprint(ctx, linkID, browserHash)
	if err != nil {
		return nil, err
	}

	siblings, err := e.store.SiblingFingerprints(ctx, linkID, rec.DeviceHash, rec.BrowserHash)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RelatedFingerprint, 0, len(siblings))
	for _, sib := range siblings {
		out = append(out, domain.RelatedFingerprint{
			BrowserHash: sib.BrowserHash,
			DeviceHash:  sib.DeviceHash,
			MatchBasis:  domain.MatchBasisDeviceHash,
			Confidence:  sib.Confidence,
			LastSeen:    sib.LastSeen,
		})
	}
	if len(out) > 0 {
		return out, nil
	}

	q := domain.EnvironmentQuery{
		Timezone:          rec.Timezone,
		Country:           rec.Country,
		Region:            rec.Region,
		OSFamily:          rec.OSFamily,
		DeviceCategory:    rec.DeviceCategory,
		ExcludeDeviceHash: rec.DeviceHash,
	}
	since := e.now().UTC().Add(-e.policy.Window)
	matches, err := e.store.EnvironmentMatches(ctx, linkID, q, since)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		// An environment match is circumstantial; report it at half the
		// stored confidence and drop anything below the policy floor.
		confidence := m.Confidence / 2
		if confidence < e.policy.MinConfidence {
			continue
		}
		out = append(out, domain.RelatedFingerprint{
			BrowserHash: m.BrowserHash,
			DeviceHash:  m.DeviceHash,
			MatchBasis:  domain.MatchBasisEnvironment,
			Confidence:  confidence,
			LastSeen:    m.LastSeen,
		})
	}
	return out, nil
}

// Cluster returns the correlation entries of the device cluster the given
// device hash belongs to.
func (e *Engine) Cluster(ctx context.Context, deviceHash string) ([]domain.CorrelationEntry, error) {
	return e.store.CorrelationsByCluster(ctx, ClusterID(deviceHash))
}

func recordFromFingerprint(linkID string, fp domain.DeviceFingerprint, now time.Time) domain.FingerprintRecord {
	return domain.FingerprintRecord{
		LinkID:             linkID,
		BrowserHash:        fp.BrowserHash,
		DeviceHash:         fp.DeviceHash,
		SessionHash:        fp.SessionHash,
		OSFamily:           fp.OSFamily,
		DeviceCategory:     fp.DeviceCategory,
		BrowserType:        fp.BrowserType,
		Timezone:           fp.Timezone,
		Country:            fp.Geo.Country,
		Region:             fp.Geo.Region,
		City:               fp.Geo.City,
		GeoSource:          fp.Geo.Source,
		GeoConfidence:      fp.Geo.Confidence,
		Confidence:         fp.Confidence,
		CorrelationFactors: fp.CorrelationFactors,
		VisitCount:         1,
		FirstSeen:          now,
		LastSeen:           now,
	}
}
