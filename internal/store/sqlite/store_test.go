package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/visitid/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(linkID, browserHash, deviceHash string, seen time.Time) domain.FingerprintRecord {
	return domain.FingerprintRecord{
		LinkID:             linkID,
		BrowserHash:        browserHash,
		DeviceHash:         deviceHash,
		SessionHash:        "sess-" + browserHash,
		OSFamily:           "macos",
		DeviceCategory:     "desktop",
		BrowserType:        "chrome",
		Timezone:           "Europe/Rome",
		Country:            "Italy",
		Region:             "Lazio",
		City:               "Rome",
		GeoSource:          domain.GeoSourceEdgeHeaders,
		GeoConfidence:      95,
		Confidence:         85,
		CorrelationFactors: []string{"ip_stable", "timezone", "os"},
		VisitCount:         1,
		FirstSeen:          seen,
		LastSeen:           seen,
	}
}

func TestUpsertFingerprintVisitCount(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("link1", "b1", "d1", now)
	count, err := s.UpsertFingerprint(ctx, rec)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if count != 1 {
		t.Fatalf("first visit count = %d, want 1", count)
	}

	rec.LastSeen = now.Add(time.Hour)
	count, err = s.UpsertFingerprint(ctx, rec)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if count != 2 {
		t.Fatalf("second visit count = %d, want 2", count)
	}
}

func TestUpsertFingerprintConfidenceOnlyRises(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("link1", "b1", "d1", now)
	rec.Confidence = 85
	if _, err := s.UpsertFingerprint(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec.Confidence = 60
	if _, err := s.UpsertFingerprint(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetFingerprint(ctx, "link1", "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Confidence != 85 {
		t.Fatalf("stored confidence = %d, want 85 (must not regress)", got.Confidence)
	}
	if got.VisitCount != 2 {
		t.Fatalf("visit count = %d, want 2", got.VisitCount)
	}
}

func TestGetFingerprintRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := testRecord("link1", "b1", "d1", now)
	if _, err := s.UpsertFingerprint(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetFingerprint(ctx, "link1", "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeviceHash != "d1" || got.Country != "Italy" || got.Timezone != "Europe/Rome" {
		t.Fatalf("record mangled: %+v", got)
	}
	if len(got.CorrelationFactors) != 3 || got.CorrelationFactors[0] != "ip_stable" {
		t.Fatalf("correlation factors mangled: %v", got.CorrelationFactors)
	}
}

func TestGetFingerprintNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.GetFingerprint(context.Background(), "link1", "missing")
	if !errors.Is(err, domain.ErrFingerprintNotFound) {
		t.Fatalf("expected ErrFingerprintNotFound, got %v", err)
	}
}

func TestSiblingFingerprints(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, browser := range []string{"b1", "b2", "b3"} {
		if _, err := s.UpsertFingerprint(ctx, testRecord("link1", browser, "d1", now)); err != nil {
			t.Fatalf("upsert %s: %v", browser, err)
		}
	}
	// Different device and different link: never siblings.
	if _, err := s.UpsertFingerprint(ctx, testRecord("link1", "b4", "d2", now)); err != nil {
		t.Fatalf("upsert b4: %v", err)
	}
	if _, err := s.UpsertFingerprint(ctx, testRecord("link2", "b5", "d1", now)); err != nil {
		t.Fatalf("upsert b5: %v", err)
	}

	siblings, err := s.SiblingFingerprints(ctx, "link1", "d1", "b1")
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("got %d siblings, want 2", len(siblings))
	}
	for _, sib := range siblings {
		if sib.BrowserHash == "b1" {
			t.Fatal("excluded browser hash returned")
		}
		if sib.DeviceHash != "d1" || sib.LinkID != "link1" {
			t.Fatalf("wrong sibling returned: %+v", sib)
		}
	}
}

func TestEnvironmentMatches(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := testRecord("link1", "b1", "d1", now)
	if _, err := s.UpsertFingerprint(ctx, fresh); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stale := testRecord("link1", "b2", "d2", now.Add(-48*time.Hour))
	if _, err := s.UpsertFingerprint(ctx, stale); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	other := testRecord("link1", "b3", "d3", now)
	other.Timezone = "America/New_York"
	if _, err := s.UpsertFingerprint(ctx, other); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	q := domain.EnvironmentQuery{
		Timezone:          "Europe/Rome",
		Country:           "Italy",
		Region:            "Lazio",
		OSFamily:          "macos",
		DeviceCategory:    "desktop",
		ExcludeDeviceHash: "d9",
	}
	matches, err := s.EnvironmentMatches(ctx, "link1", q, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("environment matches: %v", err)
	}
	if len(matches) != 1 || matches[0].BrowserHash != "b1" {
		t.Fatalf("unexpected matches: %+v", matches)
	}

	q.ExcludeDeviceHash = "d1"
	matches, err = s.EnvironmentMatches(ctx, "link1", q, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("environment matches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("own device must be excluded, got %+v", matches)
	}
}

func TestUpsertCorrelationsMonotonicConfidence(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := domain.CorrelationEntry{
		DeviceClusterID: "cluster1",
		FingerprintHash: "b1",
		CorrelationType: domain.CorrelationTypeExactDevice,
		ConfidenceScore: 60,
		FirstCorrelated: now,
		LastConfirmed:   now,
	}
	if err := s.UpsertCorrelations(ctx, []domain.CorrelationEntry{entry}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	entry.ConfidenceScore = 40
	entry.LastConfirmed = now.Add(time.Hour)
	if err := s.UpsertCorrelations(ctx, []domain.CorrelationEntry{entry}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	entries, err := s.CorrelationsByCluster(ctx, "cluster1")
	if err != nil {
		t.Fatalf("by cluster: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ConfidenceScore != 60 {
		t.Fatalf("confidence = %d, want 60 (must not regress)", entries[0].ConfidenceScore)
	}

	entry.ConfidenceScore = 90
	if err := s.UpsertCorrelations(ctx, []domain.CorrelationEntry{entry}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	entries, err = s.CorrelationsByCluster(ctx, "cluster1")
	if err != nil {
		t.Fatalf("by cluster: %v", err)
	}
	if entries[0].ConfidenceScore != 90 {
		t.Fatalf("confidence = %d, want 90 (must rise)", entries[0].ConfidenceScore)
	}
}

func TestPurgeStaleFingerprints(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.UpsertFingerprint(ctx, testRecord("link1", "old", "d1", now.Add(-100*24*time.Hour))); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertFingerprint(ctx, testRecord("link1", "new", "d2", now)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	purged, err := s.PurgeStaleFingerprints(ctx, now.Add(-90*24*time.Hour), 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := s.GetFingerprint(ctx, "link1", "old"); !errors.Is(err, domain.ErrFingerprintNotFound) {
		t.Fatalf("old record should be gone, got %v", err)
	}
	if _, err := s.GetFingerprint(ctx, "link1", "new"); err != nil {
		t.Fatalf("fresh record must survive: %v", err)
	}
}
