package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alkorolyov/dcmon/internal/labels"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "dcmon.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClient(t *testing.T, s *Storage, agentID string) *Client {
	t.Helper()
	c := &Client{
		AgentID:      agentID,
		Hostname:     agentID,
		PublicKey:    "-----BEGIN PUBLIC KEY-----\nMA==\n-----END PUBLIC KEY-----",
		BearerToken:  "dcmon_token_" + agentID,
		RegisteredAt: 1700000000,
		LastSeen:     1700000000,
	}
	if err := s.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return c
}

func TestSeriesIdentityUnique(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	lbl := labels.Canonical(map[string]string{"sensor": "CPU Temp"})
	hash := labels.Hash(lbl)

	s1, created, err := s.FindOrCreateSeries(ctx, "host01", "ipmi_temp_celsius", lbl, hash, KindInt)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if !created {
		t.Fatalf("expected first resolution to create the series")
	}

	s2, created, err := s.FindOrCreateSeries(ctx, "host01", "ipmi_temp_celsius", lbl, hash, KindInt)
	if err != nil {
		t.Fatalf("re-resolve series: %v", err)
	}
	if created {
		t.Fatalf("expected second resolution to find the existing series")
	}
	if s1.ID != s2.ID {
		t.Fatalf("series ids differ: %d vs %d", s1.ID, s2.ID)
	}

	// Different labels, same metric: a distinct series.
	lbl2 := labels.Canonical(map[string]string{"sensor": "VRM Temp"})
	s3, created, err := s.FindOrCreateSeries(ctx, "host01", "ipmi_temp_celsius", lbl2, labels.Hash(lbl2), KindInt)
	if err != nil {
		t.Fatalf("create second series: %v", err)
	}
	if !created || s3.ID == s1.ID {
		t.Fatalf("expected a new series for different labels")
	}

	all, err := s.ListSeries(ctx, SeriesQuery{AgentIDs: []string{"host01"}})
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 series, got %d", len(all))
	}
}

func TestDuplicatePointsIdempotent(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	series, _, err := s.FindOrCreateSeries(ctx, "host01", "network_receive_bytes_total", "", labels.Hash(""), KindInt)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}

	batch := []MetricPointInt{
		{SeriesID: series.ID, Timestamp: 1700000100, Value: 1000},
		{SeriesID: series.ID, Timestamp: 1700000200, Value: 3000},
	}
	if err := s.InsertIntPoints(ctx, batch); err != nil {
		t.Fatalf("insert points: %v", err)
	}
	// Retried submission: first writer wins, no duplicates.
	if err := s.InsertIntPoints(ctx, batch); err != nil {
		t.Fatalf("re-insert points: %v", err)
	}

	var count int64
	if err := s.DB().Model(&MetricPointInt{}).Count(&count).Error; err != nil {
		t.Fatalf("count points: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 points after duplicate submission, got %d", count)
	}
}

func TestPointsInRangeMergesTables(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	intSeries, _, err := s.FindOrCreateSeries(ctx, "host01", "memory_used_bytes", "", labels.Hash(""), KindInt)
	if err != nil {
		t.Fatalf("create int series: %v", err)
	}
	floatSeries, _, err := s.FindOrCreateSeries(ctx, "host01", "cpu_usage_percent", "", labels.Hash(""), KindFloat)
	if err != nil {
		t.Fatalf("create float series: %v", err)
	}

	if err := s.InsertIntPoints(ctx, []MetricPointInt{
		{SeriesID: intSeries.ID, Timestamp: 100, Value: 1024},
	}); err != nil {
		t.Fatalf("insert int: %v", err)
	}
	if err := s.InsertFloatPoints(ctx, []MetricPointFloat{
		{SeriesID: floatSeries.ID, Timestamp: 100, Value: 42.5},
	}); err != nil {
		t.Fatalf("insert float: %v", err)
	}

	points, err := s.PointsInRange(ctx, []uint64{intSeries.ID, floatSeries.ID}, 0, 200)
	if err != nil {
		t.Fatalf("points in range: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 merged points, got %d", len(points))
	}

	latest, err := s.LatestPoints(ctx, []uint64{intSeries.ID, floatSeries.ID})
	if err != nil {
		t.Fatalf("latest points: %v", err)
	}
	if latest[intSeries.ID].Value != 1024 || latest[floatSeries.ID].Value != 42.5 {
		t.Fatalf("unexpected latest values: %+v", latest)
	}
}

func TestRetentionSweepIdempotent(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	series, _, err := s.FindOrCreateSeries(ctx, "host01", "cpu_usage_percent", "", labels.Hash(""), KindFloat)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if err := s.InsertFloatPoints(ctx, []MetricPointFloat{
		{SeriesID: series.ID, Timestamp: 100, Value: 1},
		{SeriesID: series.ID, Timestamp: 200, Value: 2},
		{SeriesID: series.ID, Timestamp: 5000, Value: 3},
	}); err != nil {
		t.Fatalf("insert points: %v", err)
	}
	if err := s.InsertLogEntries(ctx, []LogEntry{
		{AgentID: "host01", Source: "syslog", Timestamp: 100, Severity: 6, Message: "old", ReceivedAt: 100},
		{AgentID: "host01", Source: "syslog", Timestamp: 5000, Severity: 6, Message: "new", ReceivedAt: 5000},
	}); err != nil {
		t.Fatalf("insert logs: %v", err)
	}

	sweep := func() (points, logs int64) {
		for {
			aff, err := s.DeleteFloatPointsBeforeLimited(ctx, 1000, 1)
			if err != nil {
				t.Fatalf("delete points: %v", err)
			}
			if aff == 0 {
				break
			}
			points += aff
		}
		for {
			aff, err := s.DeleteLogsBeforeLimited(ctx, 1000, 1)
			if err != nil {
				t.Fatalf("delete logs: %v", err)
			}
			if aff == 0 {
				break
			}
			logs += aff
		}
		return points, logs
	}

	p1, l1 := sweep()
	if p1 != 2 || l1 != 1 {
		t.Fatalf("first sweep deleted points=%d logs=%d", p1, l1)
	}
	// Back-to-back sweep is a no-op on an unchanged store.
	p2, l2 := sweep()
	if p2 != 0 || l2 != 0 {
		t.Fatalf("second sweep deleted points=%d logs=%d", p2, l2)
	}

	var remaining int64
	if err := s.DB().Model(&MetricPointFloat{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count points: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining point, got %d", remaining)
	}
}

func TestDeleteEmptySeries(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")

	kept, _, err := s.FindOrCreateSeries(ctx, "host01", "kept_metric", "", labels.Hash(""), KindInt)
	if err != nil {
		t.Fatalf("create kept series: %v", err)
	}
	if _, _, err := s.FindOrCreateSeries(ctx, "host01", "empty_metric", "", labels.Hash(""), KindInt); err != nil {
		t.Fatalf("create empty series: %v", err)
	}
	if err := s.InsertIntPoints(ctx, []MetricPointInt{{SeriesID: kept.ID, Timestamp: 1, Value: 1}}); err != nil {
		t.Fatalf("insert point: %v", err)
	}

	swept, err := s.DeleteEmptySeries(ctx)
	if err != nil {
		t.Fatalf("delete empty series: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept series, got %d", swept)
	}

	all, err := s.ListSeries(ctx, SeriesQuery{})
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(all) != 1 || all[0].MetricName != "kept_metric" {
		t.Fatalf("unexpected surviving series: %+v", all)
	}
}

func TestDeleteClientCascades(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	testClient(t, s, "host01")
	testClient(t, s, "host02")

	series, _, err := s.FindOrCreateSeries(ctx, "host01", "cpu_usage_percent", "", labels.Hash(""), KindFloat)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if err := s.InsertFloatPoints(ctx, []MetricPointFloat{{SeriesID: series.ID, Timestamp: 1, Value: 1}}); err != nil {
		t.Fatalf("insert point: %v", err)
	}
	if err := s.InsertLogEntries(ctx, []LogEntry{{AgentID: "host01", Source: "syslog", Timestamp: 1, Severity: 6, Message: "x", ReceivedAt: 1}}); err != nil {
		t.Fatalf("insert log: %v", err)
	}
	if err := s.CreateCommand(ctx, &Command{ID: "c1", AgentID: "host01", CommandType: "system_info", CreatedAt: 1}); err != nil {
		t.Fatalf("create command: %v", err)
	}

	if err := s.DeleteClient(ctx, "host01"); err != nil {
		t.Fatalf("delete client: %v", err)
	}
	if _, err := s.GetClient(ctx, "host01"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetClient(ctx, "host02"); err != nil {
		t.Fatalf("host02 should survive: %v", err)
	}

	all, err := s.ListSeries(ctx, SeriesQuery{})
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no series after cascade, got %d", len(all))
	}
}
