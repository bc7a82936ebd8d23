package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestComputeTrendNeedsTwoWindows(t *testing.T) {
	if trend := computeTrend([]float64{10, 10, 10}); trend != "stable" {
		t.Errorf("trend with few samples = %s, want stable", trend)
	}
	if trend := computeTrend(nil); trend != "stable" {
		t.Errorf("trend with no samples = %s, want stable", trend)
	}
}

func TestComputeTrend(t *testing.T) {
	accelerating := []float64{10, 10, 10, 10, 10, 8, 8, 8, 8, 8}
	if trend := computeTrend(accelerating); trend != "accelerating" {
		t.Errorf("trend = %s, want accelerating", trend)
	}

	degrading := []float64{10, 10, 10, 10, 10, 12, 12, 12, 12, 12}
	if trend := computeTrend(degrading); trend != "degrading" {
		t.Errorf("trend = %s, want degrading", trend)
	}

	// 5% faster is inside the tolerance band
	stable := []float64{10, 10, 10, 10, 10, 9.5, 9.5, 9.5, 9.5, 9.5}
	if trend := computeTrend(stable); trend != "stable" {
		t.Errorf("trend = %s, want stable", trend)
	}
}

func TestComputeTrendUsesLastWindows(t *testing.T) {
	// old slow samples must not drown out the recent windows
	times := []float64{60, 60, 60, 10, 10, 10, 10, 10, 8, 8, 8, 8, 8}
	if trend := computeTrend(times); trend != "accelerating" {
		t.Errorf("trend = %s, want accelerating", trend)
	}
}

func TestComputeEta(t *testing.T) {
	// 12 completed in 2 hours averages 600s each; 18 remaining is 180min
	if eta := computeEta(18, 600); eta != 180 {
		t.Errorf("eta = %g, want 180", eta)
	}
	if eta := computeEta(0, 600); eta != 0 {
		t.Errorf("eta with empty queue = %g, want 0", eta)
	}
	if eta := computeEta(5, 0); eta != 0 {
		t.Errorf("eta without timing data = %g, want 0", eta)
	}
}

func TestHourKeyFormat(t *testing.T) {
	ts := time.Date(2026, 8, 25, 14, 37, 12, 0, time.UTC)
	key := hourKey(ts)
	if key != "2026-08-25 14:00" {
		t.Errorf("hourKey = %q, want %q", key, "2026-08-25 14:00")
	}
}

func TestBuildHourlyTimeline(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	counts := map[string]int{
		hourKey(now):                      3,
		hourKey(now.Add(-time.Hour)):      7,
		hourKey(now.Add(-47 * time.Hour)): 1,
		hourKey(now.Add(-60 * time.Hour)): 99, // outside the window
	}

	timeline := buildHourlyTimeline(counts, now)
	if len(timeline) != timelineBuckets {
		t.Fatalf("timeline has %d buckets, want %d", len(timeline), timelineBuckets)
	}

	if last := timeline[len(timeline)-1]; last.Hour != hourKey(now) || last.Count != 3 {
		t.Errorf("last bucket = %+v, want current hour with count 3", last)
	}
	if prev := timeline[len(timeline)-2]; prev.Count != 7 {
		t.Errorf("previous hour count = %d, want 7", prev.Count)
	}
	if first := timeline[0]; first.Count != 1 {
		t.Errorf("oldest bucket count = %d, want 1", first.Count)
	}

	total := 0
	for _, b := range timeline {
		total += b.Count
	}
	if total != 11 {
		t.Errorf("timeline total = %d, want 11 (out-of-window hours excluded)", total)
	}
}

func alertTypes(alerts []Alert) string {
	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	return strings.Join(types, ",")
}

func TestComputeAlertsQuietWhenHealthy(t *testing.T) {
	now := time.Now()
	alerts := computeAlerts(now, now.Add(-time.Minute), 5, 20, 0, "stable", false, "")
	if len(alerts) != 0 {
		t.Errorf("alerts = %s, want none", alertTypes(alerts))
	}
}

func TestComputeAlertsStallWarning(t *testing.T) {
	now := time.Now()
	alerts := computeAlerts(now, now.Add(-20*time.Minute), 3, 10, 0, "stable", false, "")
	if alertTypes(alerts) != AlertStallWarning {
		t.Errorf("alerts = %s, want %s", alertTypes(alerts), AlertStallWarning)
	}
	if alerts[0].Severity != "warning" {
		t.Errorf("stall severity = %s, want warning", alerts[0].Severity)
	}
	if alerts[0].Timestamp.IsZero() {
		t.Error("stall alert has no timestamp")
	}

	// an empty queue is idle, not stalled
	alerts = computeAlerts(now, now.Add(-20*time.Minute), 0, 10, 0, "stable", false, "")
	if len(alerts) != 0 {
		t.Errorf("alerts with empty queue = %s, want none", alertTypes(alerts))
	}
}

func TestComputeAlertsDegradation(t *testing.T) {
	now := time.Now()
	alerts := computeAlerts(now, now, 0, 10, 0, "degrading", false, "")
	if alertTypes(alerts) != AlertPerformanceDegradation {
		t.Errorf("alerts = %s, want %s", alertTypes(alerts), AlertPerformanceDegradation)
	}
	if alerts[0].Severity != "info" {
		t.Errorf("degradation severity = %s, want info", alerts[0].Severity)
	}
}

func TestComputeAlertsErrorRates(t *testing.T) {
	now := time.Now()

	// 2 of 10 is above the 10% line
	alerts := computeAlerts(now, now, 0, 8, 2, "stable", false, "")
	if alertTypes(alerts) != AlertHighErrorRate {
		t.Errorf("alerts = %s, want %s", alertTypes(alerts), AlertHighErrorRate)
	}
	if alerts[0].Severity != "error" {
		t.Errorf("error-rate severity = %s, want error", alerts[0].Severity)
	}

	// exactly 10% does not trip the alert
	alerts = computeAlerts(now, now, 0, 9, 1, "stable", false, "")
	if len(alerts) != 0 {
		t.Errorf("alerts at exactly 10%% = %s, want none", alertTypes(alerts))
	}

	// nothing but failures
	alerts = computeAlerts(now, now, 0, 0, 3, "stable", false, "")
	if alertTypes(alerts) != AlertAllErrors {
		t.Errorf("alerts = %s, want %s", alertTypes(alerts), AlertAllErrors)
	}
}

func TestComputeAlertsResourceExhausted(t *testing.T) {
	now := time.Now()
	alerts := computeAlerts(now, now, 0, 5, 0, "stable", true, "disk full")
	if alertTypes(alerts) != AlertResourceExhausted {
		t.Errorf("alerts = %s, want %s", alertTypes(alerts), AlertResourceExhausted)
	}
	if alerts[0].Message != "disk full" {
		t.Errorf("alert message = %q, want halt reason", alerts[0].Message)
	}
}

func TestMean(t *testing.T) {
	if m := mean(nil); m != 0 {
		t.Errorf("mean(nil) = %g, want 0", m)
	}
	if m := mean([]float64{2, 4, 6}); m != 4 {
		t.Errorf("mean = %g, want 4", m)
	}
}

// TestSnapshotShape pins the JSON field names the dashboard and the
// websocket feed consume.
func TestSnapshotShape(t *testing.T) {
	env := newTestEnv(t)
	stats, err := env.pipe.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("failed to marshal snapshot: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("failed to unmarshal snapshot: %v", err)
	}

	section := func(name string, keys ...string) {
		t.Helper()
		sub, ok := doc[name].(map[string]interface{})
		if !ok {
			t.Fatalf("snapshot lacks object %q", name)
		}
		for _, key := range keys {
			if _, ok := sub[key]; !ok {
				t.Errorf("%s lacks key %q", name, key)
			}
		}
	}
	section("current", "is_processing", "current_file", "current_stage", "progress", "error")
	section("pipeline", "input_queue", "analysed_queue", "completed_total", "completed_session")
	section("performance", "pictures_per_hour", "avg_time_per_image", "eta_minutes", "eta_timestamp", "processing_trend")
	section("history", "session_duration_hours", "error_count", "hourly_timeline", "error_log")
	if _, ok := doc["alerts"]; !ok {
		t.Error("snapshot lacks alerts")
	}
	if _, ok := doc["tags"]; !ok {
		t.Error("snapshot lacks tags")
	}
}

// TestSnapshotQueuesAndEta covers the two queue counters: the input
// count must not be inflated by watcher-debounced files, and the
// analysed backlog joins the remaining work.
func TestSnapshotQueuesAndEta(t *testing.T) {
	env := newTestEnv(t)

	env.dropInput(t, "scan_0001.tif", "incoming pixels")
	if _, err := env.pipe.Watcher.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	// one analysed original without output, one already enhanced
	for _, name := range []string{"2026-01-01_100000.tif", "2026-01-01_110000.tif"} {
		if err := os.WriteFile(filepath.Join(env.cfg.AnalysedDir, name), []byte(name), 0644); err != nil {
			t.Fatalf("failed to write analysed file: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(env.cfg.OutputDir, "2026-01-01_110000.jpg"), []byte("done"), 0644); err != nil {
		t.Fatalf("failed to write output file: %v", err)
	}

	env.pipe.processingTimes = []float64{600}

	stats, err := env.pipe.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if stats.Pipeline.InputQueue != 1 {
		t.Errorf("input queue = %d, want 1 (debounced files counted once)", stats.Pipeline.InputQueue)
	}
	if stats.Pipeline.AnalysedQueue != 1 {
		t.Errorf("analysed queue = %d, want 1 (enhanced originals excluded)", stats.Pipeline.AnalysedQueue)
	}
	// 2 remaining at 600s each is 20 minutes
	if stats.Performance.EtaMinutes != 20 {
		t.Errorf("eta = %g minutes, want 20", stats.Performance.EtaMinutes)
	}
	if stats.Performance.EtaTimestamp == "" {
		t.Error("eta timestamp empty with a non-zero eta")
	}
}
