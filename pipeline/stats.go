package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mdopp/diabay/database"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/utils"
)

// telemetry thresholds
const (
	trendWindow        = 5
	trendTolerance     = 0.10
	stallThreshold     = 15 * time.Minute
	errorRateThreshold = 0.10
	timelineBuckets    = 48
	topTagCount        = 10
)

// CurrentStats describes the image in flight right now. Error carries
// the last per-file failure until the next stage begins.
type CurrentStats struct {
	IsProcessing bool    `json:"is_processing"`
	CurrentFile  string  `json:"current_file"`
	CurrentStage string  `json:"current_stage"`
	Progress     float64 `json:"progress"`
	Error        string  `json:"error"`
}

// PipelineCounts are the directory queues and completion counters
type PipelineCounts struct {
	InputQueue       int   `json:"input_queue"`
	AnalysedQueue    int   `json:"analysed_queue"`
	CompletedTotal   int64 `json:"completed_total"`
	CompletedSession int   `json:"completed_session"`
}

// Performance summarizes throughput for the operator display
type Performance struct {
	PicturesPerHour float64 `json:"pictures_per_hour"`
	AvgTimePerImage float64 `json:"avg_time_per_image"`
	EtaMinutes      float64 `json:"eta_minutes"`
	EtaTimestamp    string  `json:"eta_timestamp"`
	ProcessingTrend string  `json:"processing_trend"`
}

// HourlyBucket is one hour of the completion timeline
type HourlyBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// History carries the session duration, the hourly timeline and the
// recent error ring
type History struct {
	SessionDurationHours float64                `json:"session_duration_hours"`
	ErrorCount           int                    `json:"error_count"`
	HourlyTimeline       []HourlyBucket         `json:"hourly_timeline"`
	ErrorLog             []models.ErrorLogEntry `json:"error_log"`
}

// Alert is one active operator warning
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// alert types
const (
	AlertStallWarning           = "stall_warning"
	AlertPerformanceDegradation = "performance_degradation"
	AlertHighErrorRate          = "high_error_rate"
	AlertAllErrors              = "all_errors"
	AlertResourceExhausted      = "resource_exhausted"
)

// Stats is the full telemetry snapshot served to the dashboard
type Stats struct {
	Current     CurrentStats      `json:"current"`
	Pipeline    PipelineCounts    `json:"pipeline"`
	Performance Performance       `json:"performance"`
	History     History           `json:"history"`
	Alerts      []Alert           `json:"alerts"`
	Tags        database.TagStats `json:"tags"`
	Halted      bool              `json:"halted"`
}

// Snapshot assembles the telemetry snapshot. It reads counters and never
// mutates pipeline state, so it is safe to call at any time, including
// while the lane is mid-stage or the pipeline is halted.
func (p *Pipeline) Snapshot() (Stats, error) {
	now := time.Now()

	p.mu.Lock()
	current := CurrentStats{
		IsProcessing: p.currentFile != "",
		CurrentFile:  p.currentFile,
		CurrentStage: p.currentStage,
		Progress:     p.currentProgress,
		Error:        p.currentError,
	}
	times := make([]float64, len(p.processingTimes))
	copy(times, p.processingTimes)
	lastActivity := p.lastActivity
	sessionStart := p.sessionStart
	session := p.session
	halted := p.halted
	haltReason := p.haltReason
	p.mu.Unlock()

	inputQueue := countRasterFiles(p.Config.InputDir)
	analysedQueue := p.countAnalysedBacklog()

	counts := PipelineCounts{
		InputQueue:    inputQueue,
		AnalysedQueue: analysedQueue,
	}
	history := History{
		HourlyTimeline: []HourlyBucket{},
		ErrorLog:       []models.ErrorLogEntry{},
	}
	if !sessionStart.IsZero() {
		history.SessionDurationHours = now.Sub(sessionStart).Hours()
	}

	if session != nil {
		fresh, err := p.Sessions.GetActive()
		if err == nil {
			counts.CompletedSession = fresh.CompletedCount
			history.ErrorCount = fresh.ErrorCount
		} else {
			log.Printf("pipeline: stats could not load active session: %v", err)
		}
		if hourly, err := p.Sessions.HourlyCounts(session.ID); err == nil {
			history.HourlyTimeline = buildHourlyTimeline(hourly, now)
		}
		if ring, err := p.Sessions.ErrorLog(session.ID); err == nil {
			history.ErrorLog = ring
		}
	}

	if p.StatsDB != nil {
		if total, err := database.CountCompletedImages(p.StatsDB); err == nil {
			counts.CompletedTotal = total
		} else {
			log.Printf("pipeline: stats could not count completed images: %v", err)
		}
	}

	avgSeconds := mean(times)
	remaining := inputQueue + analysedQueue
	trend := computeTrend(times)
	eta := computeEta(remaining, avgSeconds)
	perf := Performance{
		AvgTimePerImage: avgSeconds,
		EtaMinutes:      eta,
		ProcessingTrend: trend,
	}
	if eta > 0 {
		perf.EtaTimestamp = now.Add(time.Duration(eta * float64(time.Minute))).Format(time.RFC3339)
	}
	if !sessionStart.IsZero() {
		elapsedHours := now.Sub(sessionStart).Hours()
		if elapsedHours > 0 {
			perf.PicturesPerHour = float64(counts.CompletedSession) / elapsedHours
		}
	}

	stats := Stats{
		Current:     current,
		Pipeline:    counts,
		Performance: perf,
		History:     history,
		Alerts:      computeAlerts(now, lastActivity, remaining, counts.CompletedSession, history.ErrorCount, trend, halted, haltReason),
		Halted:      halted,
	}

	if p.StatsDB != nil {
		tags, err := database.GetTagStats(p.StatsDB, topTagCount)
		if err != nil {
			log.Printf("pipeline: stats could not aggregate tags: %v", err)
		}
		stats.Tags = tags
	}

	return stats, nil
}

// computeTrend compares the mean of the last trendWindow processing times
// against the window before it. Differences within the tolerance band
// read as stable so the display does not flap.
func computeTrend(times []float64) string {
	if len(times) < 2*trendWindow {
		return "stable"
	}
	recent := mean(times[len(times)-trendWindow:])
	previous := mean(times[len(times)-2*trendWindow : len(times)-trendWindow])
	if previous == 0 {
		return "stable"
	}
	switch {
	case recent < previous*(1-trendTolerance):
		return "accelerating"
	case recent > previous*(1+trendTolerance):
		return "degrading"
	default:
		return "stable"
	}
}

// computeEta estimates minutes until the queue drains at the current rate
func computeEta(remaining int, avgSeconds float64) float64 {
	if remaining <= 0 || avgSeconds <= 0 {
		return 0
	}
	return float64(remaining) * avgSeconds / 60
}

// buildHourlyTimeline lays the session's sparse hourly counters onto a
// dense window ending at the current hour
func buildHourlyTimeline(counts map[string]int, now time.Time) []HourlyBucket {
	start := now.Truncate(time.Hour).Add(-time.Duration(timelineBuckets-1) * time.Hour)
	buckets := make([]HourlyBucket, 0, timelineBuckets)
	for i := 0; i < timelineBuckets; i++ {
		key := hourKey(start.Add(time.Duration(i) * time.Hour))
		buckets = append(buckets, HourlyBucket{Hour: key, Count: counts[key]})
	}
	return buckets
}

func computeAlerts(now, lastActivity time.Time, pending, completed, errorCount int, trend string, halted bool, haltReason string) []Alert {
	alerts := []Alert{}

	if halted {
		alerts = append(alerts, Alert{
			Type:      AlertResourceExhausted,
			Severity:  "error",
			Message:   haltReason,
			Timestamp: now,
		})
	}
	if pending > 0 && !lastActivity.IsZero() && now.Sub(lastActivity) > stallThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertStallWarning,
			Severity:  "warning",
			Message:   fmt.Sprintf("Pipeline idle with %d pending file(s)", pending),
			Timestamp: now,
		})
	}
	if trend == "degrading" {
		alerts = append(alerts, Alert{
			Type:      AlertPerformanceDegradation,
			Severity:  "info",
			Message:   "Processing speed has slowed down",
			Timestamp: now,
		})
	}

	total := completed + errorCount
	if total > 0 && errorCount > 0 {
		if completed == 0 {
			alerts = append(alerts, Alert{
				Type:      AlertAllErrors,
				Severity:  "error",
				Message:   fmt.Sprintf("%d file(s) failed with errors this session", errorCount),
				Timestamp: now,
			})
		} else if float64(errorCount)/float64(total) > errorRateThreshold {
			alerts = append(alerts, Alert{
				Type:      AlertHighErrorRate,
				Severity:  "error",
				Message:   fmt.Sprintf("High error rate: %d errors out of %d files", errorCount, total),
				Timestamp: now,
			})
		}
	}
	return alerts
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func countRasterFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && utils.IsRasterImage(entry.Name()) {
			n++
		}
	}
	return n
}

// countAnalysedBacklog counts analysed originals that have no enhanced
// output yet. Together with the input queue they are the remaining work.
func (p *Pipeline) countAnalysedBacklog() int {
	entries, err := os.ReadDir(p.Config.AnalysedDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !utils.IsRasterImage(entry.Name()) {
			continue
		}
		output := filepath.Join(p.Config.OutputDir, replaceExt(entry.Name(), ".jpg"))
		if _, err := os.Stat(output); err != nil {
			n++
		}
	}
	return n
}
