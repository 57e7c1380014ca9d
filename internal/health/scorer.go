// Package health derives the 0-100 score and liveness flag for a robot
// from its latest report and elapsed silence. Scoring is a pure function
// so it can run eagerly on ingestion and lazily on query.
package health

import (
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
)

const (
	okPenalty      = 40
	memPenalty     = 15
	loadPenalty    = 10
	recencyPenalty = 30
)

// Inputs for one evaluation.
type Inputs struct {
	Report           *domain.Report
	Silence          time.Duration
	OfflineThreshold time.Duration
	RecentErrors     int
}

// Result is the derived health state.
type Result struct {
	OK    bool
	Score int
}

// Evaluate computes the score: report recency decays linearly toward the
// offline threshold, recent errors and resource pressure each take a
// fixed penalty, and the robot's own ok flag dominates.
func Evaluate(cfg *config.Config, in Inputs) Result {
	if in.Report == nil {
		return Result{OK: false, Score: 0}
	}
	score := 100
	if !in.Report.OK {
		score -= okPenalty
	}
	if ratio, ok := memFreeRatio(in.Report.Metrics); ok && ratio < cfg.Health.MemFreeRatioMin {
		score -= memPenalty
	}
	if load, ok := loadAvg1(in.Report.Metrics); ok && load > cfg.Health.LoadAvgMax {
		score -= loadPenalty
	}
	if in.OfflineThreshold > 0 && in.Silence > 0 {
		frac := float64(in.Silence) / float64(in.OfflineThreshold)
		if frac > 1 {
			frac = 1
		}
		score -= int(frac * recencyPenalty)
	}
	score -= in.RecentErrors * cfg.Health.ErrorPenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	online := in.OfflineThreshold <= 0 || in.Silence <= in.OfflineThreshold
	return Result{OK: in.Report.OK && online, Score: score}
}

// HeartbeatInterval returns the robot's declared heartbeat period from its
// health blob, or fallback when undeclared.
func HeartbeatInterval(report *domain.Report, fallback time.Duration) time.Duration {
	if report == nil {
		return fallback
	}
	if v, ok := numeric(report.Health["heartbeat_interval_s"]); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}

// OK reads the robot's self-reported ok flag from its health blob. A
// report that omits the flag counts as healthy; only an explicit false
// is an outage claim.
func OK(report *domain.Report) bool {
	if report == nil {
		return false
	}
	if v, ok := report.Health["ok"].(bool); ok {
		return v
	}
	return true
}

// Version returns the robot's reported software version, if any.
func Version(report *domain.Report) string {
	if report == nil {
		return ""
	}
	if v, ok := report.Health["version"].(string); ok {
		return v
	}
	return ""
}

// RecentErrors counts events inside the trailing window ending at now.
func RecentErrors(errs []domain.ErrorEvent, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, e := range errs {
		if e.TS.After(cutoff) {
			n++
		}
	}
	return n
}

func memFreeRatio(metrics map[string]any) (float64, bool) {
	total, okTotal := numeric(metrics["totalmem"])
	free, okFree := numeric(metrics["freemem"])
	if !okTotal || !okFree || total <= 0 {
		return 0, false
	}
	return free / total, true
}

func loadAvg1(metrics map[string]any) (float64, bool) {
	switch v := metrics["loadavg"].(type) {
	case []any:
		if len(v) > 0 {
			return numeric(v[0])
		}
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	}
	return 0, false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
