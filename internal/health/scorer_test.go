package health

import (
	"testing"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
)

func report(ok bool, metrics map[string]any) *domain.Report {
	return &domain.Report{
		RobotID:  "r1",
		ReportAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		OK:       ok,
		Metrics:  metrics,
	}
}

func TestEvaluateFreshHealthyReport(t *testing.T) {
	cfg := config.Default()
	res := Evaluate(cfg, Inputs{
		Report:           report(true, map[string]any{"totalmem": 16.0, "freemem": 8.0, "loadavg": []any{1.0}}),
		OfflineThreshold: 3 * time.Minute,
	})
	if !res.OK || res.Score != 100 {
		t.Fatalf("expected ok/100, got ok=%v score=%d", res.OK, res.Score)
	}
}

func TestEvaluatePenalties(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		name    string
		metrics map[string]any
		ok      bool
		want    int
	}{
		{"not ok", nil, false, 60},
		{"low memory", map[string]any{"totalmem": 10.0, "freemem": 1.0}, true, 85},
		{"high load", map[string]any{"loadavg": []any{5.5}}, true, 90},
		{"everything wrong", map[string]any{"totalmem": 10.0, "freemem": 1.0, "loadavg": []any{9.0}}, false, 35},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate(cfg, Inputs{
				Report:           report(tc.ok, tc.metrics),
				OfflineThreshold: 3 * time.Minute,
			})
			if res.Score != tc.want {
				t.Fatalf("score %d, want %d", res.Score, tc.want)
			}
		})
	}
}

func TestEvaluateRecencyDecay(t *testing.T) {
	cfg := config.Default()
	threshold := 3 * time.Minute

	half := Evaluate(cfg, Inputs{
		Report:           report(true, nil),
		Silence:          90 * time.Second,
		OfflineThreshold: threshold,
	})
	if half.Score != 85 {
		t.Fatalf("half silence score %d, want 85", half.Score)
	}
	if !half.OK {
		t.Fatalf("robot within threshold must stay ok")
	}

	over := Evaluate(cfg, Inputs{
		Report:           report(true, nil),
		Silence:          10 * time.Minute,
		OfflineThreshold: threshold,
	})
	if over.OK {
		t.Fatalf("silent robot must not be ok")
	}
	if over.Score != 70 {
		t.Fatalf("decay must cap at the full penalty, got %d", over.Score)
	}
}

func TestEvaluateErrorPenaltyAndClamp(t *testing.T) {
	cfg := config.Default()
	res := Evaluate(cfg, Inputs{
		Report:           report(false, map[string]any{"totalmem": 10.0, "freemem": 0.5}),
		Silence:          time.Hour,
		OfflineThreshold: 3 * time.Minute,
		RecentErrors:     20,
	})
	if res.Score != 0 {
		t.Fatalf("score must clamp at 0, got %d", res.Score)
	}
}

func TestEvaluateNilReport(t *testing.T) {
	res := Evaluate(config.Default(), Inputs{})
	if res.OK || res.Score != 0 {
		t.Fatalf("nil report must score 0, got ok=%v score=%d", res.OK, res.Score)
	}
}

func TestHeartbeatInterval(t *testing.T) {
	fallback := time.Minute
	r := &domain.Report{Health: map[string]any{"heartbeat_interval_s": 30.0}}
	if got := HeartbeatInterval(r, fallback); got != 30*time.Second {
		t.Fatalf("declared interval ignored: %v", got)
	}
	if got := HeartbeatInterval(&domain.Report{}, fallback); got != fallback {
		t.Fatalf("fallback not used: %v", got)
	}
	if got := HeartbeatInterval(nil, fallback); got != fallback {
		t.Fatalf("nil report fallback: %v", got)
	}
}

func TestRecentErrors(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	evts := []domain.ErrorEvent{
		{TS: now.Add(-5 * time.Minute)},
		{TS: now.Add(-30 * time.Minute)},
		{TS: now.Add(-2 * time.Hour)},
	}
	if got := RecentErrors(evts, now, time.Hour); got != 2 {
		t.Fatalf("expected 2 recent errors, got %d", got)
	}
}
