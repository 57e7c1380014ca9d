package rollup

import (
	"context"
	"testing"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestRunAggregatesOneDay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	robot := domain.Robot{RobotID: "r1", FirstSeenAt: day, LastSeenAt: day.Add(23 * time.Hour)}
	if err := r.UpsertRobot(ctx, robot); err != nil {
		t.Fatalf("seed robot: %v", err)
	}

	// three DONE jobs with 4+3+5 units, one FAILED that must not count
	units := []int{4, 3, 5}
	for i, u := range units {
		job := domain.JobRecord{
			JobID:         "j" + string(rune('a'+i)),
			RobotID:       "r1",
			Status:        domain.JobDone,
			WorkUnitsDone: u,
			EndedAt:       ptrTime(day.Add(time.Duration(i+1) * time.Hour)),
			UpdatedAt:     day.Add(time.Duration(i+1) * time.Hour),
		}
		if err := r.UpsertJob(ctx, job); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	if err := r.UpsertJob(ctx, domain.JobRecord{
		JobID: "jf", RobotID: "r1", Status: domain.JobFailed, WorkUnitsDone: 9,
		EndedAt: ptrTime(day.Add(4 * time.Hour)), UpdatedAt: day.Add(4 * time.Hour),
	}); err != nil {
		t.Fatalf("seed failed job: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.InsertError(ctx, domain.ErrorEvent{
			RobotID: "r1", TS: day.Add(time.Duration(i) * time.Hour), Message: "boom", Fingerprint: "E1",
		}); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	// reports every minute for one hour: exactly 60 minutes of coverage
	for i := 0; i < 60; i++ {
		if err := r.InsertReport(ctx, domain.Report{
			RobotID: "r1", ReportAt: day.Add(time.Duration(i) * time.Minute), OK: true,
		}); err != nil {
			t.Fatalf("seed report: %v", err)
		}
	}

	roller := New(config.Default(), r)
	summaries, err := roller.Run(ctx, "2026-08-29")
	if err != nil {
		t.Fatalf("run rollup: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.JobsDone != 3 {
		t.Fatalf("jobs_done %d, want 3", s.JobsDone)
	}
	if s.WorkUnitsTotal != 12 {
		t.Fatalf("work_units_total %d, want 12", s.WorkUnitsTotal)
	}
	if s.ErrorCount != 2 {
		t.Fatalf("error_count %d, want 2", s.ErrorCount)
	}
	// 59 one-minute gaps plus the trailing offline threshold (3 minutes)
	if s.UptimeMinutes != 62 {
		t.Fatalf("uptime_minutes %d, want 62", s.UptimeMinutes)
	}
	if len(s.TopErrors) != 1 || s.TopErrors[0].Fingerprint != "E1" || s.TopErrors[0].Count != 2 {
		t.Fatalf("top_errors %+v", s.TopErrors)
	}

	// re-running is idempotent and overwrites
	if _, err := roller.Run(ctx, "2026-08-29"); err != nil {
		t.Fatalf("re-run rollup: %v", err)
	}
	stored, err := r.ListDailySummaries(ctx, "2026-08-29")
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("re-run duplicated the summary: %d rows", len(stored))
	}
	if stored[0].JobsDone != 3 || stored[0].WorkUnitsTotal != 12 {
		t.Fatalf("stored summary drifted: %+v", stored[0])
	}
}

func TestSchedulerBackfillsMissedDay(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	if err := r.UpsertRobot(ctx, domain.Robot{
		RobotID: "r1", FirstSeenAt: day, LastSeenAt: day.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed robot: %v", err)
	}
	if err := r.UpsertJob(ctx, domain.JobRecord{
		JobID: "j1", RobotID: "r1", Status: domain.JobDone, WorkUnitsDone: 4,
		EndedAt: ptrTime(day.Add(2 * time.Hour)), UpdatedAt: day.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	// the process comes back mid-morning the day after the boundary passed
	roller := New(config.Default(), r)
	roller.Now = func() time.Time { return day.Add(34 * time.Hour) }

	done := make(chan error, 1)
	go func() { done <- roller.RunScheduler(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		rows, err := r.ListDailySummaries(context.Background(), "2026-08-29")
		if err != nil {
			t.Fatalf("list summaries: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].JobsDone != 1 || rows[0].WorkUnitsTotal != 4 {
				t.Fatalf("backfilled summary %+v", rows[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("missed day was never backfilled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRunRejectsBadDate(t *testing.T) {
	roller := New(config.Default(), newTestRepo(t))
	if _, err := roller.Run(context.Background(), "29-08-2026"); err == nil {
		t.Fatalf("expected error for bad date")
	}
}

func TestTopErrorsRanking(t *testing.T) {
	evts := []domain.ErrorEvent{
		{Fingerprint: "A"}, {Fingerprint: "A"}, {Fingerprint: "A"},
		{Fingerprint: "B"}, {Fingerprint: "B"},
		{Fingerprint: "C"}, {Fingerprint: "D"},
	}
	top := topErrors(evts, 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(top))
	}
	if top[0].Fingerprint != "A" || top[0].Count != 3 {
		t.Fatalf("top entry %+v", top[0])
	}
	if top[1].Fingerprint != "B" || top[2].Fingerprint != "C" {
		t.Fatalf("ranking wrong: %+v", top)
	}
}

func TestCoverageMinutes(t *testing.T) {
	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	dayEnd := base.Add(24 * time.Hour)
	threshold := 3 * time.Minute

	// two reports 1 minute apart, then a long gap, then one more
	times := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Hour)}
	// 1 min between the pair, 3 min trailing each isolated report
	if got := coverageMinutes(times, dayEnd, threshold); got != 7 {
		t.Fatalf("coverage %d, want 7", got)
	}
	if got := coverageMinutes(nil, dayEnd, threshold); got != 0 {
		t.Fatalf("empty coverage %d", got)
	}
}
