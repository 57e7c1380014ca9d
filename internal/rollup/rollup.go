// Package rollup aggregates one UTC day of fleet activity into per-robot
// daily summaries. A rollup can be re-run for the same day at any time;
// it overwrites the previous record for each (date, robot) pair.
package rollup

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/repo"
)

const dateLayout = "2006-01-02"

// Roller computes and stores daily summaries.
type Roller struct {
	cfg  *config.Config
	repo repo.Repo
	Now  func() time.Time
}

func New(cfg *config.Config, r repo.Repo) *Roller {
	return &Roller{cfg: cfg, repo: r, Now: time.Now}
}

func (ro *Roller) now() time.Time {
	if ro.Now != nil {
		return ro.Now()
	}
	return time.Now()
}

// Run aggregates the given date (YYYY-MM-DD, UTC day) for every known
// robot and returns the summaries it wrote.
func (ro *Roller) Run(ctx context.Context, date string) ([]domain.DailySummary, error) {
	day, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	from, to := day, day.Add(24*time.Hour)

	robots, err := ro.repo.ListRobots(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.DailySummary
	for _, robot := range robots {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s, err := ro.summarize(ctx, robot.RobotID, date, from, to)
		if err != nil {
			return out, fmt.Errorf("rollup %s/%s: %w", date, robot.RobotID, err)
		}
		if err := ro.repo.UpsertDailySummary(ctx, s); err != nil {
			return out, fmt.Errorf("store rollup %s/%s: %w", date, robot.RobotID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (ro *Roller) summarize(ctx context.Context, robotID, date string, from, to time.Time) (domain.DailySummary, error) {
	jobs, err := ro.repo.JobsEndedBetween(ctx, robotID, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}
	done, units := 0, 0
	for _, job := range jobs {
		if job.Status == domain.JobDone {
			done++
			units += job.WorkUnitsDone
		}
	}

	errs, err := ro.repo.ErrorsBetween(ctx, robotID, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}

	times, err := ro.repo.ReportTimes(ctx, robotID, from, to)
	if err != nil {
		return domain.DailySummary{}, err
	}
	uptime := coverageMinutes(times, to, ro.cfg.OfflineThreshold(ro.cfg.HeartbeatInterval()))

	s := domain.DailySummary{
		Date:           date,
		RobotID:        robotID,
		JobsDone:       done,
		WorkUnitsTotal: units,
		UptimeMinutes:  uptime,
		ErrorCount:     len(errs),
		TopErrors:      topErrors(errs, ro.cfg.Rollup.TopErrors),
		Summary: fmt.Sprintf("Completed %d jobs, %d work units. %d errors, %d min uptime.",
			done, units, len(errs), uptime),
	}
	return s, nil
}

// coverageMinutes treats each report as covering forward until the next
// report or the offline threshold, whichever comes first, clipped to the
// end of the day.
func coverageMinutes(times []time.Time, dayEnd time.Time, threshold time.Duration) int {
	if threshold <= 0 || len(times) == 0 {
		return 0
	}
	var covered time.Duration
	for i, t := range times {
		until := t.Add(threshold)
		if i+1 < len(times) && times[i+1].Before(until) {
			until = times[i+1]
		}
		if until.After(dayEnd) {
			until = dayEnd
		}
		if until.After(t) {
			covered += until.Sub(t)
		}
	}
	return int(covered / time.Minute)
}

// topErrors ranks fingerprints by occurrence count, ties broken by name.
func topErrors(errs []domain.ErrorEvent, limit int) []domain.TopError {
	counts := make(map[string]int)
	for _, e := range errs {
		if e.Fingerprint != "" {
			counts[e.Fingerprint]++
		}
	}
	res := make([]domain.TopError, 0, len(counts))
	for fp, n := range counts {
		res = append(res, domain.TopError{Fingerprint: fp, Count: n})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Fingerprint < res[j].Fingerprint
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// RunScheduler blocks until ctx is done, rolling up the previous UTC day
// once the boundary hour passes. On start it backfills the last closed
// day if no record exists for it, so a boundary missed while the process
// was down is not lost.
func (ro *Roller) RunScheduler(ctx context.Context) error {
	ro.catchUp(ctx)
	for {
		now := ro.now().UTC()
		next := nextBoundary(now, ro.cfg.Rollup.BoundaryHourUTC)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}
		date := ro.now().UTC().Add(-24 * time.Hour).Format(dateLayout)
		if _, err := ro.Run(ctx, date); err != nil && ctx.Err() == nil {
			log.Printf("rollup: daily run for %s: %v", date, err)
		}
	}
}

// catchUp rolls the most recently closed day when nothing is recorded
// for it yet. Best effort; the manual trigger remains for anything older.
func (ro *Roller) catchUp(ctx context.Context) {
	now := ro.now().UTC()
	last := nextBoundary(now, ro.cfg.Rollup.BoundaryHourUTC).Add(-24 * time.Hour)
	date := last.Add(-24 * time.Hour).Format(dateLayout)
	rows, err := ro.repo.ListDailySummaries(ctx, date)
	if err != nil {
		log.Printf("rollup: catch-up check %s: %v", date, err)
		return
	}
	if len(rows) > 0 {
		return
	}
	if _, err := ro.Run(ctx, date); err != nil && ctx.Err() == nil {
		log.Printf("rollup: catch-up run for %s: %v", date, err)
	}
}

func nextBoundary(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
