package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetwatch/internal/domain"
)

// ErrNotFound is returned for queries on unknown robots. Ingestion never
// returns it; unseen robot ids are created implicitly.
var ErrNotFound = errors.New("robot not found")

// Persister is the optional write-through sink for accepted mutations.
// repo.Repo satisfies it. Persistence errors surface to the ingestion
// caller; the in-memory state stays authoritative either way.
type Persister interface {
	UpsertRobot(ctx context.Context, robot domain.Robot) error
	InsertReport(ctx context.Context, report domain.Report) error
	UpsertJob(ctx context.Context, job domain.JobRecord) error
	InsertError(ctx context.Context, evt domain.ErrorEvent) (int64, error)
}

// maxErrorsPerRobot bounds the in-memory error window. Older events stay
// in the database for rollups.
const maxErrorsPerRobot = 500

// Store is the authoritative fleet state. Mutations are atomic per robot:
// writers for different robots never block each other, writers for the
// same robot serialize on that robot's lock.
type Store struct {
	mu      sync.RWMutex
	robots  map[string]*robotState
	persist Persister
	Now     func() time.Time
}

type robotState struct {
	mu     sync.Mutex
	robot  domain.Robot
	latest *domain.Report
	jobs   map[string]*domain.JobRecord
	errors []domain.ErrorEvent
}

func New(persist Persister) *Store {
	return &Store{
		robots:  make(map[string]*robotState),
		persist: persist,
		Now:     time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// getOrCreate returns the state for a robot, creating a placeholder with
// unknown metadata on first sight.
func (s *Store) getOrCreate(robotID string, seenAt time.Time) *robotState {
	s.mu.RLock()
	rs, ok := s.robots[robotID]
	s.mu.RUnlock()
	if ok {
		return rs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok = s.robots[robotID]; ok {
		return rs
	}
	rs = &robotState{
		robot: domain.Robot{RobotID: robotID, FirstSeenAt: seenAt.UTC()},
		jobs:  make(map[string]*domain.JobRecord),
	}
	s.robots[robotID] = rs
	return rs
}

func (s *Store) get(robotID string) (*robotState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.robots[robotID]
	return rs, ok
}

// ReportUpdate carries one normalized health report plus the derived
// fields computed eagerly by the scorer.
type ReportUpdate struct {
	Report      domain.Report
	Hostname    string
	Platform    string
	Version     string
	OK          bool
	HealthScore int
}

// ReportOutcome describes what a health report changed. Applied is
// false only for byte-identical duplicates of the latest report.
// Advanced is false for stale replays (older report_at than the stored
// latest): those are persisted for history but are not a sign of life.
type ReportOutcome struct {
	Applied  bool
	Advanced bool
}

// UpsertHealthReport applies a health report. An out-of-order report
// never regresses last_seen_at or the derived robot fields; the caller
// can tell from the outcome whether liveness actually advanced.
func (s *Store) UpsertHealthReport(ctx context.Context, u ReportUpdate) (domain.Robot, ReportOutcome, error) {
	rs := s.getOrCreate(u.Report.RobotID, u.Report.ReportAt)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.latest != nil && rs.latest.ReportAt.Equal(u.Report.ReportAt) && sameReport(*rs.latest, u.Report) {
		return rs.robot, ReportOutcome{}, nil
	}

	stale := rs.latest != nil && u.Report.ReportAt.Before(rs.latest.ReportAt)
	if !stale {
		report := u.Report
		rs.latest = &report
		rs.robot.Hostname = u.Hostname
		rs.robot.Platform = u.Platform
		rs.robot.Version = u.Version
		rs.robot.OK = u.OK
		rs.robot.HealthScore = u.HealthScore
		if u.Report.ReportAt.After(rs.robot.LastSeenAt) {
			rs.robot.LastSeenAt = u.Report.ReportAt
		}
	}
	if rs.robot.FirstSeenAt.IsZero() || u.Report.ReportAt.Before(rs.robot.FirstSeenAt) {
		rs.robot.FirstSeenAt = u.Report.ReportAt
	}

	if s.persist != nil {
		// robot row first: reports reference it
		if err := s.persist.UpsertRobot(ctx, rs.robot); err != nil {
			return rs.robot, ReportOutcome{}, fmt.Errorf("persist robot: %w", err)
		}
		if err := s.persist.InsertReport(ctx, u.Report); err != nil {
			return rs.robot, ReportOutcome{}, fmt.Errorf("persist report: %w", err)
		}
	}
	return rs.robot, ReportOutcome{Applied: true, Advanced: !stale}, nil
}

func sameReport(a, b domain.Report) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// statusRank orders job statuses for the monotone-forward rule. RUNNING
// and BLOCKED share a rank so they may cycle.
func statusRank(status string) int {
	switch status {
	case domain.JobBacklog:
		return 0
	case domain.JobAssigned:
		return 1
	case domain.JobRunning, domain.JobBlocked:
		return 2
	case domain.JobDone, domain.JobFailed, domain.JobCancelled:
		return 3
	}
	return 0
}

// UpsertJob applies a job update. Returns the stored record and whether
// an observable change happened. Terminal jobs are immutable; status
// regressions and identical re-submissions are dropped without error so
// at-least-once reporters stay harmless.
func (s *Store) UpsertJob(ctx context.Context, job domain.JobRecord) (domain.JobRecord, bool, error) {
	now := s.now().UTC()
	rs := s.getOrCreate(job.RobotID, now)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	existing, ok := rs.jobs[job.JobID]
	if ok {
		if existing.Terminal() {
			return *existing, false, nil
		}
		if statusRank(job.Status) < statusRank(existing.Status) {
			return *existing, false, nil
		}
		if job.Status == existing.Status && job.Progress == existing.Progress && job.WorkUnitsDone == existing.WorkUnitsDone {
			return *existing, false, nil
		}
	}

	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobBacklog
	}
	stored := job
	rs.jobs[job.JobID] = &stored

	if s.persist != nil {
		if err := s.persist.UpsertRobot(ctx, rs.robot); err != nil {
			return stored, false, fmt.Errorf("persist robot: %w", err)
		}
		if err := s.persist.UpsertJob(ctx, stored); err != nil {
			return stored, false, fmt.Errorf("persist job: %w", err)
		}
	}
	return stored, true, nil
}

// AppendError records an error event. Always applied; the in-memory
// window is bounded, the database keeps full history.
func (s *Store) AppendError(ctx context.Context, evt domain.ErrorEvent) (domain.ErrorEvent, error) {
	rs := s.getOrCreate(evt.RobotID, evt.TS)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.UpsertRobot(ctx, rs.robot); err != nil {
			return evt, fmt.Errorf("persist robot: %w", err)
		}
		id, err := s.persist.InsertError(ctx, evt)
		if err != nil {
			return evt, fmt.Errorf("persist error event: %w", err)
		}
		evt.ID = id
	}
	rs.errors = append(rs.errors, evt)
	if len(rs.errors) > maxErrorsPerRobot {
		rs.errors = rs.errors[len(rs.errors)-maxErrorsPerRobot:]
	}
	return evt, nil
}

// RobotView is a consistent point-in-time copy of one robot's state.
type RobotView struct {
	Robot  domain.Robot
	Latest *domain.Report
	Jobs   []domain.JobRecord
	Errors []domain.ErrorEvent
}

// GetRobot returns a snapshot of one robot.
func (s *Store) GetRobot(robotID string) (RobotView, error) {
	rs, ok := s.get(robotID)
	if !ok {
		return RobotView{}, ErrNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.view(), nil
}

func (rs *robotState) view() RobotView {
	v := RobotView{Robot: rs.robot}
	if rs.latest != nil {
		latest := *rs.latest
		v.Latest = &latest
	}
	for _, j := range rs.jobs {
		v.Jobs = append(v.Jobs, *j)
	}
	sort.Slice(v.Jobs, func(i, j int) bool {
		return laterTime(v.Jobs[i].CreatedAt, v.Jobs[i].UpdatedAt).After(laterTime(v.Jobs[j].CreatedAt, v.Jobs[j].UpdatedAt))
	})
	v.Errors = append(v.Errors, rs.errors...)
	// newest first, matching the query APIs
	sort.Slice(v.Errors, func(i, j int) bool { return v.Errors[i].TS.After(v.Errors[j].TS) })
	return v
}

func laterTime(created *time.Time, updated time.Time) time.Time {
	if created != nil && created.After(updated) {
		return *created
	}
	return updated
}

// ListRobots returns every robot, most recently seen first.
func (s *Store) ListRobots() []domain.Robot {
	s.mu.RLock()
	states := make([]*robotState, 0, len(s.robots))
	for _, rs := range s.robots {
		states = append(states, rs)
	}
	s.mu.RUnlock()

	res := make([]domain.Robot, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		res = append(res, rs.robot)
		rs.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LastSeenAt.After(res[j].LastSeenAt) })
	return res
}

// Snapshot returns a view per robot for sweep-style evaluation. Each
// robot's lock is held only while copying that robot.
func (s *Store) Snapshot() []RobotView {
	s.mu.RLock()
	states := make([]*robotState, 0, len(s.robots))
	for _, rs := range s.robots {
		states = append(states, rs)
	}
	s.mu.RUnlock()

	res := make([]RobotView, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		res = append(res, rs.view())
		rs.mu.Unlock()
	}
	return res
}

// JobFilters narrows ListJobs. Zero values match everything.
type JobFilters struct {
	RobotID string
	Status  string
	Limit   int
}

// ListJobs returns jobs across the fleet, newest first.
func (s *Store) ListJobs(f JobFilters) []domain.JobRecord {
	var views []RobotView
	if f.RobotID != "" {
		v, err := s.GetRobot(f.RobotID)
		if err != nil {
			return nil
		}
		views = []RobotView{v}
	} else {
		views = s.Snapshot()
	}
	var res []domain.JobRecord
	for _, v := range views {
		for _, j := range v.Jobs {
			if f.Status != "" && j.Status != f.Status {
				continue
			}
			res = append(res, j)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return laterTime(res[i].CreatedAt, res[i].UpdatedAt).After(laterTime(res[j].CreatedAt, res[j].UpdatedAt))
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res
}

// ListErrors returns the most recent error events for one robot.
func (s *Store) ListErrors(robotID string, limit int) ([]domain.ErrorEvent, error) {
	v, err := s.GetRobot(robotID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(v.Errors) > limit {
		v.Errors = v.Errors[:limit]
	}
	return v.Errors, nil
}

// Loader supplies persisted state for warm starts. repo.Repo satisfies it.
type Loader interface {
	ListRobots(ctx context.Context) ([]domain.Robot, error)
	LatestReport(ctx context.Context, robotID string) (domain.Report, error)
	ListErrors(ctx context.Context, robotID string, limit int) ([]domain.ErrorEvent, error)
}

// JobLoader is the job side of warm starts, kept separate because the
// repo's filter type differs from the store's.
type JobLoader func(ctx context.Context, robotID string) ([]domain.JobRecord, error)

// Load restores fleet state from persistence. Call before serving.
func (s *Store) Load(ctx context.Context, l Loader, jobs JobLoader) error {
	robots, err := l.ListRobots(ctx)
	if err != nil {
		return fmt.Errorf("load robots: %w", err)
	}
	for _, robot := range robots {
		rs := s.getOrCreate(robot.RobotID, robot.FirstSeenAt)
		rs.mu.Lock()
		rs.robot = robot
		if report, err := l.LatestReport(ctx, robot.RobotID); err == nil {
			rs.latest = &report
		}
		if evts, err := l.ListErrors(ctx, robot.RobotID, maxErrorsPerRobot); err == nil {
			// repo returns newest first; the window is kept oldest first
			for i := len(evts) - 1; i >= 0; i-- {
				rs.errors = append(rs.errors, evts[i])
			}
		}
		if jobs != nil {
			recs, err := jobs(ctx, robot.RobotID)
			if err != nil {
				rs.mu.Unlock()
				return fmt.Errorf("load jobs for %s: %w", robot.RobotID, err)
			}
			for _, j := range recs {
				rec := j
				rs.jobs[j.JobID] = &rec
			}
		}
		rs.mu.Unlock()
	}
	return nil
}
