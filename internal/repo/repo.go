package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/domain"
)

// Repo persists fleet state in SQLite. The in-memory store stays
// authoritative; the repo makes restarts survivable and serves the
// history-heavy queries (rollups, diagnostics).
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Writes retry briefly when SQLite reports contention so callers never see
// transient lock errors.
const (
	busyRetries = 5
	busyBackoff = 20 * time.Millisecond
)

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		res, err := r.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busyBackoff * time.Duration(attempt+1)):
		}
	}
	return nil, fmt.Errorf("store contention: %w", lastErr)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func (r Repo) UpsertRobot(ctx context.Context, robot domain.Robot) error {
	_, err := r.exec(ctx, `INSERT INTO robots(robot_id,hostname,platform,version,first_seen_at,last_seen_at,ok,health_score) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(robot_id) DO UPDATE SET hostname=excluded.hostname, platform=excluded.platform, version=excluded.version,
last_seen_at=excluded.last_seen_at, ok=excluded.ok, health_score=excluded.health_score`,
		robot.RobotID, nullable(robot.Hostname), nullable(robot.Platform), nullable(robot.Version),
		formatTime(robot.FirstSeenAt), formatTime(robot.LastSeenAt), boolInt(robot.OK), robot.HealthScore)
	return err
}

func (r Repo) GetRobot(ctx context.Context, robotID string) (domain.Robot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT robot_id,COALESCE(hostname,''),COALESCE(platform,''),COALESCE(version,''),first_seen_at,last_seen_at,ok,health_score FROM robots WHERE robot_id=?`, robotID)
	return scanRobot(row)
}

func (r Repo) ListRobots(ctx context.Context) ([]domain.Robot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT robot_id,COALESCE(hostname,''),COALESCE(platform,''),COALESCE(version,''),first_seen_at,last_seen_at,ok,health_score FROM robots ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Robot
	for rows.Next() {
		var robot domain.Robot
		var first, last sql.NullString
		if err := rows.Scan(&robot.RobotID, &robot.Hostname, &robot.Platform, &robot.Version, &first, &last, &robot.OK, &robot.HealthScore); err != nil {
			return nil, err
		}
		robot.FirstSeenAt = parseTime(first)
		robot.LastSeenAt = parseTime(last)
		res = append(res, robot)
	}
	return res, rows.Err()
}

func scanRobot(row *sql.Row) (domain.Robot, error) {
	var robot domain.Robot
	var first, last sql.NullString
	err := row.Scan(&robot.RobotID, &robot.Hostname, &robot.Platform, &robot.Version, &first, &last, &robot.OK, &robot.HealthScore)
	if err == sql.ErrNoRows {
		return robot, ErrNotFound
	}
	if err != nil {
		return robot, err
	}
	robot.FirstSeenAt = parseTime(first)
	robot.LastSeenAt = parseTime(last)
	return robot, nil
}

func (r Repo) InsertReport(ctx context.Context, report domain.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO health_reports(robot_id,report_at,ok,payload_json) VALUES (?,?,?,?)`,
		report.RobotID, formatTime(report.ReportAt), boolInt(report.OK), string(payload))
	return err
}

func (r Repo) LatestReport(ctx context.Context, robotID string) (domain.Report, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM health_reports WHERE robot_id=? ORDER BY report_at DESC, id DESC LIMIT 1`, robotID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Report{}, ErrNotFound
	}
	if err != nil {
		return domain.Report{}, err
	}
	var report domain.Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return domain.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

// ReportTimes returns report_at instants for one robot inside [from, to),
// oldest first. Used by the rollup to derive uptime coverage.
func (r Repo) ReportTimes(ctx context.Context, robotID string, from, to time.Time) ([]time.Time, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT report_at FROM health_reports WHERE robot_id=? AND report_at>=? AND report_at<? ORDER BY report_at ASC`,
		robotID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			res = append(res, t)
		}
	}
	return res, rows.Err()
}

func (r Repo) UpsertJob(ctx context.Context, job domain.JobRecord) error {
	metrics, err := marshalMap(job.Metrics)
	if err != nil {
		return err
	}
	lastErr, err := marshalMap(job.LastError)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO jobs(job_id,robot_id,job_type,title,status,priority,progress,stage,work_units_total,work_units_done,metrics_json,last_error_json,created_at,started_at,ended_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET robot_id=excluded.robot_id, job_type=excluded.job_type, title=excluded.title,
status=excluded.status, priority=excluded.priority, progress=excluded.progress, stage=excluded.stage,
work_units_total=excluded.work_units_total, work_units_done=excluded.work_units_done,
metrics_json=excluded.metrics_json, last_error_json=excluded.last_error_json,
created_at=excluded.created_at, started_at=excluded.started_at, ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		job.JobID, job.RobotID, nullable(job.JobType), nullable(job.Title), job.Status, job.Priority,
		job.Progress, nullable(job.Stage), job.WorkUnitsTotal, job.WorkUnitsDone, metrics, lastErr,
		formatTimePtr(job.CreatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.EndedAt), formatTime(job.UpdatedAt))
	return err
}

// JobFilters narrows ListJobs. Zero values match everything.
type JobFilters struct {
	RobotID string
	Status  string
	Limit   int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.JobRecord, error) {
	var clauses []string
	var args []any
	if f.RobotID != "" {
		clauses = append(clauses, "robot_id=?")
		args = append(args, f.RobotID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT job_id,robot_id,COALESCE(job_type,''),COALESCE(title,''),status,priority,progress,COALESCE(stage,''),work_units_total,work_units_done,metrics_json,last_error_json,created_at,started_at,ended_at,updated_at FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

// JobsEndedBetween returns jobs whose ended_at falls in [from, to),
// regardless of final status.
func (r Repo) JobsEndedBetween(ctx context.Context, robotID string, from, to time.Time) ([]domain.JobRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,robot_id,COALESCE(job_type,''),COALESCE(title,''),status,priority,progress,COALESCE(stage,''),work_units_total,work_units_done,metrics_json,last_error_json,created_at,started_at,ended_at,updated_at
FROM jobs WHERE robot_id=? AND ended_at IS NOT NULL AND ended_at>=? AND ended_at<?`, robotID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

func scanJob(rows *sql.Rows) (domain.JobRecord, error) {
	var job domain.JobRecord
	var metrics, lastErr, created, started, ended, updated sql.NullString
	if err := rows.Scan(&job.JobID, &job.RobotID, &job.JobType, &job.Title, &job.Status, &job.Priority,
		&job.Progress, &job.Stage, &job.WorkUnitsTotal, &job.WorkUnitsDone, &metrics, &lastErr,
		&created, &started, &ended, &updated); err != nil {
		return job, err
	}
	job.Metrics = unmarshalMap(metrics)
	job.LastError = unmarshalMap(lastErr)
	job.CreatedAt = parseTimePtr(created)
	job.StartedAt = parseTimePtr(started)
	job.EndedAt = parseTimePtr(ended)
	job.UpdatedAt = parseTime(updated)
	return job, nil
}

func (r Repo) InsertError(ctx context.Context, evt domain.ErrorEvent) (int64, error) {
	contextJSON, err := marshalMap(evt.Context)
	if err != nil {
		return 0, err
	}
	res, err := r.exec(ctx, `INSERT INTO errors(robot_id,job_id,ts,code,message,fingerprint,context_json) VALUES (?,?,?,?,?,?,?)`,
		evt.RobotID, nullable(evt.JobID), formatTime(evt.TS), nullable(evt.Code), nullable(evt.Message), nullable(evt.Fingerprint), contextJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListErrors(ctx context.Context, robotID string, limit int) ([]domain.ErrorEvent, error) {
	query := `SELECT id,robot_id,COALESCE(job_id,''),ts,COALESCE(code,''),COALESCE(message,''),COALESCE(fingerprint,''),context_json FROM errors WHERE robot_id=? ORDER BY ts DESC, id DESC`
	args := []any{robotID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorEvent
	for rows.Next() {
		evt, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// ErrorsBetween returns errors for one robot inside [from, to).
func (r Repo) ErrorsBetween(ctx context.Context, robotID string, from, to time.Time) ([]domain.ErrorEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,robot_id,COALESCE(job_id,''),ts,COALESCE(code,''),COALESCE(message,''),COALESCE(fingerprint,''),context_json FROM errors WHERE robot_id=? AND ts>=? AND ts<? ORDER BY ts ASC`,
		robotID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorEvent
	for rows.Next() {
		evt, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// LatestError returns the most recent error for a robot, optionally
// narrowed to one fingerprint.
func (r Repo) LatestError(ctx context.Context, robotID, fingerprint string) (domain.ErrorEvent, error) {
	query := `SELECT id,robot_id,COALESCE(job_id,''),ts,COALESCE(code,''),COALESCE(message,''),COALESCE(fingerprint,''),context_json FROM errors WHERE robot_id=?`
	args := []any{robotID}
	if fingerprint != "" {
		query += ` AND fingerprint=?`
		args = append(args, fingerprint)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT 1`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.ErrorEvent{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.ErrorEvent{}, ErrNotFound
	}
	return scanError(rows)
}

func scanError(rows *sql.Rows) (domain.ErrorEvent, error) {
	var evt domain.ErrorEvent
	var ts string
	var contextJSON sql.NullString
	if err := rows.Scan(&evt.ID, &evt.RobotID, &evt.JobID, &ts, &evt.Code, &evt.Message, &evt.Fingerprint, &contextJSON); err != nil {
		return evt, err
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		evt.TS = t
	}
	evt.Context = unmarshalMap(contextJSON)
	return evt, nil
}

// helpers

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	t := parseTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json field: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return m
}
