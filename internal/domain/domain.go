package domain

import "time"

// Job status values. BACKLOG through RUNNING move forward only, except
// RUNNING and BLOCKED which may cycle. DONE, FAILED and CANCELLED are
// terminal and immutable once set.
const (
	JobBacklog   = "BACKLOG"
	JobAssigned  = "ASSIGNED"
	JobRunning   = "RUNNING"
	JobBlocked   = "BLOCKED"
	JobDone      = "DONE"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// Alert severities.
const (
	SeverityP0 = "P0"
	SeverityP1 = "P1"
	SeverityP2 = "P2"
)

// Alert types. One open alert per (robot_id, type) key at a time.
const (
	AlertOffline    = "offline"
	AlertError      = "error"
	AlertSpike      = "spike"
	AlertVersionLag = "version_lag"
)

// Alert ack states.
const (
	AckPending      = "pending"
	AckAcknowledged = "acknowledged"
	AckResolved     = "resolved"
)

// Robot is the authoritative per-robot record. Created on the first report
// for an unseen id and never deleted.
type Robot struct {
	RobotID     string    `json:"robot_id"`
	Hostname    string    `json:"hostname,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Version     string    `json:"version,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at" format:"date-time"`
	LastSeenAt  time.Time `json:"last_seen_at" format:"date-time"`
	OK          bool      `json:"ok"`
	HealthScore int       `json:"health_score"`
}

// Report is one accepted health payload, kept verbatim so the dashboard can
// show the latest blobs as reported.
type Report struct {
	RobotID  string         `json:"robot_id"`
	ReportAt time.Time      `json:"report_at" format:"date-time"`
	OK       bool           `json:"ok"`
	Health   map[string]any `json:"health,omitempty"`
	Status   map[string]any `json:"status,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// JobRecord tracks one job owned by a robot.
type JobRecord struct {
	JobID          string         `json:"job_id"`
	RobotID        string         `json:"robot_id"`
	JobType        string         `json:"job_type,omitempty"`
	Title          string         `json:"title,omitempty"`
	Status         string         `json:"status" enum:"BACKLOG,ASSIGNED,RUNNING,BLOCKED,DONE,FAILED,CANCELLED"`
	Priority       *int           `json:"priority,omitempty"`
	Progress       float64        `json:"progress"`
	Stage          string         `json:"stage,omitempty"`
	WorkUnitsTotal int            `json:"work_units_total"`
	WorkUnitsDone  int            `json:"work_units_done"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	LastError      map[string]any `json:"last_error,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty" format:"date-time"`
	StartedAt      *time.Time     `json:"started_at,omitempty" format:"date-time"`
	EndedAt        *time.Time     `json:"ended_at,omitempty" format:"date-time"`
	UpdatedAt      time.Time      `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the job reached an immutable final status.
func (j JobRecord) Terminal() bool {
	switch j.Status {
	case JobDone, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ErrorEvent is append-only; fingerprint is the stable grouping key used for
// dedup and spike detection.
type ErrorEvent struct {
	ID          int64          `json:"id,omitempty"`
	RobotID     string         `json:"robot_id"`
	JobID       string         `json:"job_id,omitempty"`
	TS          time.Time      `json:"ts" format:"date-time"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Alert is an open or historical anomaly for a (robot_id, type) key.
type Alert struct {
	AlertID   string     `json:"alert_id"`
	RobotID   string     `json:"robot_id"`
	Severity  string     `json:"severity" enum:"P0,P1,P2"`
	Type      string     `json:"type" enum:"offline,error,spike,version_lag"`
	Message   string     `json:"message"`
	FiredAt   time.Time  `json:"fired_at" format:"date-time"`
	AckStatus string     `json:"ack_status" enum:"pending,acknowledged,resolved"`
	AckBy     string     `json:"ack_by,omitempty"`
	AckAt     *time.Time `json:"ack_at,omitempty" format:"date-time"`
}

// Open reports whether the alert still requires attention.
func (a Alert) Open() bool { return a.AckStatus != AckResolved }

// TopError is one (fingerprint, count) pair in a daily summary.
type TopError struct {
	Fingerprint string `json:"fingerprint"`
	Count       int    `json:"count"`
}

// DailySummary is the per-robot rollup for one UTC day. Immutable once the
// day closes; recomputable via explicit re-trigger.
type DailySummary struct {
	Date           string     `json:"date"`
	RobotID        string     `json:"robot_id"`
	JobsDone       int        `json:"jobs_done"`
	WorkUnitsTotal int        `json:"work_units_total"`
	UptimeMinutes  int        `json:"uptime_minutes"`
	ErrorCount     int        `json:"error_count"`
	TopErrors      []TopError `json:"top_errors"`
	Summary        string     `json:"summary,omitempty"`
}

// Event is a broadcast hub message. Payload keys vary by type.
type Event struct {
	Type    string         `json:"type"`
	TS      time.Time      `json:"ts" format:"date-time"`
	RobotID string         `json:"robot_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Broadcast event types.
const (
	EventHeartbeat       = "robot.heartbeat"
	EventJobUpdated      = "job.updated"
	EventErrorRaised     = "error.raised"
	EventAlertFired      = "alert.fired"
	EventAlertResolved   = "alert.resolved"
	EventAnalysisCreated = "analysis.created"
)
