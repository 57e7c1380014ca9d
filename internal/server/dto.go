package server

import (
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
)

type RobotResponse struct {
	RobotID     string `json:"robot_id"`
	Hostname    string `json:"hostname,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	FirstSeenAt string `json:"first_seen_at,omitempty"`
	LastSeenAt  string `json:"last_seen_at,omitempty"`
	OK          bool   `json:"ok"`
	Online      bool   `json:"online"`
	HealthScore int    `json:"health_score"`
}

type RobotListResponse struct {
	Robots []RobotResponse `json:"robots"`
}

type RobotDetailResponse struct {
	Robot  RobotResponse   `json:"robot"`
	Latest *domain.Report  `json:"latest_report,omitempty"`
	Jobs   []JobResponse   `json:"jobs"`
	Errors []ErrorResponse `json:"errors"`
}

type IngestHealthResponse struct {
	Robot   RobotResponse `json:"robot"`
	Applied bool          `json:"applied"`
}

type JobResponse struct {
	JobID          string         `json:"job_id"`
	RobotID        string         `json:"robot_id"`
	JobType        string         `json:"job_type,omitempty"`
	Title          string         `json:"title,omitempty"`
	Status         string         `json:"status"`
	Priority       *int           `json:"priority,omitempty"`
	Progress       float64        `json:"progress"`
	Stage          string         `json:"stage,omitempty"`
	WorkUnitsTotal int            `json:"work_units_total"`
	WorkUnitsDone  int            `json:"work_units_done"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	LastError      map[string]any `json:"last_error,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	EndedAt        string         `json:"ended_at,omitempty"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
}

type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type IngestJobResponse struct {
	Job     JobResponse `json:"job"`
	Applied bool        `json:"applied"`
}

type ErrorResponse struct {
	ID          int64          `json:"id"`
	RobotID     string         `json:"robot_id"`
	JobID       string         `json:"job_id,omitempty"`
	TS          string         `json:"ts"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type ErrorListResponse struct {
	Errors []ErrorResponse `json:"errors"`
}

type IngestErrorResponse struct {
	Error ErrorResponse `json:"error"`
}

type AlertResponse struct {
	AlertID   string `json:"alert_id"`
	RobotID   string `json:"robot_id"`
	Severity  string `json:"severity"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	FiredAt   string `json:"fired_at"`
	AckStatus string `json:"ack_status"`
	AckBy     string `json:"ack_by,omitempty"`
	AckAt     string `json:"ack_at,omitempty"`
}

type AlertListResponse struct {
	Alerts []AlertResponse `json:"alerts"`
}

type AckRequest struct {
	By string `json:"by,omitempty" doc:"Operator identity for the audit trail"`
}

type FleetOverview struct {
	TotalCount          int     `json:"total_count"`
	OnlineCount         int     `json:"online_count"`
	ErrorCount          int     `json:"error_count"`
	RunningCount        int     `json:"running_count"`
	IdleCount           int     `json:"idle_count"`
	TodayJobsDone       int     `json:"today_jobs_done"`
	TodayWorkUnitsTotal int     `json:"today_work_units_total"`
	AvgUtilizationToday float64 `json:"avg_utilization_today"`
	StuckJobsCount      int     `json:"stuck_jobs_count"`
}

type DailyReportResponse struct {
	Date   string                `json:"date"`
	Robots []domain.DailySummary `json:"robots"`
}

type RollupRequest struct {
	Date string `json:"date,omitempty" doc:"YYYY-MM-DD; defaults to yesterday (UTC)"`
}

type RobotDiagnostics struct {
	Robot  RobotResponse   `json:"robot"`
	Latest *domain.Report  `json:"latest_report,omitempty"`
	Jobs   []JobResponse   `json:"jobs,omitempty"`
	Errors []ErrorResponse `json:"errors,omitempty"`
}

type DiagnosticsRequest struct {
	RobotID     string `json:"robot_id,omitempty" doc:"Limit the bundle to one robot"`
	Fingerprint string `json:"fingerprint,omitempty" doc:"Pull the latest matching error and its owning job; requires robot_id"`
}

type DiagnosticsFocus struct {
	Error ErrorResponse `json:"error"`
	Job   *JobResponse  `json:"job,omitempty"`
}

type DiagnosticsPackage struct {
	GeneratedAt string             `json:"generated_at"`
	Config      config.Config      `json:"config"`
	Robots      []RobotDiagnostics `json:"robots"`
	OpenAlerts  []AlertResponse    `json:"open_alerts,omitempty"`
	Focus       *DiagnosticsFocus  `json:"focus,omitempty"`
}

type AnalyzeRequest struct {
	RobotID     string `json:"robot_id"`
	Fingerprint string `json:"fingerprint,omitempty" doc:"Narrow the analysis to one error fingerprint"`
}

type AnalyzeResponse struct {
	RobotID     string         `json:"robot_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Analysis    map[string]any `json:"analysis"`
}

func robotResponse(r domain.Robot) RobotResponse {
	return RobotResponse{
		RobotID:     r.RobotID,
		Hostname:    r.Hostname,
		Platform:    r.Platform,
		Version:     r.Version,
		FirstSeenAt: formatTime(r.FirstSeenAt),
		LastSeenAt:  formatTime(r.LastSeenAt),
		OK:          r.OK,
		Online:      r.OK,
		HealthScore: r.HealthScore,
	}
}

func jobResponse(j domain.JobRecord) JobResponse {
	return JobResponse{
		JobID:          j.JobID,
		RobotID:        j.RobotID,
		JobType:        j.JobType,
		Title:          j.Title,
		Status:         j.Status,
		Priority:       j.Priority,
		Progress:       j.Progress,
		Stage:          j.Stage,
		WorkUnitsTotal: j.WorkUnitsTotal,
		WorkUnitsDone:  j.WorkUnitsDone,
		Metrics:        j.Metrics,
		LastError:      j.LastError,
		CreatedAt:      formatTimePtr(j.CreatedAt),
		StartedAt:      formatTimePtr(j.StartedAt),
		EndedAt:        formatTimePtr(j.EndedAt),
		UpdatedAt:      formatTime(j.UpdatedAt),
	}
}

func jobListResponse(jobs []domain.JobRecord) JobListResponse {
	res := JobListResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		res.Jobs = append(res.Jobs, jobResponse(j))
	}
	return res
}

func errorResponse(e domain.ErrorEvent) ErrorResponse {
	return ErrorResponse{
		ID:          e.ID,
		RobotID:     e.RobotID,
		JobID:       e.JobID,
		TS:          formatTime(e.TS),
		Code:        e.Code,
		Message:     e.Message,
		Fingerprint: e.Fingerprint,
		Context:     e.Context,
	}
}

func alertResponse(a domain.Alert) AlertResponse {
	return AlertResponse{
		AlertID:   a.AlertID,
		RobotID:   a.RobotID,
		Severity:  a.Severity,
		Type:      a.Type,
		Message:   a.Message,
		FiredAt:   formatTime(a.FiredAt),
		AckStatus: a.AckStatus,
		AckBy:     a.AckBy,
		AckAt:     formatTimePtr(a.AckAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
