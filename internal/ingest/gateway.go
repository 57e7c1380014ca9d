// Package ingest normalizes the three inbound payload shapes (health
// report, job update, error event), validates them, and applies them to
// the fleet state. Broadcast events are published only for mutations that
// actually changed observable state.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/health"
	"fleetwatch/internal/store"
)

// ValidationError marks a payload the caller can fix. The HTTP layer
// maps it to a 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Notifier receives accepted mutations for rule evaluation. The anomaly
// detector satisfies it.
type Notifier interface {
	OnReport(ctx context.Context, view store.RobotView)
	OnError(ctx context.Context, evt domain.ErrorEvent)
}

// Publisher broadcasts fleet events. The hub satisfies it.
type Publisher interface {
	Publish(evt domain.Event)
}

// HealthPayload is the agent's periodic report. Derived fields (ok,
// version, heartbeat interval) ride inside the health blob.
type HealthPayload struct {
	_        struct{}       `json:"-" additionalProperties:"true"`
	RobotID  string         `json:"robot_id" doc:"Stable robot identifier"`
	Hostname string         `json:"hostname,omitempty"`
	Platform string         `json:"platform,omitempty"`
	ReportAt string         `json:"report_at,omitempty" doc:"RFC3339 report time; defaults to arrival time"`
	Health   map[string]any `json:"health,omitempty"`
	Status   map[string]any `json:"status,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// JobPayload carries one job state transition.
type JobPayload struct {
	_              struct{}       `json:"-" additionalProperties:"true"`
	RobotID        string         `json:"robot_id"`
	JobID          string         `json:"job_id"`
	JobType        string         `json:"job_type,omitempty"`
	Title          string         `json:"title,omitempty"`
	Status         string         `json:"status,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Progress       float64        `json:"progress,omitempty"`
	Stage          string         `json:"stage,omitempty"`
	WorkUnitsTotal int            `json:"work_units_total,omitempty"`
	WorkUnitsDone  int            `json:"work_units_done,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	LastError      map[string]any `json:"last_error,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	EndedAt        string         `json:"ended_at,omitempty"`
}

// ErrorPayload is one raised error occurrence.
type ErrorPayload struct {
	_           struct{}       `json:"-" additionalProperties:"true"`
	RobotID     string         `json:"robot_id"`
	JobID       string         `json:"job_id,omitempty"`
	TS          string         `json:"ts,omitempty"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Gateway applies validated payloads to the store and fans out the
// side effects.
type Gateway struct {
	cfg      *config.Config
	store    *store.Store
	notifier Notifier
	pub      Publisher
	Now      func() time.Time
}

func New(cfg *config.Config, st *store.Store, notifier Notifier, pub Publisher) *Gateway {
	return &Gateway{cfg: cfg, store: st, notifier: notifier, pub: pub, Now: time.Now}
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// Health applies a health report. The returned flag is false for exact
// duplicates, which produce no broadcast.
func (g *Gateway) Health(ctx context.Context, p HealthPayload) (domain.Robot, bool, error) {
	if strings.TrimSpace(p.RobotID) == "" {
		return domain.Robot{}, false, &ValidationError{Field: "robot_id", Reason: "required"}
	}
	reportAt, err := g.timestamp(p.ReportAt, "report_at")
	if err != nil {
		return domain.Robot{}, false, err
	}
	report := domain.Report{
		RobotID:  p.RobotID,
		ReportAt: reportAt,
		Health:   p.Health,
		Status:   p.Status,
		Metrics:  p.Metrics,
	}
	report.OK = health.OK(&report)
	version := health.Version(&report)

	recent := 0
	if view, err := g.store.GetRobot(p.RobotID); err == nil {
		recent = health.RecentErrors(view.Errors, g.now(), g.cfg.ErrorWindow())
	}
	result := health.Evaluate(g.cfg, health.Inputs{
		Report:           &report,
		Silence:          0,
		OfflineThreshold: g.cfg.OfflineThreshold(health.HeartbeatInterval(&report, g.cfg.HeartbeatInterval())),
		RecentErrors:     recent,
	})

	robot, out, err := g.store.UpsertHealthReport(ctx, store.ReportUpdate{
		Report:      report,
		Hostname:    p.Hostname,
		Platform:    p.Platform,
		Version:     version,
		OK:          result.OK,
		HealthScore: result.Score,
	})
	if err != nil {
		return robot, false, err
	}
	if !out.Applied {
		return robot, false, nil
	}

	// a stale replay is recorded for history but is not a sign of life:
	// it must not clear the offline rule or announce a heartbeat
	if out.Advanced {
		if view, err := g.store.GetRobot(p.RobotID); err == nil && g.notifier != nil {
			g.notifier.OnReport(ctx, view)
		}
		g.publish(domain.EventHeartbeat, p.RobotID, map[string]any{
			"ok":           robot.OK,
			"health_score": robot.HealthScore,
			"report_at":    report.ReportAt.Format(time.RFC3339),
		})
	}
	return robot, true, nil
}

// Job applies a job update. Regressions and duplicates return the stored
// record with applied=false.
func (g *Gateway) Job(ctx context.Context, p JobPayload) (domain.JobRecord, bool, error) {
	if strings.TrimSpace(p.RobotID) == "" {
		return domain.JobRecord{}, false, &ValidationError{Field: "robot_id", Reason: "required"}
	}
	if strings.TrimSpace(p.JobID) == "" {
		return domain.JobRecord{}, false, &ValidationError{Field: "job_id", Reason: "required"}
	}
	status := strings.ToUpper(strings.TrimSpace(p.Status))
	if status != "" && !validJobStatus(status) {
		return domain.JobRecord{}, false, &ValidationError{Field: "status", Reason: "unknown status " + status}
	}
	job := domain.JobRecord{
		JobID:          p.JobID,
		RobotID:        p.RobotID,
		JobType:        p.JobType,
		Title:          p.Title,
		Status:         status,
		Priority:       p.Priority,
		Progress:       clamp01(p.Progress),
		Stage:          p.Stage,
		WorkUnitsTotal: p.WorkUnitsTotal,
		WorkUnitsDone:  p.WorkUnitsDone,
		Metrics:        p.Metrics,
		LastError:      p.LastError,
	}
	var err error
	if job.CreatedAt, err = g.timestampPtr(p.CreatedAt, "created_at"); err != nil {
		return domain.JobRecord{}, false, err
	}
	if job.StartedAt, err = g.timestampPtr(p.StartedAt, "started_at"); err != nil {
		return domain.JobRecord{}, false, err
	}
	if job.EndedAt, err = g.timestampPtr(p.EndedAt, "ended_at"); err != nil {
		return domain.JobRecord{}, false, err
	}
	if job.CreatedAt == nil {
		now := g.now()
		job.CreatedAt = &now
	}
	if job.Terminal() && job.EndedAt == nil {
		now := g.now()
		job.EndedAt = &now
	}

	stored, applied, err := g.store.UpsertJob(ctx, job)
	if err != nil {
		return stored, false, err
	}
	if applied {
		g.publish(domain.EventJobUpdated, p.RobotID, map[string]any{
			"job_id":   stored.JobID,
			"status":   stored.Status,
			"progress": stored.Progress,
		})
	}
	return stored, applied, nil
}

// Error records an error event. Every occurrence is appended; dedup is a
// concern of alerting, not ingestion.
func (g *Gateway) Error(ctx context.Context, p ErrorPayload) (domain.ErrorEvent, error) {
	if strings.TrimSpace(p.RobotID) == "" {
		return domain.ErrorEvent{}, &ValidationError{Field: "robot_id", Reason: "required"}
	}
	if strings.TrimSpace(p.Message) == "" {
		return domain.ErrorEvent{}, &ValidationError{Field: "message", Reason: "required"}
	}
	ts, err := g.timestamp(p.TS, "ts")
	if err != nil {
		return domain.ErrorEvent{}, err
	}
	evt := domain.ErrorEvent{
		RobotID:     p.RobotID,
		JobID:       p.JobID,
		TS:          ts,
		Code:        p.Code,
		Message:     p.Message,
		Fingerprint: fingerprint(p),
		Context:     p.Context,
	}
	stored, err := g.store.AppendError(ctx, evt)
	if err != nil {
		return stored, err
	}
	if g.notifier != nil {
		g.notifier.OnError(ctx, stored)
	}
	g.publish(domain.EventErrorRaised, p.RobotID, map[string]any{
		"error_id":    stored.ID,
		"code":        stored.Code,
		"fingerprint": stored.Fingerprint,
		"message":     stored.Message,
	})
	return stored, nil
}

// fingerprint groups recurring errors: explicit value wins, then the
// machine code, then a prefix of the message.
func fingerprint(p ErrorPayload) string {
	if p.Fingerprint != "" {
		return p.Fingerprint
	}
	if p.Code != "" {
		return p.Code
	}
	msg := strings.TrimSpace(p.Message)
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
}

func validJobStatus(status string) bool {
	switch status {
	case domain.JobBacklog, domain.JobAssigned, domain.JobRunning, domain.JobBlocked,
		domain.JobDone, domain.JobFailed, domain.JobCancelled:
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// timestamp parses an optional RFC3339 string, defaulting to now.
func (g *Gateway) timestamp(raw, field string) (time.Time, error) {
	if raw == "" {
		return g.now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Reason: "not RFC3339"}
	}
	return t.UTC(), nil
}

func (g *Gateway) timestampPtr(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &ValidationError{Field: field, Reason: "not RFC3339"}
	}
	u := t.UTC()
	return &u, nil
}

func (g *Gateway) publish(evtType, robotID string, payload map[string]any) {
	if g.pub == nil {
		return
	}
	g.pub.Publish(domain.Event{Type: evtType, TS: g.now(), RobotID: robotID, Payload: payload})
}
