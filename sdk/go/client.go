package fleetwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fleetwatch HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Robot represents the API robot model.
type Robot struct {
	RobotID     string `json:"robot_id"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	Version     string `json:"version"`
	FirstSeenAt string `json:"first_seen_at"`
	LastSeenAt  string `json:"last_seen_at"`
	OK          bool   `json:"ok"`
	Online      bool   `json:"online"`
	HealthScore int    `json:"health_score"`
}

// Job represents the API job model.
type Job struct {
	JobID          string  `json:"job_id"`
	RobotID        string  `json:"robot_id"`
	JobType        string  `json:"job_type"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	Stage          string  `json:"stage"`
	WorkUnitsTotal int     `json:"work_units_total"`
	WorkUnitsDone  int     `json:"work_units_done"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      string  `json:"started_at"`
	EndedAt        string  `json:"ended_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// ErrorEvent represents one raised error.
type ErrorEvent struct {
	ID          int64  `json:"id"`
	RobotID     string `json:"robot_id"`
	JobID       string `json:"job_id"`
	TS          string `json:"ts"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Fingerprint string `json:"fingerprint"`
}

// Alert represents an open or resolved anomaly alert.
type Alert struct {
	AlertID   string `json:"alert_id"`
	RobotID   string `json:"robot_id"`
	Severity  string `json:"severity"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	FiredAt   string `json:"fired_at"`
	AckStatus string `json:"ack_status"`
	AckBy     string `json:"ack_by"`
	AckAt     string `json:"ack_at"`
}

// Overview carries the fleet dashboard counters.
type Overview struct {
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

// DailySummary is one robot's daily rollup.
type DailySummary struct {
	Date           string `json:"date"`
	RobotID        string `json:"robot_id"`
	JobsDone       int    `json:"jobs_done"`
	WorkUnitsTotal int    `json:"work_units_total"`
	UptimeMinutes  int    `json:"uptime_minutes"`
	ErrorCount     int    `json:"error_count"`
	Summary        string `json:"summary"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestHealth submits a health report.
func (c *Client) IngestHealth(ctx context.Context, payload map[string]any) (Robot, bool, error) {
	var resp struct {
		Robot   Robot `json:"robot"`
		Applied bool  `json:"applied"`
	}
	err := c.do(ctx, http.MethodPost, "ingest/health", payload, &resp)
	return resp.Robot, resp.Applied, err
}

// IngestJob submits a job update.
func (c *Client) IngestJob(ctx context.Context, payload map[string]any) (Job, bool, error) {
	var resp struct {
		Job     Job  `json:"job"`
		Applied bool `json:"applied"`
	}
	err := c.do(ctx, http.MethodPost, "ingest/job", payload, &resp)
	return resp.Job, resp.Applied, err
}

// IngestError submits an error event.
func (c *Client) IngestError(ctx context.Context, payload map[string]any) (ErrorEvent, error) {
	var resp struct {
		Error ErrorEvent `json:"error"`
	}
	err := c.do(ctx, http.MethodPost, "ingest/error", payload, &resp)
	return resp.Error, err
}

// Robots lists the fleet.
func (c *Client) Robots(ctx context.Context) ([]Robot, error) {
	var resp struct {
		Robots []Robot `json:"robots"`
	}
	err := c.do(ctx, http.MethodGet, "robots", nil, &resp)
	return resp.Robots, err
}

// Robot fetches one robot.
func (c *Client) Robot(ctx context.Context, robotID string) (Robot, error) {
	var resp struct {
		Robot Robot `json:"robot"`
	}
	err := c.do(ctx, http.MethodGet, "robots/"+url.PathEscape(robotID), nil, &resp)
	return resp.Robot, err
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, status string, limit int) ([]Job, error) {
	endpoint := "jobs"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Jobs, err
}

// RobotErrors lists recent errors for one robot.
func (c *Client) RobotErrors(ctx context.Context, robotID string, limit int) ([]ErrorEvent, error) {
	endpoint := fmt.Sprintf("robots/%s/errors", url.PathEscape(robotID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Errors []ErrorEvent `json:"errors"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Errors, err
}

// Overview fetches the fleet counters.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var resp Overview
	err := c.do(ctx, http.MethodGet, "fleet/overview", nil, &resp)
	return resp, err
}

// Anomalies lists open alerts.
func (c *Client) Anomalies(ctx context.Context) ([]Alert, error) {
	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	err := c.do(ctx, http.MethodGet, "fleet/anomalies", nil, &resp)
	return resp.Alerts, err
}

// AckAlert acknowledges an open alert.
func (c *Client) AckAlert(ctx context.Context, alertID, by string) (Alert, error) {
	var resp Alert
	endpoint := fmt.Sprintf("alerts/%s/ack", url.PathEscape(alertID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"by": by}, &resp)
	return resp, err
}

// ResolveAlert closes an open alert.
func (c *Client) ResolveAlert(ctx context.Context, alertID, by string) (Alert, error) {
	var resp Alert
	endpoint := fmt.Sprintf("alerts/%s/resolve", url.PathEscape(alertID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"by": by}, &resp)
	return resp, err
}

// DailyReport fetches summaries for one date (YYYY-MM-DD).
func (c *Client) DailyReport(ctx context.Context, date string) ([]DailySummary, error) {
	endpoint := "reports/daily"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var resp struct {
		Robots []DailySummary `json:"robots"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Robots, err
}

// RunRollup triggers the rollup for one date.
func (c *Client) RunRollup(ctx context.Context, date string) ([]DailySummary, error) {
	var resp struct {
		Robots []DailySummary `json:"robots"`
	}
	err := c.do(ctx, http.MethodPost, "reports/rollup", map[string]any{"date": date}, &resp)
	return resp.Robots, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// base returns the API root including the base path.
func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}
	return base
}
