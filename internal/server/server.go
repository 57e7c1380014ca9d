// Package server exposes the fleet API over HTTP. Routes are registered
// with huma on a chi router; the websocket stream bypasses huma and
// attaches straight to the hub.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetwatch/internal/anomaly"
	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/health"
	"fleetwatch/internal/hub"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/rollup"
	"fleetwatch/internal/store"
)

// Deps wires the API to the rest of the process.
type Deps struct {
	Cfg      *config.Config
	Store    *store.Store
	Gateway  *ingest.Gateway
	Detector *anomaly.Detector
	Roller   *rollup.Roller
	Repo     repo.Repo
	Hub      *hub.Hub
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"robot not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope for every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the fleet API.
func New(d Deps) (http.Handler, error) {
	if d.Now == nil {
		d.Now = time.Now
	}
	basePath := d.Cfg.Server.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, d.Cfg))
	hcfg := huma.DefaultConfig("Fleetwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealthz(group)
	registerIngest(group, d)
	registerRobots(group, d)
	registerJobs(group, d)
	registerFleet(group, d)
	registerAlerts(group, d)
	registerReports(group, d)
	registerDiagnostics(group, d)
	registerAnalyze(group, d)

	if d.Hub != nil {
		router.Get("/ws", d.Hub.ServeWS)
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "contention"):
		return newAPIError(http.StatusServiceUnavailable, "store_busy", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "bad date"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealthz(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIngest(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-health",
		Method:        http.MethodPost,
		Path:          "/ingest/health",
		Summary:       "Ingest a robot health report",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body ingest.HealthPayload `json:"body"`
	}) (*struct {
		Body IngestHealthResponse `json:"body"`
	}, error) {
		robot, applied, err := d.Gateway.Health(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestHealthResponse `json:"body"`
		}{Body: IngestHealthResponse{Robot: robotResponse(robot), Applied: applied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-job",
		Method:        http.MethodPost,
		Path:          "/ingest/job",
		Summary:       "Ingest a job state update",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body ingest.JobPayload `json:"body"`
	}) (*struct {
		Body IngestJobResponse `json:"body"`
	}, error) {
		job, applied, err := d.Gateway.Job(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestJobResponse `json:"body"`
		}{Body: IngestJobResponse{Job: jobResponse(job), Applied: applied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-error",
		Method:        http.MethodPost,
		Path:          "/ingest/error",
		Summary:       "Ingest an error event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body ingest.ErrorPayload `json:"body"`
	}) (*struct {
		Body IngestErrorResponse `json:"body"`
	}, error) {
		evt, err := d.Gateway.Error(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestErrorResponse `json:"body"`
		}{Body: IngestErrorResponse{Error: errorResponse(evt)}}, nil
	})
}

func registerRobots(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-robots",
		Method:      http.MethodGet,
		Path:        "/robots",
		Summary:     "List robots, most recently seen first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RobotListResponse `json:"body"`
	}, error) {
		now := d.Now().UTC()
		robots := d.Store.ListRobots()
		res := make([]RobotResponse, 0, len(robots))
		for _, robot := range robots {
			res = append(res, robotWithLiveness(d, robot, now))
		}
		return &struct {
			Body RobotListResponse `json:"body"`
		}{Body: RobotListResponse{Robots: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-robot",
		Method:      http.MethodGet,
		Path:        "/robots/{robot_id}",
		Summary:     "Robot detail with latest report",
	}, func(ctx context.Context, input *struct {
		RobotID string `path:"robot_id"`
	}) (*struct {
		Body RobotDetailResponse `json:"body"`
	}, error) {
		view, err := d.Store.GetRobot(input.RobotID)
		if err != nil {
			return nil, handleError(err)
		}
		now := d.Now().UTC()
		jobs := view.Jobs
		if len(jobs) > 20 {
			jobs = jobs[:20]
		}
		resp := RobotDetailResponse{
			Robot:  robotWithLiveness(d, view.Robot, now),
			Latest: view.Latest,
			Jobs:   jobListResponse(jobs).Jobs,
			Errors: lastErrors(view.Errors, 20),
		}
		return &struct {
			Body RobotDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-robot-jobs",
		Method:      http.MethodGet,
		Path:        "/robots/{robot_id}/jobs",
		Summary:     "Recent jobs for one robot",
	}, func(ctx context.Context, input *struct {
		RobotID string `path:"robot_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		if _, err := d.Store.GetRobot(input.RobotID); err != nil {
			return nil, handleError(err)
		}
		jobs := d.Store.ListJobs(store.JobFilters{RobotID: input.RobotID, Limit: limitOr(input.Limit, 50)})
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: jobListResponse(jobs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-robot-errors",
		Method:      http.MethodGet,
		Path:        "/robots/{robot_id}/errors",
		Summary:     "Recent errors for one robot",
	}, func(ctx context.Context, input *struct {
		RobotID string `path:"robot_id"`
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body ErrorListResponse `json:"body"`
	}, error) {
		evts, err := d.Store.ListErrors(input.RobotID, limitOr(input.Limit, 50))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ErrorResponse, 0, len(evts))
		for _, e := range evts {
			res = append(res, errorResponse(e))
		}
		return &struct {
			Body ErrorListResponse `json:"body"`
		}{Body: ErrorListResponse{Errors: res}}, nil
	})
}

func registerJobs(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs across the fleet",
	}, func(ctx context.Context, input *struct {
		RobotID string `query:"robot_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"200" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		status := strings.ToUpper(strings.TrimSpace(input.Status))
		jobs := d.Store.ListJobs(store.JobFilters{
			RobotID: input.RobotID,
			Status:  status,
			Limit:   limitOr(input.Limit, 200),
		})
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: jobListResponse(jobs)}, nil
	})
}

func registerFleet(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "fleet-overview",
		Method:      http.MethodGet,
		Path:        "/fleet/overview",
		Summary:     "Aggregate fleet counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FleetOverview `json:"body"`
	}, error) {
		ov, err := d.overview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FleetOverview `json:"body"`
		}{Body: ov}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fleet-anomalies",
		Method:      http.MethodGet,
		Path:        "/fleet/anomalies",
		Summary:     "Open alerts, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AlertListResponse `json:"body"`
	}, error) {
		alerts := d.Detector.OpenAlerts()
		res := make([]AlertResponse, 0, len(alerts))
		for _, a := range alerts {
			res = append(res, alertResponse(a))
		}
		return &struct {
			Body AlertListResponse `json:"body"`
		}{Body: AlertListResponse{Alerts: res}}, nil
	})
}

func registerAlerts(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "ack-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/ack",
		Summary:     "Acknowledge an open alert",
	}, func(ctx context.Context, input *struct {
		AlertID string `path:"alert_id"`
		Body    AckRequest
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		alert, err := d.Detector.Ack(ctx, input.AlertID, input.Body.By)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(alert)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/resolve",
		Summary:     "Resolve an open alert",
	}, func(ctx context.Context, input *struct {
		AlertID string `path:"alert_id"`
		Body    AckRequest
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		alert, err := d.Detector.Resolve(ctx, input.AlertID, input.Body.By)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(alert)}, nil
	})
}

func registerReports(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-report",
		Method:      http.MethodGet,
		Path:        "/reports/daily",
		Summary:     "Per-robot summaries for one UTC day",
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" doc:"YYYY-MM-DD; defaults to today (UTC)"`
	}) (*struct {
		Body DailyReportResponse `json:"body"`
	}, error) {
		date := input.Date
		if date == "" {
			date = d.Now().UTC().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", nil)
		}
		summaries, err := d.Repo.ListDailySummaries(ctx, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DailyReportResponse `json:"body"`
		}{Body: DailyReportResponse{Date: date, Robots: summaries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-rollup",
		Method:        http.MethodPost,
		Path:          "/reports/rollup",
		Summary:       "Run or re-run the rollup for one day",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RollupRequest
	}) (*struct {
		Body DailyReportResponse `json:"body"`
	}, error) {
		date := input.Body.Date
		if date == "" {
			date = d.Now().UTC().Add(-24 * time.Hour).Format("2006-01-02")
		}
		summaries, err := d.Roller.Run(ctx, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DailyReportResponse `json:"body"`
		}{Body: DailyReportResponse{Date: date, Robots: summaries}}, nil
	})
}

func registerDiagnostics(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "diagnostics-package",
		Method:      http.MethodPost,
		Path:        "/diagnostics/package",
		Summary:     "Self-contained snapshot for support bundles",
	}, func(ctx context.Context, input *struct {
		Body DiagnosticsRequest
	}) (*struct {
		Body DiagnosticsPackage `json:"body"`
	}, error) {
		now := d.Now().UTC()
		pkg := DiagnosticsPackage{
			GeneratedAt: now.Format(time.RFC3339),
			Config:      *d.Cfg,
		}

		var views []store.RobotView
		if input.Body.RobotID != "" {
			view, err := d.Store.GetRobot(input.Body.RobotID)
			if err != nil {
				return nil, handleError(err)
			}
			views = append(views, view)
		} else {
			views = d.Store.Snapshot()
		}
		for _, view := range views {
			pkg.Robots = append(pkg.Robots, RobotDiagnostics{
				Robot:  robotWithLiveness(d, view.Robot, now),
				Latest: view.Latest,
				Jobs:   jobListResponse(view.Jobs).Jobs,
				Errors: lastErrors(view.Errors, 20),
			})
		}
		for _, a := range d.Detector.OpenAlerts() {
			pkg.OpenAlerts = append(pkg.OpenAlerts, alertResponse(a))
		}

		if input.Body.Fingerprint != "" {
			if input.Body.RobotID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "fingerprint requires robot_id", nil)
			}
			latest, err := d.Repo.LatestError(ctx, input.Body.RobotID, input.Body.Fingerprint)
			if err != nil {
				return nil, handleError(err)
			}
			focus := &DiagnosticsFocus{Error: errorResponse(latest)}
			if latest.JobID != "" {
				for _, view := range views {
					for _, job := range view.Jobs {
						if job.JobID == latest.JobID {
							j := jobResponse(job)
							focus.Job = &j
						}
					}
				}
			}
			pkg.Focus = focus
		}
		return &struct {
			Body DiagnosticsPackage `json:"body"`
		}{Body: pkg}, nil
	})
}

func registerAnalyze(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "analyze-error",
		Method:        http.MethodPost,
		Path:          "/ai/analyze",
		Summary:       "Generate and store an analysis for a robot's recent errors",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest
	}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		if input.Body.RobotID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "robot_id is required", nil)
		}
		resp, err := d.analyze(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if d.Hub != nil {
			d.Hub.Publish(domain.Event{
				Type:    domain.EventAnalysisCreated,
				TS:      d.Now().UTC(),
				RobotID: input.Body.RobotID,
				Payload: map[string]any{"fingerprint": resp.Fingerprint},
			})
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// overview folds the live snapshot plus today's rollup inputs into the
// dashboard counters. Utilization is the share of the elapsed day a
// robot spent with a job active, averaged over robots that ran anything.
func (d Deps) overview(ctx context.Context) (FleetOverview, error) {
	now := d.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stuckAfter := d.Cfg.StuckAfter()
	elapsed := now.Sub(dayStart).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}

	var ov FleetOverview
	var utilSum float64
	var utilN int
	for _, view := range d.Store.Snapshot() {
		ov.TotalCount++
		online := isOnline(d, view, now)
		if online {
			ov.OnlineCount++
		}
		if !view.Robot.OK {
			ov.ErrorCount++
		}
		running := false
		var activeSeconds float64
		counted := false
		for _, job := range view.Jobs {
			if job.Status == domain.JobRunning {
				running = true
				if stuckAfter > 0 && now.Sub(job.UpdatedAt) > stuckAfter {
					ov.StuckJobsCount++
				}
			}
			if job.StartedAt == nil {
				continue
			}
			start := *job.StartedAt
			if start.Before(dayStart) {
				start = dayStart
			}
			end := now
			if job.EndedAt != nil {
				end = *job.EndedAt
			}
			if end.Before(dayStart) {
				continue
			}
			if end.After(now) {
				end = now
			}
			if span := end.Sub(start).Seconds(); span >= 0 {
				activeSeconds += span
				counted = true
			}
		}
		if running {
			ov.RunningCount++
		} else if online {
			ov.IdleCount++
		}
		if counted {
			u := activeSeconds / elapsed
			if u > 1 {
				u = 1
			}
			utilSum += u
			utilN++
		}

		jobs, err := d.Repo.JobsEndedBetween(ctx, view.Robot.RobotID, dayStart, now)
		if err != nil {
			return ov, err
		}
		for _, job := range jobs {
			if job.Status == domain.JobDone {
				ov.TodayJobsDone++
				ov.TodayWorkUnitsTotal += job.WorkUnitsDone
			}
		}
	}
	if utilN > 0 {
		ov.AvgUtilizationToday = utilSum / float64(utilN)
	}
	return ov, nil
}

// analyze builds a deterministic diagnosis from the robot's recent state
// and records it alongside the triggering error.
func (d Deps) analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResponse, error) {
	view, err := d.Store.GetRobot(req.RobotID)
	if err != nil {
		return AnalyzeResponse{}, err
	}
	latest, err := d.Repo.LatestError(ctx, req.RobotID, req.Fingerprint)
	if err != nil {
		return AnalyzeResponse{}, err
	}

	now := d.Now().UTC()
	window := d.Cfg.SpikeWindow()
	recent := health.RecentErrors(view.Errors, now, window)
	var findings []string
	if recent >= d.Cfg.Anomaly.SpikeThreshold {
		findings = append(findings, "error rate is spiking; suspect a systemic fault rather than isolated failures")
	}
	if !view.Robot.OK {
		findings = append(findings, "robot self-reports unhealthy")
	}
	if view.Latest != nil {
		if ratio, ok := memFreeRatio(view.Latest.Metrics); ok && ratio < d.Cfg.Health.MemFreeRatioMin {
			findings = append(findings, "free memory is below the configured floor")
		}
	}
	if len(findings) == 0 {
		findings = append(findings, "no correlated symptoms; treat as an isolated occurrence")
	}

	analysis := map[string]any{
		"fingerprint":   latest.Fingerprint,
		"code":          latest.Code,
		"last_message":  latest.Message,
		"recent_errors": recent,
		"findings":      findings,
	}
	if err := d.Repo.InsertErrorAnalysis(ctx, latest.ID, req.RobotID, latest.Fingerprint, analysis, now); err != nil {
		return AnalyzeResponse{}, err
	}
	return AnalyzeResponse{
		RobotID:     req.RobotID,
		Fingerprint: latest.Fingerprint,
		CreatedAt:   now.Format(time.RFC3339),
		Analysis:    analysis,
	}, nil
}

// isOnline recomputes liveness from silence so reads stay honest between
// sweeps.
func isOnline(d Deps, view store.RobotView, now time.Time) bool {
	if view.Robot.LastSeenAt.IsZero() {
		return false
	}
	heartbeat := health.HeartbeatInterval(view.Latest, d.Cfg.HeartbeatInterval())
	return now.Sub(view.Robot.LastSeenAt) <= d.Cfg.OfflineThreshold(heartbeat)
}

func robotWithLiveness(d Deps, robot domain.Robot, now time.Time) RobotResponse {
	view, err := d.Store.GetRobot(robot.RobotID)
	if err != nil {
		return robotResponse(robot)
	}
	resp := robotResponse(robot)
	online := isOnline(d, view, now)
	resp.Online = online
	if !online {
		resp.OK = false
		result := health.Evaluate(d.Cfg, health.Inputs{
			Report:           view.Latest,
			Silence:          now.Sub(robot.LastSeenAt),
			OfflineThreshold: d.Cfg.OfflineThreshold(health.HeartbeatInterval(view.Latest, d.Cfg.HeartbeatInterval())),
			RecentErrors:     health.RecentErrors(view.Errors, now, d.Cfg.ErrorWindow()),
		})
		resp.HealthScore = result.Score
	}
	return resp
}

func limitOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func lastErrors(evts []domain.ErrorEvent, limit int) []ErrorResponse {
	if len(evts) > limit {
		evts = evts[:limit]
	}
	res := make([]ErrorResponse, 0, len(evts))
	for _, e := range evts {
		res = append(res, errorResponse(e))
	}
	return res
}

func numericField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func memFreeRatio(metrics map[string]any) (float64, bool) {
	total, okTotal := numericField(metrics, "totalmem")
	free, okFree := numericField(metrics, "freemem")
	if !okTotal || !okFree || total <= 0 {
		return 0, false
	}
	return free / total, true
}
