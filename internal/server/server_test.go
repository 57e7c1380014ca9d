package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/anomaly"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/hub"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
	"fleetwatch/internal/rollup"
	"fleetwatch/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	URL      string
	clock    *testClock
	detector *anomaly.Detector
	client   *http.Client
	close    func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	cfg := config.Default()

	clock := &testClock{now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	st := store.New(r)
	st.Now = clock.Now
	broadcast := hub.New()
	done := make(chan struct{})
	go broadcast.Run(done)
	detector := anomaly.NewDetector(cfg, st, r, broadcast)
	detector.Now = clock.Now
	gateway := ingest.New(cfg, st, detector, broadcast)
	gateway.Now = clock.Now
	roller := rollup.New(cfg, r)
	roller.Now = clock.Now

	handler, err := New(Deps{
		Cfg:      cfg,
		Store:    st,
		Gateway:  gateway,
		Detector: detector,
		Roller:   roller,
		Repo:     r,
		Hub:      broadcast,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		clock:    clock,
		detector: detector,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			close(done)
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ingestHealth(t *testing.T, srv *testServer, robotID string, ok bool) {
	t.Helper()
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/health", map[string]any{
		"robot_id":  robotID,
		"report_at": srv.clock.Now().Format(time.RFC3339),
		"health":    map[string]any{"ok": ok, "heartbeat_interval_s": 30},
		"metrics":   map[string]any{"totalmem": 16.0, "freemem": 8.0, "loadavg": []float64{0.5}},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest health status %d: %s", res.StatusCode, string(body))
	}
}

func TestHealthIngestToRobotListing(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/robots", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list robots status %d: %s", res.StatusCode, string(body))
	}
	var listing struct {
		Robots []RobotResponse `json:"robots"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("unmarshal robots: %v", err)
	}
	if len(listing.Robots) != 1 {
		t.Fatalf("expected one robot, got %d", len(listing.Robots))
	}
	r := listing.Robots[0]
	if r.RobotID != "arm-01" || !r.OK || !r.Online {
		t.Fatalf("robot state %+v", r)
	}
	if r.HealthScore < 0 || r.HealthScore > 100 {
		t.Fatalf("score out of range: %d", r.HealthScore)
	}
}

func TestUnknownRobotIs404(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/robots/ghost", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestIngestValidationIs400(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/error", map[string]any{
		"robot_id": "arm-01",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
}

func TestSilenceProducesOfflineAlert(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)

	// declared heartbeat 30s, multiplier 3: 2 minutes of silence is over
	srv.clock.Advance(2 * time.Minute)
	if err := srv.detector.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/fleet/anomalies", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anomalies status %d: %s", res.StatusCode, string(body))
	}
	var listing struct {
		Alerts []AlertResponse `json:"alerts"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("unmarshal alerts: %v", err)
	}
	if len(listing.Alerts) != 1 {
		t.Fatalf("expected one alert, got %d: %s", len(listing.Alerts), string(body))
	}
	alert := listing.Alerts[0]
	if alert.Type != domain.AlertOffline || alert.Severity != domain.SeverityP1 {
		t.Fatalf("alert %+v", alert)
	}

	// robot listing reflects the silence too
	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/robots/arm-01", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get robot status %d", res.StatusCode)
	}
	var detail RobotDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Robot.Online {
		t.Fatalf("silent robot listed online")
	}

	// acknowledge through the API
	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/alerts/"+alert.AlertID+"/ack", map[string]any{"by": "ops"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, string(body))
	}
	var acked AlertResponse
	if err := json.Unmarshal(body, &acked); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if acked.AckStatus != domain.AckAcknowledged || acked.AckBy != "ops" {
		t.Fatalf("ack response %+v", acked)
	}
}

func TestStaleReportKeepsOfflineAlert(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)
	firstSeen := srv.clock.Now()

	srv.clock.Advance(2 * time.Minute)
	if err := srv.detector.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := len(srv.detector.OpenAlerts()); got != 1 {
		t.Fatalf("expected offline alert, got %d", got)
	}

	// a replayed report older than the stored latest changes nothing
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/health", map[string]any{
		"robot_id":  "arm-01",
		"report_at": firstSeen.Add(-30 * time.Minute).Format(time.RFC3339),
		"health":    map[string]any{"ok": true, "heartbeat_interval_s": 30},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("stale ingest status %d: %s", res.StatusCode, string(body))
	}
	if got := len(srv.detector.OpenAlerts()); got != 1 {
		t.Fatalf("stale report resolved the offline alert: %d open", got)
	}

	// a genuinely fresh report clears it
	ingestHealth(t, srv, "arm-01", true)
	if got := len(srv.detector.OpenAlerts()); got != 0 {
		t.Fatalf("fresh report should clear the alert, %d open", got)
	}
}

func TestJobLifecycleAndListing(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)

	post := func(status string, progress float64) (*http.Response, []byte) {
		return doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/job", map[string]any{
			"robot_id":         "arm-01",
			"job_id":           "job-7",
			"status":           status,
			"progress":         progress,
			"work_units_total": 10,
			"work_units_done":  int(progress * 10),
		})
	}
	if res, body := post("RUNNING", 0.4); res.StatusCode != http.StatusAccepted {
		t.Fatalf("job running status %d: %s", res.StatusCode, string(body))
	}
	if res, body := post("DONE", 1.0); res.StatusCode != http.StatusAccepted {
		t.Fatalf("job done status %d: %s", res.StatusCode, string(body))
	}

	// a late replay of the RUNNING update is dropped
	res, body := post("RUNNING", 0.4)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(body))
	}
	var replay IngestJobResponse
	if err := json.Unmarshal(body, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if replay.Applied {
		t.Fatalf("terminal job replay must not apply")
	}
	if replay.Job.Status != domain.JobDone {
		t.Fatalf("stored status %s", replay.Job.Status)
	}

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/jobs?status=DONE", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs status %d", res.StatusCode)
	}
	var jobs JobListResponse
	if err := json.Unmarshal(body, &jobs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(jobs.Jobs) != 1 || jobs.Jobs[0].JobID != "job-7" {
		t.Fatalf("jobs listing %+v", jobs.Jobs)
	}
}

func TestRollupAndDailyReport(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)
	if res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/job", map[string]any{
		"robot_id": "arm-01", "job_id": "j1", "status": "DONE", "work_units_done": 6,
	}); res.StatusCode != http.StatusAccepted {
		t.Fatalf("seed job status %d: %s", res.StatusCode, string(body))
	}

	today := srv.clock.Now().Format("2006-01-02")
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/reports/rollup", map[string]any{"date": today})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("rollup status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/reports/daily?date="+today, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("daily report status %d: %s", res.StatusCode, string(body))
	}
	var report DailyReportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Robots) != 1 {
		t.Fatalf("expected one summary, got %d", len(report.Robots))
	}
	if report.Robots[0].JobsDone != 1 || report.Robots[0].WorkUnitsTotal != 6 {
		t.Fatalf("summary %+v", report.Robots[0])
	}
}

func TestFleetOverviewCounters(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)
	ingestHealth(t, srv, "arm-02", false)
	// clock sits at 12:00 UTC; 2h of active time over the elapsed 12h day
	started := srv.clock.Now().Add(-2 * time.Hour)
	if res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/job", map[string]any{
		"robot_id": "arm-01", "job_id": "j1", "status": "RUNNING", "progress": 0.5,
		"started_at": started.Format(time.RFC3339),
	}); res.StatusCode != http.StatusAccepted {
		t.Fatalf("seed job status %d: %s", res.StatusCode, string(body))
	}

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/api/fleet/overview", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overview status %d: %s", res.StatusCode, string(body))
	}
	var ov FleetOverview
	if err := json.Unmarshal(body, &ov); err != nil {
		t.Fatalf("unmarshal overview: %v", err)
	}
	if ov.TotalCount != 2 || ov.OnlineCount != 2 {
		t.Fatalf("counts %+v", ov)
	}
	if ov.ErrorCount != 1 {
		t.Fatalf("error count %d", ov.ErrorCount)
	}
	if ov.RunningCount != 1 || ov.IdleCount != 1 {
		t.Fatalf("running/idle %d/%d", ov.RunningCount, ov.IdleCount)
	}
	// only arm-01 ran anything: 2h/12h = 1/6
	if ov.AvgUtilizationToday < 0.16 || ov.AvgUtilizationToday > 0.17 {
		t.Fatalf("avg utilization %v, want ~0.167", ov.AvgUtilizationToday)
	}
}

func TestAnalyzeStoresAnalysis(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)
	if res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/error", map[string]any{
		"robot_id": "arm-01", "code": "E_GRIP", "message": "gripper stuck",
	}); res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest error status %d: %s", res.StatusCode, string(body))
	}

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ai/analyze", map[string]any{
		"robot_id": "arm-01",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(body))
	}
	var analysis AnalyzeResponse
	if err := json.Unmarshal(body, &analysis); err != nil {
		t.Fatalf("unmarshal analysis: %v", err)
	}
	if analysis.Fingerprint != "E_GRIP" {
		t.Fatalf("fingerprint %q", analysis.Fingerprint)
	}
	if len(analysis.Analysis) == 0 {
		t.Fatalf("empty analysis payload")
	}
}

func TestDiagnosticsPackage(t *testing.T) {
	srv := newTestServer(t)
	ingestHealth(t, srv, "arm-01", true)

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/diagnostics/package", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diagnostics status %d: %s", res.StatusCode, string(body))
	}
	var pkg DiagnosticsPackage
	if err := json.Unmarshal(body, &pkg); err != nil {
		t.Fatalf("unmarshal package: %v", err)
	}
	if len(pkg.Robots) != 1 || pkg.Robots[0].Robot.RobotID != "arm-01" {
		t.Fatalf("package robots %+v", pkg.Robots)
	}
	if pkg.GeneratedAt == "" {
		t.Fatalf("missing generated_at")
	}

	if res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/ingest/error", map[string]any{
		"robot_id": "arm-01", "code": "E_NAV", "message": "localization lost",
	}); res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest error status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/api/diagnostics/package", map[string]any{
		"robot_id": "arm-01", "fingerprint": "E_NAV",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scoped diagnostics status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &pkg); err != nil {
		t.Fatalf("unmarshal scoped package: %v", err)
	}
	if pkg.Focus == nil || pkg.Focus.Error.Fingerprint != "E_NAV" {
		t.Fatalf("focus %+v", pkg.Focus)
	}
}
