package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch/internal/domain"
)

// UpsertDailySummary writes the rollup for one (date, robot) pair.
// Re-running a rollup overwrites the record, which keeps the operation
// idempotent across restarts and manual re-triggers.
func (r Repo) UpsertDailySummary(ctx context.Context, s domain.DailySummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal daily summary: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.exec(ctx, `INSERT INTO reports_daily(report_date,robot_id,summary_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(report_date,robot_id) DO UPDATE SET summary_json=excluded.summary_json, created_at=excluded.created_at`,
		s.Date, s.RobotID, string(payload), now)
	return err
}

// ListDailySummaries returns every robot's summary for one date.
func (r Repo) ListDailySummaries(ctx context.Context, date string) ([]domain.DailySummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT summary_json FROM reports_daily WHERE report_date=? ORDER BY robot_id`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DailySummary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s domain.DailySummary
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("decode daily summary: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertErrorAnalysis stores an opaque human or AI authored analysis
// attached to an error occurrence.
func (r Repo) InsertErrorAnalysis(ctx context.Context, errorID int64, robotID, fingerprint string, analysis map[string]any, createdAt time.Time) error {
	payload, err := marshalMap(analysis)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = "{}"
	}
	var errID any
	if errorID > 0 {
		errID = errorID
	}
	_, err = r.exec(ctx, `INSERT INTO error_analyses(error_id,robot_id,fingerprint,analysis_json,created_at) VALUES (?,?,?,?,?)`,
		errID, nullable(robotID), nullable(fingerprint), payload, formatTime(createdAt))
	return err
}
