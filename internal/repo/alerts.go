package repo

import (
	"context"
	"database/sql"
	"time"

	"fleetwatch/internal/domain"
)

func (r Repo) InsertAlert(ctx context.Context, a domain.Alert) error {
	_, err := r.exec(ctx, `INSERT INTO alerts(alert_id,robot_id,severity,type,message,fired_at,ack_status,ack_by,ack_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.AlertID, a.RobotID, a.Severity, a.Type, a.Message, formatTime(a.FiredAt), a.AckStatus, nullable(a.AckBy), formatTimePtr(a.AckAt))
	return err
}

func (r Repo) GetAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT alert_id,robot_id,severity,type,message,fired_at,ack_status,COALESCE(ack_by,''),ack_at FROM alerts WHERE alert_id=?`, alertID)
	return scanAlert(row)
}

// SetAlertAck records an acknowledgement or resolution.
func (r Repo) SetAlertAck(ctx context.Context, alertID, ackStatus, ackBy string, ackAt time.Time) error {
	res, err := r.exec(ctx, `UPDATE alerts SET ack_status=?, ack_by=?, ack_at=? WHERE alert_id=?`,
		ackStatus, nullable(ackBy), formatTime(ackAt), alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpenAlerts returns alerts not yet resolved, newest first.
func (r Repo) ListOpenAlerts(ctx context.Context) ([]domain.Alert, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT alert_id,robot_id,severity,type,message,fired_at,ack_status,COALESCE(ack_by,''),ack_at FROM alerts WHERE ack_status != 'resolved' ORDER BY fired_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var fired string
		var ackAt sql.NullString
		if err := rows.Scan(&a.AlertID, &a.RobotID, &a.Severity, &a.Type, &a.Message, &fired, &a.AckStatus, &a.AckBy, &ackAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, fired); err == nil {
			a.FiredAt = t
		}
		a.AckAt = parseTimePtr(ackAt)
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAlert(row *sql.Row) (domain.Alert, error) {
	var a domain.Alert
	var fired string
	var ackAt sql.NullString
	err := row.Scan(&a.AlertID, &a.RobotID, &a.Severity, &a.Type, &a.Message, &fired, &a.AckStatus, &a.AckBy, &ackAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if t, err := time.Parse(time.RFC3339, fired); err == nil {
		a.FiredAt = t
	}
	a.AckAt = parseTimePtr(ackAt)
	return a, nil
}
