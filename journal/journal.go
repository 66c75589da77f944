package journal

import (
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"SafetyDetConsole/session"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Entry is one completed PPE scan.
type Entry struct {
	ID              int64             `json:"id"`
	CreatedAt       time.Time         `json:"createdAt"`
	SessionID       string            `json:"sessionID"`
	ComplianceRate  float64           `json:"complianceRate"`
	HazardLevel     iface.HazardLevel `json:"hazardLevel"`
	AlertMessage    string            `json:"alertMessage"`
	DetectedPPE     []string          `json:"detectedPPE"`
	MissingPPE      []string          `json:"missingPPE"`
	TotalDetections int               `json:"totalDetections"`
	LatencyMs       int64             `json:"latencyMs"`
}

type Journal struct {
	db  *sql.DB
	log *zap.Logger
}

func Open(path string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = logger.Log()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	j := &Journal{db: db, log: log}
	if err := j.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("scan journal initialized", zap.String("path", path))
	return j, nil
}

func (j *Journal) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		compliance_rate REAL NOT NULL,
		hazard_level TEXT NOT NULL,
		alert_message TEXT,
		detected_ppe TEXT,
		missing_ppe TEXT,
		total_detections INTEGER NOT NULL,
		latency_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_scans_session ON scans(session_id);
	CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	detected, err := json.Marshal(nonNil(e.DetectedPPE))
	if err != nil {
		return 0, err
	}
	missing, err := json.Marshal(nonNil(e.MissingPPE))
	if err != nil {
		return 0, err
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO scans (created_at, session_id, compliance_rate, hazard_level,
			alert_message, detected_ppe, missing_ppe, total_detections, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CreatedAt.UnixMilli(), e.SessionID, e.ComplianceRate, string(e.HazardLevel),
		e.AlertMessage, string(detected), string(missing), e.TotalDetections, e.LatencyMs)
	if err != nil {
		return 0, fmt.Errorf("failed to record scan: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first. An empty sessionID
// matches every session.
func (j *Journal) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = iface.MaxRecentEvents
	}
	query := `SELECT id, created_at, session_id, compliance_rate, hazard_level,
		alert_message, detected_ppe, missing_ppe, total_detections, latency_ms
		FROM scans`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                Entry
			createdAt        int64
			level            string
			alert, det, miss sql.NullString
			latency          sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &createdAt, &e.SessionID, &e.ComplianceRate, &level,
			&alert, &det, &miss, &e.TotalDetections, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		e.HazardLevel = iface.HazardLevel(level)
		e.AlertMessage = alert.String
		e.LatencyMs = latency.Int64
		if det.Valid {
			if err := json.Unmarshal([]byte(det.String), &e.DetectedPPE); err != nil {
				return nil, fmt.Errorf("failed to decode detected_ppe of scan %d: %w", e.ID, err)
			}
		}
		if miss.Valid {
			if err := json.Unmarshal([]byte(miss.String), &e.MissingPPE); err != nil {
				return nil, fmt.Errorf("failed to decode missing_ppe of scan %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Observer records every successful PPE scan. Write failures are logged and
// never reach the session.
func (j *Journal) Observer() session.Observer {
	return func(ev session.Event) {
		if ev.Kind != session.EventPPE || ev.PPE == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := j.Record(ctx, Entry{
			CreatedAt:       time.Now(),
			SessionID:       ev.SessionID,
			ComplianceRate:  ev.PPE.Compliance.ComplianceRate,
			HazardLevel:     ev.PPE.Compliance.HazardLevel,
			AlertMessage:    ev.PPE.Compliance.AlertMessage,
			DetectedPPE:     ev.PPE.Compliance.DetectedPPE,
			MissingPPE:      ev.PPE.Compliance.MissingPPE,
			TotalDetections: ev.PPE.TotalDetections,
			LatencyMs:       ev.Latency.Milliseconds(),
		})
		if err != nil {
			j.log.Error("journal write failed", zap.String("session", ev.SessionID), zap.Error(err))
		}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
