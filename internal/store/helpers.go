package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

// scanTurnRecord scans a TurnRecord from a single sql.Row.
// Returns (nil, nil) when the row does not exist.
func scanTurnRecord(row *sql.Row) (*models.TurnRecord, error) {
	var rec models.TurnRecord
	var endedAt sql.NullTime
	err := row.Scan(&rec.MessageID, &rec.Identity, &rec.StartedAt, &rec.Replied, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn record failed: %w", err)
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return &rec, nil
}

// scanRecoveryAttempts scans the recovery audit rows.
func scanRecoveryAttempts(rows *sql.Rows) ([]models.RecoveryAttempt, error) {
	var out []models.RecoveryAttempt
	for rows.Next() {
		var att models.RecoveryAttempt
		var stage, result string
		var recoveryMs int64
		if err := rows.Scan(&att.ExecutionID, &stage, &att.ErrorKind, &att.Strategy, &result, &recoveryMs, &att.Timestamp); err != nil {
			return nil, fmt.Errorf("scan recovery attempt failed: %w", err)
		}
		att.Stage = models.Stage(stage)
		att.Result = models.RecoveryResult(result)
		att.RecoveryTime = time.Duration(recoveryMs) * time.Millisecond
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recovery attempts failed: %w", err)
	}
	return out, nil
}

// scanEscalations scans escalation record rows.
func scanEscalations(rows *sql.Rows) ([]models.EscalationRecord, error) {
	var out []models.EscalationRecord
	for rows.Next() {
		var rec models.EscalationRecord
		var stage string
		if err := rows.Scan(&rec.EscalationID, &stage, &rec.Reason, &rec.Identity, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan escalation failed: %w", err)
		}
		rec.Stage = models.Stage(stage)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations failed: %w", err)
	}
	return out, nil
}
