package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer is the single ordering authority for a case's event log. Every
// append runs inside the caller's transaction and allocates the next sequence
// number there, so concurrent writers never interleave partial events and the
// log stays totally ordered per case.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append marshals payload and inserts the event with seq = MAX(seq)+1 for the
// case. Events are immutable once the transaction commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, caseID, sourceRole, kind string, payload any) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE case_id=?`, caseID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(case_id,seq,ts,source_role,kind,payload_json) VALUES (?,?,?,?,?,?)`,
		caseID, seq, ts, sourceRole, kind, string(data)); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}
