package repo

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"dealnexus/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,client,status,created_at) VALUES (?,?,?,?)`,
		c.ID, nullable(c.Client), c.Status, c.CreatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	var c domain.Case
	var client sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,client,status,created_at FROM cases WHERE id=?`, id).
		Scan(&c.ID, &client, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if client.Valid {
		c.Client = client.String
	}
	return c, err
}

func (r Repo) ListCases(ctx context.Context) ([]domain.Case, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(client,'') AS client,status,created_at FROM cases ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		if err := rows.Scan(&c.ID, &c.Client, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCaseStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns the full ordered log for a case. Readers always see a
// consistent committed prefix; in-flight appends are invisible until commit.
func (r Repo) ListEvents(ctx context.Context, caseID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT case_id,seq,ts,source_role,kind,payload_json FROM events WHERE case_id=? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsTx reads the log inside an open transaction, for validations that
// must see the same snapshot they append against.
func (r Repo) ListEventsTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.Event, error) {
	rows, err := tx.QueryContext(ctx, `SELECT case_id,seq,ts,source_role,kind,payload_json FROM events WHERE case_id=? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventFilter narrows LatestEvents. Zero values mean "no filter".
type EventFilter struct {
	Kind       string
	SourceRole string
	Limit      int
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, caseID string, f EventFilter) ([]domain.Event, error) {
	q := sq.Select("case_id", "seq", "ts", "source_role", "kind", "payload_json").
		From("events").
		Where(sq.Eq{"case_id": caseID}).
		OrderBy("seq DESC")
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	if f.SourceRole != "" {
		q = q.Where(sq.Eq{"source_role": f.SourceRole})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.CaseID, &e.Seq, &e.TS, &e.SourceRole, &e.Kind, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
