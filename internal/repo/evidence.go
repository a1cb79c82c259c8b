package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const evidenceCols = `id,assignment_id,item_id,COALESCE(locator,''),COALESCE(caption,''),COALESCE(note,''),COALESCE(filename,''),captured_at,created_at`

func scanEvidence(scan func(dest ...any) error) (domain.EvidenceRecord, error) {
	var ev domain.EvidenceRecord
	var itemID sql.NullString
	err := scan(&ev.ID, &ev.AssignmentID, &itemID, &ev.Locator, &ev.Caption, &ev.Note, &ev.Filename, &ev.CapturedAt, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if itemID.Valid {
		ev.ItemID = &itemID.String
	}
	return ev, nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.EvidenceRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_records(id,assignment_id,item_id,locator,caption,note,filename,captured_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.AssignmentID, nullableStringPtr(ev.ItemID), nullable(ev.Locator), nullable(ev.Caption), nullable(ev.Note), nullable(ev.Filename), ev.CapturedAt, ev.CreatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.EvidenceRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evidenceCols+` FROM evidence_records WHERE id=?`, id)
	return scanEvidence(row.Scan)
}

// ListEvidence returns all evidence of one assignment in capture order.
func (r Repo) ListEvidence(ctx context.Context, assignmentID string) ([]domain.EvidenceRecord, error) {
	return r.listEvidence(ctx, r.DB, `SELECT `+evidenceCols+` FROM evidence_records WHERE assignment_id=? ORDER BY captured_at ASC, id ASC`, assignmentID)
}

// ListOrphans returns unlinked evidence of one assignment in capture order.
func (r Repo) ListOrphans(ctx context.Context, q querier, assignmentID string) ([]domain.EvidenceRecord, error) {
	return r.listEvidence(ctx, q, `SELECT `+evidenceCols+` FROM evidence_records WHERE assignment_id=? AND item_id IS NULL ORDER BY captured_at ASC, id ASC`, assignmentID)
}

// ListSessionEvidence returns all evidence across a session's assignments.
func (r Repo) ListSessionEvidence(ctx context.Context, q querier, sessionID string) ([]domain.EvidenceRecord, error) {
	return r.listEvidence(ctx, q, `
SELECT e.id,e.assignment_id,e.item_id,COALESCE(e.locator,''),COALESCE(e.caption,''),COALESCE(e.note,''),COALESCE(e.filename,''),e.captured_at,e.created_at
FROM evidence_records e
JOIN technician_assignments ta ON ta.id=e.assignment_id
WHERE ta.session_id=?
ORDER BY e.captured_at ASC, e.id ASC`, sessionID)
}

func (r Repo) listEvidence(ctx context.Context, q querier, query string, args ...any) ([]domain.EvidenceRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidenceRecord
	for rows.Next() {
		ev, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LinkEvidence attaches an orphan to a checklist item. The item_id IS NULL
// guard is the optimistic check against concurrent repair runs: zero
// affected rows means another writer got there first.
func (r Repo) LinkEvidence(ctx context.Context, tx *sql.Tx, evidenceID, itemID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evidence_records SET item_id=? WHERE id=? AND item_id IS NULL`, itemID, evidenceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLinks returns linked-evidence counts keyed by item id for one session.
func (r Repo) CountLinks(ctx context.Context, q querier, sessionID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `
SELECT e.item_id, count(*)
FROM evidence_records e
JOIN technician_assignments ta ON ta.id=e.assignment_id
WHERE ta.session_id=? AND e.item_id IS NOT NULL
GROUP BY e.item_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var itemID string
		var count int
		if err := rows.Scan(&itemID, &count); err != nil {
			return nil, err
		}
		res[itemID] = count
	}
	return res, rows.Err()
}
