package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const itemCols = `id,assignment_id,title,normalized_title,mandatory,display_order,active,created_at`

func scanItem(scan func(dest ...any) error) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var mandatory, active int
	err := scan(&it.ID, &it.AssignmentID, &it.Title, &it.NormalizedTitle, &mandatory, &it.DisplayOrder, &active, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Mandatory = mandatory != 0
	it.Active = active != 0
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.ChecklistItem) error {
	mandatory, active := 0, 0
	if it.Mandatory {
		mandatory = 1
	}
	if it.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(id,assignment_id,title,normalized_title,mandatory,display_order,active,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.AssignmentID, it.Title, it.NormalizedTitle, mandatory, it.DisplayOrder, active, it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM checklist_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM checklist_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

// ListItems returns checklist items for one assignment; activeOnly filters
// out retired rows.
func (r Repo) ListItems(ctx context.Context, assignmentID string, activeOnly bool) ([]domain.ChecklistItem, error) {
	return r.listItems(ctx, r.DB, assignmentID, activeOnly)
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, assignmentID string, activeOnly bool) ([]domain.ChecklistItem, error) {
	return r.listItems(ctx, tx, assignmentID, activeOnly)
}

func (r Repo) listItems(ctx context.Context, q querier, assignmentID string, activeOnly bool) ([]domain.ChecklistItem, error) {
	query := `SELECT ` + itemCols + ` FROM checklist_items WHERE assignment_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY display_order ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ListSessionItems returns active items across every assignment of a session.
func (r Repo) ListSessionItems(ctx context.Context, q querier, sessionID string) ([]domain.ChecklistItem, error) {
	rows, err := q.QueryContext(ctx, `
SELECT i.id,i.assignment_id,i.title,i.normalized_title,i.mandatory,i.display_order,i.active,i.created_at
FROM checklist_items i
JOIN technician_assignments ta ON ta.id=i.assignment_id
WHERE ta.session_id=? AND i.active=1
ORDER BY i.display_order ASC, i.id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) NextDisplayOrder(ctx context.Context, tx *sql.Tx, assignmentID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(display_order) FROM checklist_items WHERE assignment_id=?`, assignmentID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) UpdateItemTitle(ctx context.Context, tx *sql.Tx, id, title, normalizedTitle string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET title=?, normalized_title=? WHERE id=?`, title, normalizedTitle, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetItemMandatory(ctx context.Context, tx *sql.Tx, id string, mandatory bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET mandatory=? WHERE id=?`, mandatory, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateItem soft-retires an item; historical rows stay for audit.
func (r Repo) DeactivateItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RepointEvidence moves all evidence links from one item to another; used by
// the dedup merge.
func (r Repo) RepointEvidence(ctx context.Context, tx *sql.Tx, fromItemID, toItemID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE evidence_records SET item_id=? WHERE item_id=?`, toItemID, fromItemID)
	return err
}
