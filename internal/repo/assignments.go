package repo

import (
	"context"
	"database/sql"

	"fieldproof/internal/domain"
)

const assignmentCols = `id,session_id,technician_id,state,retry_enabled,accepted_at,finalized_at,rejected_at,created_at`

func scanAssignment(scan func(dest ...any) error) (domain.TechnicianAssignment, error) {
	var a domain.TechnicianAssignment
	var retry int
	var acceptedAt, finalizedAt, rejectedAt sql.NullString
	err := scan(&a.ID, &a.SessionID, &a.TechnicianID, &a.State, &retry, &acceptedAt, &finalizedAt, &rejectedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RetryEnabled = retry != 0
	if acceptedAt.Valid {
		a.AcceptedAt = &acceptedAt.String
	}
	if finalizedAt.Valid {
		a.FinalizedAt = &finalizedAt.String
	}
	if rejectedAt.Valid {
		a.RejectedAt = &rejectedAt.String
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.TechnicianAssignment) error {
	retry := 0
	if a.RetryEnabled {
		retry = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO technician_assignments(id,session_id,technician_id,state,retry_enabled,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.TechnicianID, a.State, retry, a.CreatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.TechnicianAssignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM technician_assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentByTechnician(ctx context.Context, q querier, sessionID, technicianID string) (domain.TechnicianAssignment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM technician_assignments WHERE session_id=? AND technician_id=?`, sessionID, technicianID)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignments(ctx context.Context, sessionID string) ([]domain.TechnicianAssignment, error) {
	return r.listAssignments(ctx, r.DB, sessionID)
}

func (r Repo) ListAssignmentsTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.TechnicianAssignment, error) {
	return r.listAssignments(ctx, tx, sessionID)
}

func (r Repo) listAssignments(ctx context.Context, q querier, sessionID string) ([]domain.TechnicianAssignment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+assignmentCols+` FROM technician_assignments WHERE session_id=? ORDER BY created_at ASC, technician_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TechnicianAssignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkAssignmentAccepted is a conditional transition from the given state.
func (r Repo) MarkAssignmentAccepted(ctx context.Context, tx *sql.Tx, id, fromState, acceptedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE technician_assignments SET state=?, accepted_at=?, rejected_at=NULL, retry_enabled=0 WHERE id=? AND state=?`,
		domain.AssignmentAccepted, acceptedAt, id, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAssignment returns an assignment to the initial state, clearing all
// progress timestamps.
func (r Repo) ResetAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE technician_assignments SET state=?, retry_enabled=0, accepted_at=NULL, finalized_at=NULL, rejected_at=NULL WHERE id=?`,
		domain.AssignmentAssigned, id)
	return err
}

// ResetSessionAssignments resets every assignment of a session at once.
func (r Repo) ResetSessionAssignments(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE technician_assignments SET state=?, retry_enabled=0, accepted_at=NULL, finalized_at=NULL, rejected_at=NULL WHERE session_id=?`,
		domain.AssignmentAssigned, sessionID)
	return err
}

// FinalizeSessionAssignments stamps every assignment with one shared
// finalize timestamp.
func (r Repo) FinalizeSessionAssignments(ctx context.Context, tx *sql.Tx, sessionID, finalizedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE technician_assignments SET state=?, finalized_at=? WHERE session_id=?`,
		domain.AssignmentUnderReview, finalizedAt, sessionID)
	return err
}

// RejectSessionAssignments moves reviewed assignments to rejected with retry
// enabled so technicians can re-accept.
func (r Repo) RejectSessionAssignments(ctx context.Context, tx *sql.Tx, sessionID, rejectedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE technician_assignments SET state=?, retry_enabled=1, rejected_at=? WHERE session_id=? AND state=?`,
		domain.AssignmentRejected, rejectedAt, sessionID, domain.AssignmentUnderReview)
	return err
}

// DeleteAssignment removes an assignment; checklist items and evidence
// cascade with it.
func (r Repo) DeleteAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM technician_assignments WHERE id=?`, id)
	return err
}
