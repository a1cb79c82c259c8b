package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const orderCols = `id,COALESCE(site,''),COALESCE(description,''),state,COALESCE(rejection_reason,''),COALESCE(reopen_reason,''),assigned_by,approved_by,approved_at,rejected_by,finalized_by,created_at,updated_at`

func scanOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var o domain.WorkOrder
	var assignedBy, approvedBy, approvedAt, rejectedBy, finalizedBy sql.NullString
	err := scan(&o.ID, &o.Site, &o.Description, &o.State, &o.RejectionReason, &o.ReopenReason,
		&assignedBy, &approvedBy, &approvedAt, &rejectedBy, &finalizedBy, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if assignedBy.Valid {
		o.AssignedBy = &assignedBy.String
	}
	if approvedBy.Valid {
		o.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		o.ApprovedAt = &approvedAt.String
	}
	if rejectedBy.Valid {
		o.RejectedBy = &rejectedBy.String
	}
	if finalizedBy.Valid {
		o.FinalizedBy = &finalizedBy.String
	}
	return o, nil
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(id,site,description,state,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		o.ID, nullable(o.Site), nullable(o.Description), o.State, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return r.getOrder(ctx, r.DB, id)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return r.getOrder(ctx, tx, id)
}

func (r Repo) getOrder(ctx context.Context, q querier, id string) (domain.WorkOrder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM work_orders WHERE id=?`, id)
	o, err := scanOrder(row.Scan)
	if err != nil {
		return o, err
	}
	roster, err := r.orderRoster(ctx, q, id)
	if err != nil {
		return o, err
	}
	o.Roster = roster
	return o, nil
}

func (r Repo) orderRoster(ctx context.Context, q querier, orderID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT ta.technician_id FROM technician_assignments ta
JOIN evidence_sessions s ON s.id=ta.session_id
WHERE s.order_id=? ORDER BY ta.created_at ASC, ta.technician_id ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roster []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roster = append(roster, id)
	}
	return roster, rows.Err()
}

type OrderFilters struct {
	State           string
	TechnicianID    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.WorkOrder, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.TechnicianID != "" {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM technician_assignments ta
			JOIN evidence_sessions s ON s.id=ta.session_id
			WHERE s.order_id=work_orders.id AND ta.technician_id=?)`)
		args = append(args, f.TechnicianID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + orderCols + ` FROM work_orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		roster, err := r.orderRoster(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Roster = roster
	}
	return res, nil
}

// UpdateOrderState performs a conditional transition; it reports
// ErrNotFound when no row matched id+fromState, letting the engine treat a
// lost race as a no-op or a conflict.
func (r Repo) UpdateOrderState(ctx context.Context, tx *sql.Tx, id, fromState, toState, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET state=?, updated_at=? WHERE id=? AND state=?`,
		toState, now, id, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrderStateUpdate carries the audit fields written together with a transition.
type OrderStateUpdate struct {
	FromState       string
	ToState         string
	RejectionReason *string
	ReopenReason    *string
	AssignedBy      *string
	ApprovedBy      *string
	ApprovedAt      *string
	RejectedBy      *string
	FinalizedBy     *string
	ClearApproval   bool
	ClearRejection  bool
}

func (r Repo) TransitionOrder(ctx context.Context, tx *sql.Tx, id string, u OrderStateUpdate, now string) error {
	sets := []string{"state=?", "updated_at=?"}
	args := []any{u.ToState, now}
	if u.RejectionReason != nil {
		sets = append(sets, "rejection_reason=?")
		args = append(args, nullable(*u.RejectionReason))
	}
	if u.ReopenReason != nil {
		sets = append(sets, "reopen_reason=?")
		args = append(args, nullable(*u.ReopenReason))
	}
	if u.AssignedBy != nil {
		sets = append(sets, "assigned_by=?")
		args = append(args, *u.AssignedBy)
	}
	if u.ApprovedBy != nil {
		sets = append(sets, "approved_by=?")
		args = append(args, *u.ApprovedBy)
	}
	if u.ApprovedAt != nil {
		sets = append(sets, "approved_at=?")
		args = append(args, *u.ApprovedAt)
	}
	if u.RejectedBy != nil {
		sets = append(sets, "rejected_by=?")
		args = append(args, *u.RejectedBy)
	}
	if u.FinalizedBy != nil {
		sets = append(sets, "finalized_by=?")
		args = append(args, *u.FinalizedBy)
	}
	if u.ClearApproval {
		sets = append(sets, "approved_by=NULL", "approved_at=NULL")
	}
	if u.ClearRejection {
		sets = append(sets, "rejected_by=NULL", "rejection_reason=NULL")
	}
	args = append(args, id, u.FromState)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE work_orders SET %s WHERE id=? AND state=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.EvidenceSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_sessions(id,order_id,state,created_at) VALUES (?,?,?,?)`,
		s.ID, s.OrderID, s.State, s.CreatedAt)
	return err
}

func (r Repo) GetSessionByOrder(ctx context.Context, orderID string) (domain.EvidenceSession, error) {
	return r.getSessionByOrder(ctx, r.DB, orderID)
}

func (r Repo) GetSessionByOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (domain.EvidenceSession, error) {
	return r.getSessionByOrder(ctx, tx, orderID)
}

func (r Repo) getSessionByOrder(ctx context.Context, q querier, orderID string) (domain.EvidenceSession, error) {
	var s domain.EvidenceSession
	err := q.QueryRowContext(ctx, `SELECT id,order_id,state,created_at FROM evidence_sessions WHERE order_id=?`, orderID).
		Scan(&s.ID, &s.OrderID, &s.State, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// SetSessionState writes the derived session state during bulk transitions.
func (r Repo) SetSessionState(ctx context.Context, tx *sql.Tx, sessionID, state string) error {
	_, err := tx.ExecContext(ctx, `UPDATE evidence_sessions SET state=? WHERE id=?`, state, sessionID)
	return err
}

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, name string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, name, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, name string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, name, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, name string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.Name = name
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(name,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, name, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, name string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.Name == "" {
		cfg.Workspace.Name = name
	}
	return &cfg, cfg.Validate()
}

func (r Repo) CountOrdersByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM work_orders GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, orderID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, orderID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(order_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(order_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrderID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
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

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
