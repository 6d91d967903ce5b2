package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"dealdesk/internal/domain"
)

// Repo is the persistence collaborator: record-oriented reads and writes for
// projects, deliverables, escrow and the activity log.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,client_id,talent_id,title,archived,review_stage,has_tracking_info,tracking_info,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClientID, nullableStringPtr(p.TalentID), p.Title, boolInt(p.Archived), string(p.ReviewStage), boolInt(p.HasTrackingInfo), nullable(p.TrackingInfo), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var talentID, trackingInfo sql.NullString
	var archived, hasTracking int
	err := r.DB.QueryRowContext(ctx, `SELECT id,client_id,talent_id,title,archived,review_stage,has_tracking_info,tracking_info,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.ClientID, &talentID, &p.Title, &archived, &p.ReviewStage, &hasTracking, &trackingInfo, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if talentID.Valid {
		p.TalentID = &talentID.String
	}
	if trackingInfo.Valid {
		p.TrackingInfo = trackingInfo.String
	}
	p.Archived = archived != 0
	p.HasTrackingInfo = hasTracking != 0
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,client_id,talent_id,title,archived,review_stage,has_tracking_info,tracking_info,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var talentID, trackingInfo sql.NullString
		var archived, hasTracking int
		if err := rows.Scan(&p.ID, &p.ClientID, &talentID, &p.Title, &archived, &p.ReviewStage, &hasTracking, &trackingInfo, &p.CreatedAt); err != nil {
			return nil, err
		}
		if talentID.Valid {
			p.TalentID = &talentID.String
		}
		if trackingInfo.Valid {
			p.TrackingInfo = trackingInfo.String
		}
		p.Archived = archived != 0
		p.HasTrackingInfo = hasTracking != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, errors.New("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET client_id=?, talent_id=?, title=?, archived=?, review_stage=?, has_tracking_info=?, tracking_info=? WHERE id=?`,
		p.ClientID, nullableStringPtr(p.TalentID), p.Title, boolInt(p.Archived), string(p.ReviewStage), boolInt(p.HasTrackingInfo), nullable(p.TrackingInfo), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	kpis, err := marshalKPIs(d.KPIs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deliverables(id,project_id,title,description,problem,kpis_json,status,estimated_hours,actual_hours,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Title, nullable(d.Description), nullable(d.Problem), kpis, string(d.Status), d.EstimatedHours, d.ActualHours, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) UpdateDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	kpis, err := marshalKPIs(d.KPIs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE deliverables SET title=?, description=?, problem=?, kpis_json=?, status=?, estimated_hours=?, actual_hours=?, updated_at=? WHERE id=?`,
		d.Title, nullable(d.Description), nullable(d.Problem), kpis, string(d.Status), d.EstimatedHours, d.ActualHours, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDeliverable(scan func(dest ...any) error) (domain.Deliverable, error) {
	var d domain.Deliverable
	var description, problem, kpis sql.NullString
	err := scan(&d.ID, &d.ProjectID, &d.Title, &description, &problem, &kpis, &d.Status, &d.EstimatedHours, &d.ActualHours, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	if description.Valid {
		d.Description = description.String
	}
	if problem.Valid {
		d.Problem = problem.String
	}
	if kpis.Valid && kpis.String != "" {
		_ = json.Unmarshal([]byte(kpis.String), &d.KPIs)
	}
	return d, nil
}

const deliverableCols = `id,project_id,title,description,problem,kpis_json,status,estimated_hours,actual_hours,created_at,updated_at`

func (r Repo) GetDeliverable(ctx context.Context, id string) (domain.Deliverable, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE id=?`, id)
	d, err := scanDeliverable(row.Scan)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if d.TimeEntries, err = r.ListTimeEntries(ctx, d.ID); err != nil {
		return d, err
	}
	if d.Files, err = r.ListFiles(ctx, d.ID); err != nil {
		return d, err
	}
	return d, nil
}

// ListDeliverables returns a project's deliverables in creation order, with
// time entries and files attached.
func (r Repo) ListDeliverables(ctx context.Context, projectID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deliverableCols+` FROM deliverables WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].TimeEntries, err = r.ListTimeEntries(ctx, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Files, err = r.ListFiles(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) InsertTimeEntry(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO time_entries(id,deliverable_id,start_time,end_time,hours_logged) VALUES (?,?,?,?,?)`,
		e.ID, e.DeliverableID, e.StartTime, nullableStringPtr(e.EndTime), nullableFloatPtr(e.HoursLogged))
	return err
}

func (r Repo) CloseTimeEntry(ctx context.Context, tx *sql.Tx, e domain.TimeEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE time_entries SET end_time=?, hours_logged=? WHERE id=?`,
		nullableStringPtr(e.EndTime), nullableFloatPtr(e.HoursLogged), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTimeEntries(ctx context.Context, deliverableID string) ([]domain.TimeEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deliverable_id,start_time,end_time,hours_logged FROM time_entries WHERE deliverable_id=? ORDER BY start_time ASC, id ASC`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimeEntry
	for rows.Next() {
		var e domain.TimeEntry
		var endTime sql.NullString
		var hours sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.DeliverableID, &e.StartTime, &endTime, &hours); err != nil {
			return nil, err
		}
		if endTime.Valid {
			e.EndTime = &endTime.String
		}
		if hours.Valid {
			h := hours.Float64
			e.HoursLogged = &h
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertFile(ctx context.Context, tx *sql.Tx, f domain.FileAttachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO files(id,deliverable_id,name,url,uploaded_at) VALUES (?,?,?,?,?)`,
		f.ID, f.DeliverableID, f.Name, f.URL, f.UploadedAt)
	return err
}

func (r Repo) ListFiles(ctx context.Context, deliverableID string) ([]domain.FileAttachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,deliverable_id,name,url,uploaded_at FROM files WHERE deliverable_id=? ORDER BY uploaded_at ASC, id ASC`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FileAttachment
	for rows.Next() {
		var f domain.FileAttachment
		if err := rows.Scan(&f.ID, &f.DeliverableID, &f.Name, &f.URL, &f.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// GetEscrowStatus returns the stored escrow status, defaulting to idle when
// no row exists yet.
func (r Repo) GetEscrowStatus(ctx context.Context, projectID string) (domain.EscrowStatus, error) {
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM escrow_status WHERE project_id=?`, projectID).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.EscrowIdle, nil
	}
	if err != nil {
		return "", err
	}
	return domain.EscrowStatus(status), nil
}

func (r Repo) SetEscrowStatus(ctx context.Context, tx *sql.Tx, projectID string, status domain.EscrowStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrow_status(project_id,status) VALUES (?,?)
ON CONFLICT(project_id) DO UPDATE SET status=excluded.status`, projectID, string(status))
	return err
}

func (r Repo) AppendEscrowHistory(ctx context.Context, tx *sql.Tx, e domain.EscrowEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrow_history(id,project_id,action,actor_id,actor_role,reason,override_action,ts) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, string(e.Action), e.ActorID, string(e.ActorRole), nullable(e.Reason), nullable(e.OverrideAction), e.TS)
	return err
}

func (r Repo) ListEscrowHistory(ctx context.Context, projectID string) ([]domain.EscrowEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,action,actor_id,actor_role,reason,override_action,ts FROM escrow_history WHERE project_id=? ORDER BY ts ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscrowEntry
	for rows.Next() {
		var e domain.EscrowEntry
		var reason, override sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &e.ActorID, &e.ActorRole, &reason, &override, &e.TS); err != nil {
			return nil, err
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		if override.Valid {
			e.OverrideAction = override.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetEscrowState loads status and full history together.
func (r Repo) GetEscrowState(ctx context.Context, projectID string) (domain.EscrowState, error) {
	status, err := r.GetEscrowStatus(ctx, projectID)
	if err != nil {
		return domain.EscrowState{}, err
	}
	history, err := r.ListEscrowHistory(ctx, projectID)
	if err != nil {
		return domain.EscrowState{}, err
	}
	return domain.EscrowState{ProjectID: projectID, Status: status, History: history}, nil
}

func (r Repo) ListActivity(ctx context.Context, projectID string, limit int) ([]domain.ActivityEntry, error) {
	query := `SELECT id,project_id,ts,actor_id,message,payload_json FROM activity_log WHERE project_id=? ORDER BY id ASC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TS, &e.ActorID, &e.Message, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalKPIs(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
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

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
