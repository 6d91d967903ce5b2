// Package engine coordinates the marketplace project lifecycle: it owns the
// transactions, delegates phase derivation and escrow transitions to their
// pure packages, and appends activity-log entries alongside every mutation.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/config"
	"dealdesk/internal/domain"
	"dealdesk/internal/escrow"
	"dealdesk/internal/events"
	"dealdesk/internal/notify"
	"dealdesk/internal/phase"
	"dealdesk/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Escrow   escrow.Machine
	Notifier notify.Notifier
	Now      func() time.Time

	// locks serializes escrow transitions per project, and time-tracking
	// mutations per deliverable, so concurrent actions observe each other's
	// writes.
	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Escrow:   escrow.New(),
		Notifier: notify.Nop{},
		Now:      time.Now,
		locks:    newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if e.Notifier == nil {
		return
	}
	n.TS = e.nowStr()
	e.Notifier.Send(ctx, n)
}

// counterpart returns the other side of the project from the acting party.
// Admin actions notify the client.
func counterpart(p domain.Project, actor domain.Actor) string {
	if actor.Role == domain.RoleTalent {
		return p.ClientID
	}
	if p.TalentID != nil {
		return *p.TalentID
	}
	return ""
}

// PersistenceError wraps a storage failure during a lifecycle operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return PersistenceError{Op: op, Err: err}
}

type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.entries[key]
	if !ok {
		m = &sync.Mutex{}
		k.entries[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ProjectCreateOptions are parameters for posting a new project.
type ProjectCreateOptions struct {
	ID       string
	ClientID string
	Title    string
	Actor    domain.Actor
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.ClientID == "" {
		return domain.Project{}, domain.ValidationError{Field: "client_id", Reason: "required"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		ClientID:    opts.ClientID,
		Title:       opts.Title,
		ReviewStage: domain.StageNone,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("create project", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("insert project", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, opts.Actor.ID, "Project created: "+p.Title, events.Payload{"client_id": p.ClientID}); err != nil {
		return domain.Project{}, persistErr("log project creation", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("create project", err)
	}
	return p, nil
}

// AssignTalent records the talent who picked the project up, moving it out of
// the live phase.
func (e Engine) AssignTalent(ctx context.Context, projectID, talentID string, actor domain.Actor) (domain.Project, error) {
	if talentID == "" {
		return domain.Project{}, domain.ValidationError{Field: "talent_id", Reason: "required"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Assigned() {
		return domain.Project{}, domain.ValidationError{Field: "talent_id", Reason: "project already assigned"}
	}
	p.TalentID = &talentID
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("assign talent", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("update project", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, actor.ID, "Talent assigned: "+talentID, nil); err != nil {
		return domain.Project{}, persistErr("log assignment", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("assign talent", err)
	}
	e.notify(ctx, notify.Notification{
		RecipientID: p.ClientID,
		ProjectID:   p.ID,
		Kind:        "project.assigned",
		Title:       "Talent assigned",
		Message:     fmt.Sprintf("%s picked up %q", talentID, p.Title),
	})
	return p, nil
}

// ArchiveProject closes the project out. An archived project with every
// deliverable signed off reads as complete even without tracking info.
func (e Engine) ArchiveProject(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Archived {
		return p, nil
	}
	p.Archived = true
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("archive project", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("update project", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, actor.ID, "Project archived", nil); err != nil {
		return domain.Project{}, persistErr("log archive", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("archive project", err)
	}
	return p, nil
}

// DeliverableCreateOptions are parameters for adding a work item.
type DeliverableCreateOptions struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string
	Problem        string
	KPIs           []string
	EstimatedHours float64
	Actor          domain.Actor
}

func (e Engine) AddDeliverable(ctx context.Context, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	if opts.Title == "" {
		return domain.Deliverable{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if p.Archived {
		return domain.Deliverable{}, domain.ValidationError{Field: "project", Reason: "archived"}
	}
	estimated := opts.EstimatedHours
	if estimated == 0 && e.Config != nil {
		estimated = e.Config.Projects.DefaultEstimatedHours
	}
	if estimated < 0 {
		return domain.Deliverable{}, domain.ValidationError{Field: "estimated_hours", Reason: "must not be negative"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	d := domain.Deliverable{
		ID:             id,
		ProjectID:      p.ID,
		Title:          opts.Title,
		Description:    opts.Description,
		Problem:        opts.Problem,
		KPIs:           opts.KPIs,
		Status:         domain.StatusRecommended,
		EstimatedHours: estimated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, persistErr("add deliverable", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, persistErr("insert deliverable", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, opts.Actor.ID, "New deliverable added: "+d.Title, events.Payload{"status": string(d.Status)}); err != nil {
		return domain.Deliverable{}, persistErr("log deliverable", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, persistErr("add deliverable", err)
	}
	return d, nil
}

// UpdateDeliverableStatus moves a work item through its workflow. Sign-off
// statuses are the client's to grant; earlier statuses are the talent's.
// Admins may set anything.
func (e Engine) UpdateDeliverableStatus(ctx context.Context, deliverableID string, status domain.DeliverableStatus, actor domain.Actor) (domain.Deliverable, error) {
	if !domain.ValidDeliverableStatus(status) {
		return domain.Deliverable{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if actor.Role != domain.RoleAdmin {
		if status.SignedOff() && actor.Role != domain.RoleClient {
			return domain.Deliverable{}, domain.AuthorizationError{Role: actor.Role, Action: "sign off a deliverable"}
		}
		if !status.SignedOff() && actor.Role != domain.RoleTalent {
			return domain.Deliverable{}, domain.AuthorizationError{Role: actor.Role, Action: "update deliverable progress"}
		}
	}
	d, err := e.Repo.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	p, err := e.Repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if p.Archived {
		return domain.Deliverable{}, domain.ValidationError{Field: "project", Reason: "archived"}
	}
	clearStage := false
	if status.SignedOff() && p.ReviewStage != domain.StageNone {
		// Signing off the last deliverable retires the review cycle.
		signed, err := e.allOthersSignedOff(ctx, p.ID, d.ID)
		if err != nil {
			return domain.Deliverable{}, persistErr("check sign-off", err)
		}
		clearStage = signed
	}
	d.Status = status
	d.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, persistErr("update deliverable status", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, persistErr("update deliverable", err)
	}
	if clearStage {
		p.ReviewStage = domain.StageNone
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return domain.Deliverable{}, persistErr("clear review stage", err)
		}
	}
	if err := e.Events.Append(ctx, tx, p.ID, actor.ID, "Deliverable status updated: "+string(status), events.Payload{"deliverable_id": d.ID, "title": d.Title}); err != nil {
		return domain.Deliverable{}, persistErr("log status update", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, persistErr("update deliverable status", err)
	}
	if recipient := counterpart(p, actor); recipient != "" {
		e.notify(ctx, notify.Notification{
			RecipientID: recipient,
			ProjectID:   p.ID,
			Kind:        "deliverable.status",
			Title:       "Deliverable updated",
			Message:     fmt.Sprintf("%q is now %s", d.Title, status),
		})
	}
	return d, nil
}

// allOthersSignedOff reports whether every deliverable except skipID carries
// a sign-off status. skipID is the row about to be updated, whose new status
// the stored rows do not reflect yet.
func (e Engine) allOthersSignedOff(ctx context.Context, projectID, skipID string) (bool, error) {
	deliverables, err := e.Repo.ListDeliverables(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, d := range deliverables {
		if d.ID == skipID {
			continue
		}
		if !d.Status.SignedOff() {
			return false, nil
		}
	}
	return true, nil
}

// DeliverableUpdateOptions encapsulates allowed edits. Nil fields are left
// unchanged.
type DeliverableUpdateOptions struct {
	ID             string
	Title          *string
	Description    *string
	Problem        *string
	KPIs           []string
	EstimatedHours *float64
	Actor          domain.Actor
}

func (e Engine) UpdateDeliverable(ctx context.Context, opts DeliverableUpdateOptions) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverable(ctx, opts.ID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	p, err := e.Repo.GetProject(ctx, d.ProjectID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	if p.Archived {
		return domain.Deliverable{}, domain.ValidationError{Field: "project", Reason: "archived"}
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Deliverable{}, domain.ValidationError{Field: "title", Reason: "must not be empty"}
		}
		d.Title = *opts.Title
	}
	if opts.Description != nil {
		d.Description = *opts.Description
	}
	if opts.Problem != nil {
		d.Problem = *opts.Problem
	}
	if opts.KPIs != nil {
		d.KPIs = opts.KPIs
	}
	if opts.EstimatedHours != nil {
		if *opts.EstimatedHours < 0 {
			return domain.Deliverable{}, domain.ValidationError{Field: "estimated_hours", Reason: "must not be negative"}
		}
		d.EstimatedHours = *opts.EstimatedHours
	}
	d.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deliverable{}, persistErr("update deliverable", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
		return domain.Deliverable{}, persistErr("update deliverable", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, opts.Actor.ID, "Deliverable updated: "+d.Title, events.Payload{"deliverable_id": d.ID}); err != nil {
		return domain.Deliverable{}, persistErr("log deliverable update", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Deliverable{}, persistErr("update deliverable", err)
	}
	return d, nil
}

// AddTrackingInfo records the performance-tracking details for a project.
// Client only. The flag is an independent phase input: it may be set at any
// point, and flips an approved project to complete on the next read.
func (e Engine) AddTrackingInfo(ctx context.Context, projectID, info string, actor domain.Actor) (domain.Project, error) {
	if actor.Role != domain.RoleClient && actor.Role != domain.RoleAdmin {
		return domain.Project{}, domain.AuthorizationError{Role: actor.Role, Action: "add tracking info"}
	}
	if info == "" {
		return domain.Project{}, domain.ValidationError{Field: "tracking_info", Reason: "required"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	deliverables, err := e.Repo.ListDeliverables(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	p.HasTrackingInfo = true
	p.TrackingInfo = info
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("add tracking info", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("update project", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, actor.ID, "Tracking info added", nil); err != nil {
		return domain.Project{}, persistErr("log tracking info", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("add tracking info", err)
	}
	if phase.FromProject(p, deliverables) == domain.PhaseComplete {
		if recipient := counterpart(p, actor); recipient != "" {
			e.notify(ctx, notify.Notification{
				RecipientID: recipient,
				ProjectID:   p.ID,
				Kind:        "project.complete",
				Title:       "Project complete",
				Message:     fmt.Sprintf("%q moved to complete", p.Title),
			})
		}
	}
	return p, nil
}

// StartTracking opens a time session on a deliverable. Talent only; a
// deliverable has at most one open session.
func (e Engine) StartTracking(ctx context.Context, deliverableID string, actor domain.Actor) (domain.TimeEntry, error) {
	if actor.Role != domain.RoleTalent && actor.Role != domain.RoleAdmin {
		return domain.TimeEntry{}, domain.AuthorizationError{Role: actor.Role, Action: "track time"}
	}
	// Serialized per deliverable; two concurrent starts must not both pass
	// the open-session check.
	unlock := e.locks.lock("track:" + deliverableID)
	defer unlock()
	d, err := e.Repo.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if d.OpenEntry() != nil {
		return domain.TimeEntry{}, domain.ValidationError{Field: "time_entry", Reason: "a session is already open"}
	}
	entry := domain.TimeEntry{
		ID:            uuid.New().String(),
		DeliverableID: d.ID,
		StartTime:     e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, persistErr("start tracking", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTimeEntry(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, persistErr("insert time entry", err)
	}
	if err := e.Events.Append(ctx, tx, d.ProjectID, actor.ID, "Time tracking started: "+d.Title, events.Payload{"deliverable_id": d.ID}); err != nil {
		return domain.TimeEntry{}, persistErr("log time entry", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, persistErr("start tracking", err)
	}
	return entry, nil
}

// StopTracking closes the open session, computes hours from the wall clock
// and folds them into the deliverable's actual hours.
func (e Engine) StopTracking(ctx context.Context, deliverableID string, actor domain.Actor) (domain.TimeEntry, error) {
	if actor.Role != domain.RoleTalent && actor.Role != domain.RoleAdmin {
		return domain.TimeEntry{}, domain.AuthorizationError{Role: actor.Role, Action: "track time"}
	}
	unlock := e.locks.lock("track:" + deliverableID)
	defer unlock()
	d, err := e.Repo.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	open := d.OpenEntry()
	if open == nil {
		return domain.TimeEntry{}, domain.ValidationError{Field: "time_entry", Reason: "no open session"}
	}
	start, err := time.Parse(time.RFC3339, open.StartTime)
	if err != nil {
		return domain.TimeEntry{}, domain.ValidationError{Field: "start_time", Reason: "malformed timestamp"}
	}
	end := e.now().UTC()
	hours := math.Round(end.Sub(start).Hours()*100) / 100
	if hours < 0 {
		hours = 0
	}
	endStr := end.Format(time.RFC3339)
	open.EndTime = &endStr
	open.HoursLogged = &hours
	d.ActualHours += hours
	d.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, persistErr("stop tracking", err)
	}
	defer tx.Rollback()
	if err := e.Repo.CloseTimeEntry(ctx, tx, *open); err != nil {
		return domain.TimeEntry{}, persistErr("close time entry", err)
	}
	if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
		return domain.TimeEntry{}, persistErr("update actual hours", err)
	}
	if err := e.Events.Append(ctx, tx, d.ProjectID, actor.ID, "Time tracking stopped: "+d.Title, events.Payload{"deliverable_id": d.ID, "hours": hours}); err != nil {
		return domain.TimeEntry{}, persistErr("log time entry", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, persistErr("stop tracking", err)
	}
	return *open, nil
}

// AddFile attaches an upload to a deliverable.
func (e Engine) AddFile(ctx context.Context, deliverableID, name, url string, actor domain.Actor) (domain.FileAttachment, error) {
	if name == "" {
		return domain.FileAttachment{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if url == "" {
		return domain.FileAttachment{}, domain.ValidationError{Field: "url", Reason: "required"}
	}
	d, err := e.Repo.GetDeliverable(ctx, deliverableID)
	if err != nil {
		return domain.FileAttachment{}, err
	}
	f := domain.FileAttachment{
		ID:            uuid.New().String(),
		DeliverableID: d.ID,
		Name:          name,
		URL:           url,
		UploadedAt:    e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FileAttachment{}, persistErr("add file", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFile(ctx, tx, f); err != nil {
		return domain.FileAttachment{}, persistErr("insert file", err)
	}
	if err := e.Events.Append(ctx, tx, d.ProjectID, actor.ID, "File added: "+f.Name, events.Payload{"deliverable_id": d.ID}); err != nil {
		return domain.FileAttachment{}, persistErr("log file", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.FileAttachment{}, persistErr("add file", err)
	}
	return f, nil
}

// SubmitForReview marks the work as handed over for client review. Talent
// only.
func (e Engine) SubmitForReview(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	if actor.Role != domain.RoleTalent && actor.Role != domain.RoleAdmin {
		return domain.Project{}, domain.AuthorizationError{Role: actor.Role, Action: "submit for review"}
	}
	return e.setReviewStage(ctx, projectID, domain.StageSubmitted, "Submitted for review", actor)
}

// RequestRevisions sends submitted work back to the talent. Client only.
func (e Engine) RequestRevisions(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	if actor.Role != domain.RoleClient && actor.Role != domain.RoleAdmin {
		return domain.Project{}, domain.AuthorizationError{Role: actor.Role, Action: "request revisions"}
	}
	return e.setReviewStage(ctx, projectID, domain.StageRevisions, "Revisions requested", actor)
}

// MoveToFinalPayment accepts the review and starts the payment step. Client
// only.
func (e Engine) MoveToFinalPayment(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error) {
	if actor.Role != domain.RoleClient && actor.Role != domain.RoleAdmin {
		return domain.Project{}, domain.AuthorizationError{Role: actor.Role, Action: "move to final payment"}
	}
	return e.setReviewStage(ctx, projectID, domain.StageFinalPayment, "Moved to final payment", actor)
}

func (e Engine) setReviewStage(ctx context.Context, projectID string, stage domain.ReviewStage, message string, actor domain.Actor) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Archived {
		return domain.Project{}, domain.ValidationError{Field: "project", Reason: "archived"}
	}
	if !p.Assigned() {
		return domain.Project{}, domain.ValidationError{Field: "project", Reason: "not picked up yet"}
	}
	p.ReviewStage = stage
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, persistErr("set review stage", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, persistErr("update project", err)
	}
	if err := e.Events.Append(ctx, tx, p.ID, actor.ID, message, events.Payload{"stage": string(stage)}); err != nil {
		return domain.Project{}, persistErr("log review stage", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, persistErr("set review stage", err)
	}
	if recipient := counterpart(p, actor); recipient != "" {
		e.notify(ctx, notify.Notification{
			RecipientID: recipient,
			ProjectID:   p.ID,
			Kind:        "review." + string(stage),
			Title:       message,
			Message:     fmt.Sprintf("%q: %s", p.Title, message),
		})
	}
	return p, nil
}

// RequestEscrowRelease asks the client to release the held payment.
func (e Engine) RequestEscrowRelease(ctx context.Context, projectID string, actor domain.Actor, requestID string) (domain.EscrowState, error) {
	return e.escrowTransition(ctx, projectID, "Escrow release requested", "escrow.requested", func(state domain.EscrowState) (escrow.Result, error) {
		return e.Escrow.RequestRelease(state, actor, requestID)
	}, actor)
}

// ApproveEscrowRelease releases the held payment to the talent.
func (e Engine) ApproveEscrowRelease(ctx context.Context, projectID string, actor domain.Actor, requestID string) (domain.EscrowState, error) {
	return e.escrowTransition(ctx, projectID, "Escrow release approved", "escrow.approved", func(state domain.EscrowState) (escrow.Result, error) {
		return e.Escrow.ApproveRelease(state, actor, requestID)
	}, actor)
}

// RejectEscrowRelease declines a release request with a reason.
func (e Engine) RejectEscrowRelease(ctx context.Context, projectID string, actor domain.Actor, reason, requestID string) (domain.EscrowState, error) {
	return e.escrowTransition(ctx, projectID, "Escrow release rejected", "escrow.rejected", func(state domain.EscrowState) (escrow.Result, error) {
		return e.Escrow.RejectRelease(state, actor, reason, requestID)
	}, actor)
}

// OverrideEscrow forces a release or cancellation. Admin only.
func (e Engine) OverrideEscrow(ctx context.Context, projectID string, actor domain.Actor, kind escrow.OverrideKind, reason, requestID string) (domain.EscrowState, error) {
	return e.escrowTransition(ctx, projectID, "Escrow overridden: "+string(kind), "escrow.overridden", func(state domain.EscrowState) (escrow.Result, error) {
		return e.Escrow.Override(state, actor, kind, reason, requestID)
	}, actor)
}

// FlagEscrow freezes the escrow pending manual review. Admin only.
func (e Engine) FlagEscrow(ctx context.Context, projectID string, actor domain.Actor, reason, requestID string) (domain.EscrowState, error) {
	return e.escrowTransition(ctx, projectID, "Escrow flagged for review", "escrow.flagged", func(state domain.EscrowState) (escrow.Result, error) {
		return e.Escrow.FlagForReview(state, actor, reason, requestID)
	}, actor)
}

// escrowTransition runs one machine transition under the project's lock and
// persists the accepted entry and new status in a single transaction.
func (e Engine) escrowTransition(ctx context.Context, projectID, message, kind string, fn func(domain.EscrowState) (escrow.Result, error), actor domain.Actor) (domain.EscrowState, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.EscrowState{}, err
	}
	unlock := e.locks.lock(projectID)
	defer unlock()

	state, err := e.Repo.GetEscrowState(ctx, projectID)
	if err != nil {
		return domain.EscrowState{}, persistErr("load escrow state", err)
	}
	res, err := fn(state)
	if err != nil {
		return domain.EscrowState{}, err
	}
	if res.Entry == nil {
		// Replayed request id: the transition already happened.
		return state, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EscrowState{}, persistErr("escrow transition", err)
	}
	defer tx.Rollback()
	if err := e.Repo.AppendEscrowHistory(ctx, tx, *res.Entry); err != nil {
		return domain.EscrowState{}, persistErr("append escrow history", err)
	}
	if err := e.Repo.SetEscrowStatus(ctx, tx, projectID, res.Status); err != nil {
		return domain.EscrowState{}, persistErr("set escrow status", err)
	}
	if err := e.Events.Append(ctx, tx, projectID, actor.ID, message, events.Payload{"status": string(res.Status), "entry_id": res.Entry.ID}); err != nil {
		return domain.EscrowState{}, persistErr("log escrow transition", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EscrowState{}, persistErr("escrow transition", err)
	}

	state.Status = res.Status
	state.History = append(state.History, *res.Entry)
	if recipient := counterpart(p, actor); recipient != "" {
		e.notify(ctx, notify.Notification{
			RecipientID: recipient,
			ProjectID:   projectID,
			Kind:        kind,
			Title:       message,
			Message:     fmt.Sprintf("%q: %s", p.Title, message),
		})
	}
	// A flag involves every admin, not just the two parties.
	if kind == "escrow.flagged" {
		e.notify(ctx, notify.Notification{
			RecipientID: notify.AdminAudience,
			ProjectID:   projectID,
			Kind:        kind,
			Title:       message,
			Message:     fmt.Sprintf("%q: %s", p.Title, message),
		})
	}
	return state, nil
}

// ProjectSnapshot is the full read model for one project: stored rows plus
// every derived value.
type ProjectSnapshot struct {
	Project      domain.Project          `json:"project"`
	Deliverables []domain.Deliverable    `json:"deliverables"`
	Phase        domain.Phase            `json:"phase"`
	Progress     domain.ApprovalProgress `json:"progress"`
	EscrowStatus domain.EscrowStatus     `json:"escrow_status"`
	CanAccess    bool                    `json:"can_access"`
}

func (e Engine) Snapshot(ctx context.Context, projectID string) (ProjectSnapshot, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectSnapshot{}, err
	}
	deliverables, err := e.Repo.ListDeliverables(ctx, projectID)
	if err != nil {
		return ProjectSnapshot{}, persistErr("list deliverables", err)
	}
	escrowStatus, err := e.Repo.GetEscrowStatus(ctx, projectID)
	if err != nil {
		return ProjectSnapshot{}, persistErr("load escrow status", err)
	}
	ph := phase.FromProject(p, deliverables)
	return ProjectSnapshot{
		Project:      p,
		Deliverables: deliverables,
		Phase:        ph,
		Progress:     phase.Progress(deliverables),
		EscrowStatus: escrowStatus,
		CanAccess:    phase.WorkspaceAccessible(ph),
	}, nil
}

// ApprovalProgress returns the client sign-off fraction for a project.
func (e Engine) ApprovalProgress(ctx context.Context, projectID string) (domain.ApprovalProgress, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.ApprovalProgress{}, err
	}
	deliverables, err := e.Repo.ListDeliverables(ctx, projectID)
	if err != nil {
		return domain.ApprovalProgress{}, persistErr("list deliverables", err)
	}
	return phase.Progress(deliverables), nil
}

// CanAccess reports whether the collaboration workspace is open for the
// project's current phase.
func (e Engine) CanAccess(ctx context.Context, projectID string) (bool, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	deliverables, err := e.Repo.ListDeliverables(ctx, projectID)
	if err != nil {
		return false, persistErr("list deliverables", err)
	}
	return phase.WorkspaceAccessible(phase.FromProject(p, deliverables)), nil
}

// ActivityLog returns the project's append-only activity entries in insert
// order. limit <= 0 returns everything.
func (e Engine) ActivityLog(ctx context.Context, projectID string, limit int) ([]domain.ActivityEntry, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	entries, err := e.Repo.ListActivity(ctx, projectID, limit)
	if err != nil {
		return nil, persistErr("list activity", err)
	}
	return entries, nil
}

// EscrowHistory returns the escrow status and full audit trail.
func (e Engine) EscrowHistory(ctx context.Context, projectID string) (domain.EscrowState, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.EscrowState{}, err
	}
	state, err := e.Repo.GetEscrowState(ctx, projectID)
	if err != nil {
		return domain.EscrowState{}, persistErr("load escrow state", err)
	}
	return state, nil
}
