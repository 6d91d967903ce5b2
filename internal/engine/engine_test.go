package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/escrow"
	"dealdesk/internal/migrate"
	"dealdesk/internal/notify"
)

var (
	client = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	talent = domain.Actor{ID: "talent-1", Role: domain.RoleTalent}
	admin  = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default("ws-1"))
	eng.Now = func() time.Time { return now }
	eng.Escrow.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:       "proj-1",
		ClientID: client.ID,
		Title:    "Growth sprint",
		Actor:    client,
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, now: &now}
}

func (env *testEnv) assign(t *testing.T) {
	t.Helper()
	if _, err := env.Engine.AssignTalent(env.Ctx, "proj-1", talent.ID, admin); err != nil {
		t.Fatalf("assign talent: %v", err)
	}
}

func (env *testEnv) addDeliverable(t *testing.T, title string) domain.Deliverable {
	t.Helper()
	d, err := env.Engine.AddDeliverable(env.Ctx, engine.DeliverableCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Actor:     talent,
	})
	if err != nil {
		t.Fatalf("add deliverable %s: %v", title, err)
	}
	return d
}

func (env *testEnv) phase(t *testing.T) domain.Phase {
	t.Helper()
	snap, err := env.Engine.Snapshot(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap.Phase
}

func TestUnassignedProjectIsLive(t *testing.T) {
	env := newTestEnv(t)
	if got := env.phase(t); got != domain.PhaseLive {
		t.Fatalf("phase = %s, want live", got)
	}
	open, err := env.Engine.CanAccess(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if open {
		t.Fatalf("workspace open before pickup")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	if got := env.phase(t); got != domain.PhasePickedUp {
		t.Fatalf("phase = %s, want picked_up", got)
	}

	d1 := env.addDeliverable(t, "SEO Audit")
	d2 := env.addDeliverable(t, "Landing page")
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d1.ID, domain.StatusScoped, talent); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseScopeDefined {
		t.Fatalf("phase = %s, want scope_defined", got)
	}
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d1.ID, domain.StatusInProgress, talent); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseInProgress {
		t.Fatalf("phase = %s, want in_progress", got)
	}

	if _, err := env.Engine.SubmitForReview(env.Ctx, "proj-1", talent); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseSubmitted {
		t.Fatalf("phase = %s, want submitted", got)
	}
	if _, err := env.Engine.RequestRevisions(env.Ctx, "proj-1", client); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseRevisions {
		t.Fatalf("phase = %s, want revisions", got)
	}
	if _, err := env.Engine.MoveToFinalPayment(env.Ctx, "proj-1", client); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseFinalPayment {
		t.Fatalf("phase = %s, want final_payment", got)
	}

	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d1.ID, domain.StatusApproved, client); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d2.ID, domain.StatusApproved, client); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseApproved {
		t.Fatalf("phase = %s, want approved", got)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ReviewStage != domain.StageNone {
		t.Fatalf("review stage = %s, want none after full sign-off", p.ReviewStage)
	}

	if _, err := env.Engine.AddTrackingInfo(env.Ctx, "proj-1", "kpi dashboard", client); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseComplete {
		t.Fatalf("phase = %s, want complete", got)
	}
}

func TestApprovalProgressRounding(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d1 := env.addDeliverable(t, "one")
	d2 := env.addDeliverable(t, "two")
	env.addDeliverable(t, "three")
	for _, id := range []string{d1.ID, d2.ID} {
		if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, id, domain.StatusApproved, client); err != nil {
			t.Fatal(err)
		}
	}
	progress, err := env.Engine.ApprovalProgress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if progress.Approved != 2 || progress.Total != 3 || progress.Percentage != 67 {
		t.Fatalf("progress = %+v, want 2/3 = 67", progress)
	}
}

func TestStatusRoleRules(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "one")

	var authErr domain.AuthorizationError
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusApproved, talent); !errors.As(err, &authErr) {
		t.Fatalf("talent sign-off: got %v, want authorization error", err)
	}
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusInProgress, client); !errors.As(err, &authErr) {
		t.Fatalf("client progress update: got %v, want authorization error", err)
	}
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusApproved, admin); err != nil {
		t.Fatalf("admin sign-off: %v", err)
	}
}

func TestTrackingSessions(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "one")

	if _, err := env.Engine.StartTracking(env.Ctx, d.ID, talent); err != nil {
		t.Fatal(err)
	}
	var valErr domain.ValidationError
	if _, err := env.Engine.StartTracking(env.Ctx, d.ID, talent); !errors.As(err, &valErr) {
		t.Fatalf("second start: got %v, want validation error", err)
	}

	env.advance(90 * time.Minute)
	entry, err := env.Engine.StopTracking(env.Ctx, d.ID, talent)
	if err != nil {
		t.Fatal(err)
	}
	if entry.HoursLogged == nil || *entry.HoursLogged != 1.5 {
		t.Fatalf("hours logged = %v, want 1.5", entry.HoursLogged)
	}
	got, err := env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActualHours != 1.5 {
		t.Fatalf("actual hours = %v, want 1.5", got.ActualHours)
	}
	if _, err := env.Engine.StopTracking(env.Ctx, d.ID, talent); !errors.As(err, &valErr) {
		t.Fatalf("stop without open session: got %v, want validation error", err)
	}
}

func TestTrackingInfoMidProject(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "one")

	var valErr domain.ValidationError
	if _, err := env.Engine.AddTrackingInfo(env.Ctx, "proj-1", "", client); !errors.As(err, &valErr) {
		t.Fatalf("empty tracking info: got %v, want validation error", err)
	}

	// Tracking info is an independent input and may land before sign-off.
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusScoped, talent); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddTrackingInfo(env.Ctx, "proj-1", "dashboard", client); err != nil {
		t.Fatalf("tracking info before sign-off: %v", err)
	}
	if got := env.phase(t); got != domain.PhaseScopeDefined {
		t.Fatalf("phase = %s, want scope_defined", got)
	}

	// Once everything is signed off, the stored flag takes the project
	// straight to complete.
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusApproved, client); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseComplete {
		t.Fatalf("phase = %s, want complete", got)
	}
}

func TestArchivedSignedOffProjectIsComplete(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "one")
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusApproved, client); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ArchiveProject(env.Ctx, "proj-1", admin); err != nil {
		t.Fatal(err)
	}
	if got := env.phase(t); got != domain.PhaseComplete {
		t.Fatalf("phase = %s, want complete", got)
	}
}

func TestEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	state, err := env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, "")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.EscrowRequested {
		t.Fatalf("status = %s, want requested", state.Status)
	}

	var valErr domain.ValidationError
	if _, err := env.Engine.RejectEscrowRelease(env.Ctx, "proj-1", client, "", ""); !errors.As(err, &valErr) {
		t.Fatalf("reject without reason: got %v, want validation error", err)
	}
	state, err = env.Engine.RejectEscrowRelease(env.Ctx, "proj-1", client, "milestone incomplete", "")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.EscrowRejected {
		t.Fatalf("status = %s, want rejected", state.Status)
	}

	state, err = env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, "")
	if err != nil {
		t.Fatal(err)
	}
	state, err = env.Engine.ApproveEscrowRelease(env.Ctx, "proj-1", client, "")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.EscrowApproved {
		t.Fatalf("status = %s, want approved", state.Status)
	}
	if len(state.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(state.History))
	}

	persisted, err := env.Engine.EscrowHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != domain.EscrowApproved || len(persisted.History) != 4 {
		t.Fatalf("persisted state = %s/%d, want approved/4", persisted.Status, len(persisted.History))
	}
}

func TestEscrowFlagFreezeAndOverride(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	if _, err := env.Engine.FlagEscrow(env.Ctx, "proj-1", admin, "payment anomaly", ""); err != nil {
		t.Fatal(err)
	}
	var valErr domain.ValidationError
	if _, err := env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, ""); !errors.As(err, &valErr) {
		t.Fatalf("request while flagged: got %v, want validation error", err)
	}
	var authErr domain.AuthorizationError
	if _, err := env.Engine.OverrideEscrow(env.Ctx, "proj-1", client, escrow.OverrideRelease, "", ""); !errors.As(err, &authErr) {
		t.Fatalf("client override: got %v, want authorization error", err)
	}
	state, err := env.Engine.OverrideEscrow(env.Ctx, "proj-1", admin, escrow.OverrideRelease, "resolved manually", "")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.EscrowApproved {
		t.Fatalf("status = %s, want approved", state.Status)
	}
}

func TestEscrowRetrySameRequestID(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	first, err := env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, "req-42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, "req-42")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.History) != 1 || len(second.History) != 1 {
		t.Fatalf("history lengths = %d/%d, want 1/1", len(first.History), len(second.History))
	}
	if second.Status != domain.EscrowRequested {
		t.Fatalf("status = %s, want requested", second.Status)
	}
}

func TestActivityLogRecordsMutations(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "SEO Audit")
	if _, err := env.Engine.UpdateDeliverableStatus(env.Ctx, d.ID, domain.StatusApproved, client); err != nil {
		t.Fatal(err)
	}

	entries, err := env.Engine.ActivityLog(env.Ctx, "proj-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var messages []string
	for _, e := range entries {
		messages = append(messages, e.Message)
	}
	want := []string{
		"Project created: Growth sprint",
		"Talent assigned: talent-1",
		"New deliverable added: SEO Audit",
		"Deliverable status updated: approved",
	}
	if len(messages) != len(want) {
		t.Fatalf("messages = %v, want %v", messages, want)
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Fatalf("message[%d] = %q, want %q", i, messages[i], want[i])
		}
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.TS, "2024-01-01") {
			t.Fatalf("ts = %q, want fixed clock", e.TS)
		}
	}
}

func TestRejectedEscrowLeavesNoPartialState(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	var valErr domain.ValidationError
	if _, err := env.Engine.RejectEscrowRelease(env.Ctx, "proj-1", client, "", ""); !errors.As(err, &valErr) {
		t.Fatalf("got %v, want validation error", err)
	}
	state, err := env.Engine.EscrowHistory(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.EscrowIdle || len(state.History) != 0 {
		t.Fatalf("state = %s/%d, want idle/0", state.Status, len(state.History))
	}
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) {
	r.sent = append(r.sent, n)
}

func TestEscrowTransitionsNotifyCounterpart(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	rec := &recordingNotifier{}
	env.Engine.Notifier = rec

	if _, err := env.Engine.RequestEscrowRelease(env.Ctx, "proj-1", talent, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveEscrowRelease(env.Ctx, "proj-1", client, ""); err != nil {
		t.Fatal(err)
	}
	if len(rec.sent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(rec.sent))
	}
	if rec.sent[0].Kind != "escrow.requested" || rec.sent[0].RecipientID != client.ID {
		t.Fatalf("first = %s -> %s, want escrow.requested -> %s", rec.sent[0].Kind, rec.sent[0].RecipientID, client.ID)
	}
	if rec.sent[1].Kind != "escrow.approved" || rec.sent[1].RecipientID != talent.ID {
		t.Fatalf("second = %s -> %s, want escrow.approved -> %s", rec.sent[1].Kind, rec.sent[1].RecipientID, talent.ID)
	}

	// A rejected transition must not notify anyone.
	var authErr domain.AuthorizationError
	if _, err := env.Engine.RejectEscrowRelease(env.Ctx, "proj-1", talent, "x", ""); !errors.As(err, &authErr) {
		t.Fatalf("talent reject: got %v, want authorization error", err)
	}
	if len(rec.sent) != 2 {
		t.Fatalf("notifications after failed reject = %d, want 2", len(rec.sent))
	}
}

func TestFlagEscrowNotifiesAdmins(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)

	rec := &recordingNotifier{}
	env.Engine.Notifier = rec

	if _, err := env.Engine.FlagEscrow(env.Ctx, "proj-1", admin, "chargeback claim", ""); err != nil {
		t.Fatal(err)
	}
	if len(rec.sent) != 2 {
		t.Fatalf("notifications = %d, want counterpart + admin broadcast", len(rec.sent))
	}
	if rec.sent[0].Kind != "escrow.flagged" || rec.sent[0].RecipientID != talent.ID {
		t.Fatalf("first = %s -> %s, want escrow.flagged -> %s", rec.sent[0].Kind, rec.sent[0].RecipientID, talent.ID)
	}
	if rec.sent[1].Kind != "escrow.flagged" || rec.sent[1].RecipientID != notify.AdminAudience {
		t.Fatalf("second = %s -> %s, want escrow.flagged -> %s", rec.sent[1].Kind, rec.sent[1].RecipientID, notify.AdminAudience)
	}
}

func TestConcurrentTrackingStarts(t *testing.T) {
	env := newTestEnv(t)
	env.assign(t)
	d := env.addDeliverable(t, "one")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.StartTracking(env.Ctx, d.ID, talent)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var started, rejected int
	for err := range errs {
		var valErr domain.ValidationError
		switch {
		case err == nil:
			started++
		case errors.As(err, &valErr):
			rejected++
		default:
			t.Fatalf("start tracking: %v", err)
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("starts = %d accepted / %d rejected, want 1/1", started, rejected)
	}

	got, err := env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	open := 0
	for _, entry := range got.TimeEntries {
		if entry.EndTime == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("open sessions = %d, want 1", open)
	}
}
