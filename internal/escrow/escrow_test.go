package escrow_test

import (
	"errors"
	"testing"
	"time"

	"dealdesk/internal/domain"
	"dealdesk/internal/escrow"
)

var (
	talent = domain.Actor{ID: "talent-1", Role: domain.RoleTalent}
	client = domain.Actor{ID: "client-1", Role: domain.RoleClient}
	admin  = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

func newMachine() escrow.Machine {
	m := escrow.New()
	m.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func apply(t *testing.T, state *domain.EscrowState, res escrow.Result, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if res.Entry != nil {
		state.History = append(state.History, *res.Entry)
	}
	state.Status = res.Status
}

func TestRequestThenReject(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowIdle}

	res, err := m.RequestRelease(state, talent, "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowRequested || len(state.History) != 1 {
		t.Fatalf("after request: status=%s history=%d", state.Status, len(state.History))
	}
	if state.History[0].Action != domain.ActionRequested {
		t.Fatalf("unexpected action %s", state.History[0].Action)
	}

	res, err = m.RejectRelease(state, client, "Needs more revisions", "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowRejected || len(state.History) != 2 {
		t.Fatalf("after reject: status=%s history=%d", state.Status, len(state.History))
	}
	if state.History[1].Reason != "Needs more revisions" {
		t.Fatalf("reason not recorded: %+v", state.History[1])
	}

	// A rejected release can be re-requested.
	res, err = m.RequestRelease(state, talent, "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowRequested || len(state.History) != 3 {
		t.Fatalf("after re-request: status=%s history=%d", state.Status, len(state.History))
	}
}

func TestStatusMatchesLatestEntry(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowIdle}

	steps := []func() (escrow.Result, error){
		func() (escrow.Result, error) { return m.RequestRelease(state, talent, "") },
		func() (escrow.Result, error) { return m.RejectRelease(state, client, "not yet", "") },
		func() (escrow.Result, error) { return m.RequestRelease(state, talent, "") },
		func() (escrow.Result, error) { return m.ApproveRelease(state, client, "") },
	}
	for i, step := range steps {
		res, err := step()
		apply(t, &state, res, err)
		if len(state.History) != i+1 {
			t.Fatalf("step %d: history length %d", i, len(state.History))
		}
		if got := escrow.StatusFor(state.History[len(state.History)-1]); got != state.Status {
			t.Fatalf("step %d: status %s does not match latest entry %s", i, state.Status, got)
		}
	}
}

func TestRejectRequiresReason(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowRequested}
	_, err := m.RejectRelease(state, client, "", "")
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if state.Status != domain.EscrowRequested || len(state.History) != 0 {
		t.Fatalf("state mutated on failed reject: %+v", state)
	}
}

func TestRoleGates(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowIdle}

	cases := []struct {
		name string
		run  func() (escrow.Result, error)
	}{
		{"client cannot request", func() (escrow.Result, error) { return m.RequestRelease(state, client, "") }},
		{"talent cannot approve", func() (escrow.Result, error) { return m.ApproveRelease(state, talent, "") }},
		{"talent cannot reject", func() (escrow.Result, error) { return m.RejectRelease(state, talent, "no", "") }},
		{"client cannot override", func() (escrow.Result, error) {
			return m.Override(state, client, escrow.OverrideRelease, "", "")
		}},
		{"talent cannot flag", func() (escrow.Result, error) { return m.FlagForReview(state, talent, "fraud", "") }},
	}
	for _, tc := range cases {
		_, err := tc.run()
		var aerr domain.AuthorizationError
		if !errors.As(err, &aerr) {
			t.Fatalf("%s: expected authorization error, got %v", tc.name, err)
		}
	}
}

func TestFlagFreezesPartyTransitions(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowRequested}

	res, err := m.FlagForReview(state, admin, "suspicious activity", "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowFlagged {
		t.Fatalf("expected flagged, got %s", state.Status)
	}

	if _, err := m.ApproveRelease(state, client, ""); err == nil {
		t.Fatal("approve on flagged escrow should fail")
	}
	if _, err := m.RequestRelease(state, talent, ""); err == nil {
		t.Fatal("request on flagged escrow should fail")
	}
	if _, err := m.RejectRelease(state, client, "still bad", ""); err == nil {
		t.Fatal("reject on flagged escrow should fail")
	}

	res, err = m.Override(state, admin, escrow.OverrideCancel, "resolved dispute", "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowDisputed {
		t.Fatalf("expected disputed after cancel override, got %s", state.Status)
	}
	if last := state.History[len(state.History)-1]; last.Action != domain.ActionOverridden || last.OverrideAction != "cancel" {
		t.Fatalf("override entry malformed: %+v", last)
	}
}

func TestOverrideRelease(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowRejected}
	res, err := m.Override(state, admin, escrow.OverrideRelease, "client unresponsive", "")
	apply(t, &state, res, err)
	if state.Status != domain.EscrowApproved {
		t.Fatalf("expected approved after release override, got %s", state.Status)
	}
	if _, err := m.Override(state, admin, escrow.OverrideKind("explode"), "", ""); err == nil {
		t.Fatal("unknown override kind should fail")
	}
}

func TestRetriedRequestIDIsNoOp(t *testing.T) {
	m := newMachine()
	state := domain.EscrowState{ProjectID: "proj-1", Status: domain.EscrowIdle}

	res, err := m.RequestRelease(state, talent, "req-abc")
	apply(t, &state, res, err)
	if len(state.History) != 1 {
		t.Fatalf("history length %d", len(state.History))
	}

	res, err = m.RequestRelease(state, talent, "req-abc")
	if err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if res.Entry != nil {
		t.Fatal("replay must not append a new entry")
	}
	if res.Status != domain.EscrowRequested {
		t.Fatalf("replay changed status: %s", res.Status)
	}
}
