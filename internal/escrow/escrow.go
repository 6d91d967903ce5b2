// Package escrow implements the two-party payment-hold state machine.
// The machine is pure: each transition takes the current state and returns
// the history entry to append plus the resulting status. Persistence and
// notification are the caller's job.
package escrow

import (
	"time"

	"github.com/google/uuid"

	"dealdesk/internal/domain"
)

// OverrideKind selects the outcome of an admin override.
type OverrideKind string

const (
	OverrideRelease OverrideKind = "release"
	OverrideCancel  OverrideKind = "cancel"
)

// Machine evaluates escrow transitions. Now is injectable for tests.
type Machine struct {
	Now func() time.Time
}

func New() Machine {
	return Machine{Now: time.Now}
}

func (m Machine) now() string {
	if m.Now != nil {
		return m.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Result is one accepted transition: the entry to append and the status the
// project's escrow moves to. A nil Entry means the request id was already
// applied and the transition is a no-op replay.
type Result struct {
	Entry  *domain.EscrowEntry
	Status domain.EscrowStatus
}

// RequestRelease moves any unfrozen state to requested. Talent only.
func (m Machine) RequestRelease(state domain.EscrowState, actor domain.Actor, requestID string) (Result, error) {
	if actor.Role != domain.RoleTalent {
		return Result{}, domain.AuthorizationError{Role: actor.Role, Action: "request escrow release"}
	}
	if err := ensureUnfrozen(state); err != nil {
		return Result{}, err
	}
	if replay := replayed(state, requestID); replay != nil {
		return Result{Status: state.Status}, nil
	}
	return m.accept(state, domain.EscrowEntry{
		ID:        entryID(requestID),
		ProjectID: state.ProjectID,
		Action:    domain.ActionRequested,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
	}, domain.EscrowRequested), nil
}

// ApproveRelease moves any unfrozen state to approved. Client only.
func (m Machine) ApproveRelease(state domain.EscrowState, actor domain.Actor, requestID string) (Result, error) {
	if actor.Role != domain.RoleClient {
		return Result{}, domain.AuthorizationError{Role: actor.Role, Action: "approve escrow release"}
	}
	if err := ensureUnfrozen(state); err != nil {
		return Result{}, err
	}
	if replay := replayed(state, requestID); replay != nil {
		return Result{Status: state.Status}, nil
	}
	return m.accept(state, domain.EscrowEntry{
		ID:        entryID(requestID),
		ProjectID: state.ProjectID,
		Action:    domain.ActionApproved,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
	}, domain.EscrowApproved), nil
}

// RejectRelease moves any unfrozen state to rejected. Client only; a reason
// is required.
func (m Machine) RejectRelease(state domain.EscrowState, actor domain.Actor, reason, requestID string) (Result, error) {
	if actor.Role != domain.RoleClient {
		return Result{}, domain.AuthorizationError{Role: actor.Role, Action: "reject escrow release"}
	}
	if reason == "" {
		return Result{}, domain.ValidationError{Field: "reason", Reason: "required to reject a release"}
	}
	if err := ensureUnfrozen(state); err != nil {
		return Result{}, err
	}
	if replay := replayed(state, requestID); replay != nil {
		return Result{Status: state.Status}, nil
	}
	return m.accept(state, domain.EscrowEntry{
		ID:        entryID(requestID),
		ProjectID: state.ProjectID,
		Action:    domain.ActionRejected,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    reason,
	}, domain.EscrowRejected), nil
}

// Override forces the escrow to approved (release) or disputed (cancel).
// Admin only. Overrides are the only way out of a flagged escrow.
func (m Machine) Override(state domain.EscrowState, actor domain.Actor, kind OverrideKind, reason, requestID string) (Result, error) {
	if actor.Role != domain.RoleAdmin {
		return Result{}, domain.AuthorizationError{Role: actor.Role, Action: "override escrow"}
	}
	var target domain.EscrowStatus
	switch kind {
	case OverrideRelease:
		target = domain.EscrowApproved
	case OverrideCancel:
		target = domain.EscrowDisputed
	default:
		return Result{}, domain.ValidationError{Field: "action", Reason: "must be release or cancel"}
	}
	if replay := replayed(state, requestID); replay != nil {
		return Result{Status: state.Status}, nil
	}
	return m.accept(state, domain.EscrowEntry{
		ID:             entryID(requestID),
		ProjectID:      state.ProjectID,
		Action:         domain.ActionOverridden,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		Reason:         reason,
		OverrideAction: string(kind),
	}, target), nil
}

// FlagForReview freezes the escrow for manual review. Admin only; a reason
// is required.
func (m Machine) FlagForReview(state domain.EscrowState, actor domain.Actor, reason, requestID string) (Result, error) {
	if actor.Role != domain.RoleAdmin {
		return Result{}, domain.AuthorizationError{Role: actor.Role, Action: "flag escrow for review"}
	}
	if reason == "" {
		return Result{}, domain.ValidationError{Field: "reason", Reason: "required to flag for review"}
	}
	if replay := replayed(state, requestID); replay != nil {
		return Result{Status: state.Status}, nil
	}
	return m.accept(state, domain.EscrowEntry{
		ID:        entryID(requestID),
		ProjectID: state.ProjectID,
		Action:    domain.ActionFlagged,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    reason,
	}, domain.EscrowFlagged), nil
}

func (m Machine) accept(state domain.EscrowState, entry domain.EscrowEntry, target domain.EscrowStatus) Result {
	entry.TS = m.now()
	return Result{Entry: &entry, Status: target}
}

// ensureUnfrozen blocks party transitions while the escrow is flagged.
func ensureUnfrozen(state domain.EscrowState) error {
	if state.Status == domain.EscrowFlagged {
		return domain.ValidationError{Field: "escrow", Reason: "frozen pending review; admin override required"}
	}
	return nil
}

// replayed finds a prior history entry carrying the same caller-supplied
// request id, making retried transitions no-ops.
func replayed(state domain.EscrowState, requestID string) *domain.EscrowEntry {
	if requestID == "" {
		return nil
	}
	for i := range state.History {
		if state.History[i].ID == requestID {
			return &state.History[i]
		}
	}
	return nil
}

func entryID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.New().String()
}

// StatusFor maps a history action to the status it leaves the escrow in.
// The stored status must always equal StatusFor of the latest entry.
func StatusFor(entry domain.EscrowEntry) domain.EscrowStatus {
	switch entry.Action {
	case domain.ActionRequested:
		return domain.EscrowRequested
	case domain.ActionApproved:
		return domain.EscrowApproved
	case domain.ActionRejected:
		return domain.EscrowRejected
	case domain.ActionFlagged:
		return domain.EscrowFlagged
	case domain.ActionOverridden:
		if entry.OverrideAction == string(OverrideCancel) {
			return domain.EscrowDisputed
		}
		return domain.EscrowApproved
	}
	return domain.EscrowIdle
}
