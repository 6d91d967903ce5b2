// Package phase derives the project-level phase label and approval progress
// from raw project state. Everything here is pure; callers recompute on every
// read instead of caching.
package phase

import (
	"math"

	"dealdesk/internal/domain"
)

// Inputs is the raw state the derivation reads. ReviewStage carries the
// explicit submit/revisions/final-payment events that deliverable statuses
// alone cannot express.
type Inputs struct {
	Statuses        []domain.DeliverableStatus
	ReviewStage     domain.ReviewStage
	HasTrackingInfo bool
	Archived        bool
	Assigned        bool
}

// Compute returns the phase for the given inputs. Rules are evaluated in
// order; the first match wins.
func Compute(in Inputs) domain.Phase {
	if !in.Assigned {
		return domain.PhaseLive
	}
	if len(in.Statuses) == 0 {
		return domain.PhasePickedUp
	}
	if allSignedOff(in.Statuses) {
		// Archiving stands in for tracking info: it declares that no
		// performance-tracking period will follow.
		if in.HasTrackingInfo || in.Archived {
			return domain.PhaseComplete
		}
		return domain.PhaseApproved
	}
	switch in.ReviewStage {
	case domain.StageFinalPayment:
		return domain.PhaseFinalPayment
	case domain.StageRevisions:
		return domain.PhaseRevisions
	case domain.StageSubmitted:
		return domain.PhaseSubmitted
	}
	for _, s := range in.Statuses {
		if s == domain.StatusInProgress {
			return domain.PhaseInProgress
		}
	}
	for _, s := range in.Statuses {
		if s == domain.StatusScoped {
			return domain.PhaseScopeDefined
		}
	}
	return domain.PhasePickedUp
}

// FromProject is a convenience wrapper assembling Inputs from a project row
// and its deliverables.
func FromProject(p domain.Project, deliverables []domain.Deliverable) domain.Phase {
	return Compute(Inputs{
		Statuses:        statuses(deliverables),
		ReviewStage:     p.ReviewStage,
		HasTrackingInfo: p.HasTrackingInfo,
		Archived:        p.Archived,
		Assigned:        p.Assigned(),
	})
}

// Progress counts deliverables the client has signed off. Percentage rounds
// half away from zero, so 2 of 3 reports 67.
func Progress(deliverables []domain.Deliverable) domain.ApprovalProgress {
	p := domain.ApprovalProgress{Total: len(deliverables)}
	for _, d := range deliverables {
		if d.Status.SignedOff() {
			p.Approved++
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Approved) / float64(p.Total) * 100))
	}
	return p
}

// WorkspaceAccessible reports whether the collaboration workspace (chat,
// uploads) may be entered in this phase. Only a not-yet-picked-up project is
// closed; this is an authorization boundary, not a display hint.
func WorkspaceAccessible(p domain.Phase) bool {
	return p != domain.PhaseLive
}

func statuses(deliverables []domain.Deliverable) []domain.DeliverableStatus {
	out := make([]domain.DeliverableStatus, len(deliverables))
	for i, d := range deliverables {
		out[i] = d.Status
	}
	return out
}

func allSignedOff(statuses []domain.DeliverableStatus) bool {
	for _, s := range statuses {
		if !s.SignedOff() {
			return false
		}
	}
	return true
}
