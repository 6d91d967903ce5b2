package domain

// Phase is the single derived label summarizing overall project progress.
// It is computed from raw project state on every read and never stored.
type Phase string

const (
	PhaseLive                Phase = "live"
	PhasePickedUp            Phase = "picked_up"
	PhaseScopeDefined        Phase = "scope_defined"
	PhaseInProgress          Phase = "in_progress"
	PhaseSubmitted           Phase = "submitted"
	PhaseRevisions           Phase = "revisions"
	PhaseFinalPayment        Phase = "final_payment"
	PhaseApproved            Phase = "approved"
	PhasePerformanceTracking Phase = "performance_tracking"
	PhaseComplete            Phase = "complete"
)

// DeliverableStatus is the five-stage workflow tag on a work item.
type DeliverableStatus string

const (
	StatusRecommended         DeliverableStatus = "recommended"
	StatusScoped              DeliverableStatus = "scoped"
	StatusInProgress          DeliverableStatus = "in_progress"
	StatusApproved            DeliverableStatus = "approved"
	StatusPerformanceTracking DeliverableStatus = "performance_tracking"
)

// ValidDeliverableStatus reports whether s is one of the five workflow tags.
func ValidDeliverableStatus(s DeliverableStatus) bool {
	switch s {
	case StatusRecommended, StatusScoped, StatusInProgress, StatusApproved, StatusPerformanceTracking:
		return true
	}
	return false
}

// SignedOff reports whether the status counts toward approval progress.
func (s DeliverableStatus) SignedOff() bool {
	return s == StatusApproved || s == StatusPerformanceTracking
}

// ReviewStage is the explicit-event channel for the three phases that cannot
// be derived from deliverable statuses alone.
type ReviewStage string

const (
	StageNone         ReviewStage = "none"
	StageSubmitted    ReviewStage = "submitted"
	StageRevisions    ReviewStage = "revisions"
	StageFinalPayment ReviewStage = "final_payment"
)

// EscrowStatus is the per-project payment-hold state.
type EscrowStatus string

const (
	EscrowIdle      EscrowStatus = "idle"
	EscrowRequested EscrowStatus = "requested"
	EscrowApproved  EscrowStatus = "approved"
	EscrowRejected  EscrowStatus = "rejected"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowFlagged   EscrowStatus = "flagged"
)

// Role identifies which side of the marketplace an actor acts for.
type Role string

const (
	RoleClient Role = "client"
	RoleTalent Role = "talent"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated party performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role" enum:"client,talent,admin"`
}

type Project struct {
	ID              string      `json:"id"`
	ClientID        string      `json:"client_id"`
	TalentID        *string     `json:"talent_id,omitempty"`
	Title           string      `json:"title"`
	Archived        bool        `json:"archived"`
	ReviewStage     ReviewStage `json:"review_stage" enum:"none,submitted,revisions,final_payment"`
	HasTrackingInfo bool        `json:"has_tracking_info"`
	TrackingInfo    string      `json:"tracking_info,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
}

// Assigned reports whether a talent has picked the project up.
func (p Project) Assigned() bool {
	return p.TalentID != nil && *p.TalentID != ""
}

type Deliverable struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Problem        string            `json:"problem,omitempty"`
	KPIs           []string          `json:"kpis,omitempty"`
	Status         DeliverableStatus `json:"status" enum:"recommended,scoped,in_progress,approved,performance_tracking"`
	EstimatedHours float64           `json:"estimated_hours"`
	ActualHours    float64           `json:"actual_hours"`
	TimeEntries    []TimeEntry       `json:"time_entries,omitempty"`
	Files          []FileAttachment  `json:"files,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// OpenEntry returns the active tracking session, if any. A deliverable has at
// most one entry with no end time.
func (d Deliverable) OpenEntry() *TimeEntry {
	for i := range d.TimeEntries {
		if d.TimeEntries[i].EndTime == nil {
			return &d.TimeEntries[i]
		}
	}
	return nil
}

type TimeEntry struct {
	ID            string   `json:"id"`
	DeliverableID string   `json:"deliverable_id"`
	StartTime     string   `json:"start_time" format:"date-time"`
	EndTime       *string  `json:"end_time,omitempty" format:"date-time"`
	HoursLogged   *float64 `json:"hours_logged,omitempty"`
}

type FileAttachment struct {
	ID            string `json:"id"`
	DeliverableID string `json:"deliverable_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

// EscrowAction is the kind recorded on a history entry.
type EscrowAction string

const (
	ActionRequested  EscrowAction = "requested"
	ActionApproved   EscrowAction = "approved"
	ActionRejected   EscrowAction = "rejected"
	ActionOverridden EscrowAction = "overridden"
	ActionFlagged    EscrowAction = "flagged"
)

// EscrowEntry is one append-only history row for a project's escrow.
type EscrowEntry struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	Action         EscrowAction `json:"action" enum:"requested,approved,rejected,overridden,flagged"`
	ActorID        string       `json:"actor_id"`
	ActorRole      Role         `json:"actor_role" enum:"client,talent,admin"`
	Reason         string       `json:"reason,omitempty"`
	OverrideAction string       `json:"override_action,omitempty" enum:"release,cancel"`
	TS             string       `json:"ts" format:"date-time"`
}

// EscrowState pairs the current status with its full history.
type EscrowState struct {
	ProjectID string        `json:"project_id"`
	Status    EscrowStatus  `json:"status" enum:"idle,requested,approved,rejected,disputed,flagged"`
	History   []EscrowEntry `json:"history"`
}

// ActivityEntry is one row of the append-only project activity log.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	TS        string `json:"ts" format:"date-time"`
	ActorID   string `json:"actor_id"`
	Message   string `json:"message"`
	Payload   string `json:"payload_json,omitempty"`
}

// ApprovalProgress is the derived client sign-off fraction.
type ApprovalProgress struct {
	Approved   int `json:"approved"`
	Total      int `json:"total"`
	Percentage int `json:"percentage" minimum:"0" maximum:"100"`
}
