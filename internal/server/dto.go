package server

import (
	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID       string `json:"id,omitempty"`
	ClientID string `json:"client_id"`
	Title    string `json:"title"`
}

type AssignTalentRequest struct {
	TalentID string `json:"talent_id"`
}

type TrackingInfoRequest struct {
	TrackingInfo string `json:"tracking_info"`
}

type CreateDeliverableRequest struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Problem        *string  `json:"problem,omitempty"`
	KPIs           []string `json:"kpis,omitempty"`
	EstimatedHours float64  `json:"estimated_hours,omitempty"`
}

type UpdateDeliverableRequest struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Problem        *string  `json:"problem,omitempty"`
	KPIs           []string `json:"kpis,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
}

type SetDeliverableStatusRequest struct {
	Status string `json:"status" enum:"recommended,scoped,in_progress,approved,performance_tracking"`
}

type AddFileRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type EscrowActionRequest struct {
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type EscrowOverrideRequest struct {
	Action    string `json:"action" enum:"release,cancel"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	domain.Project
	Phase domain.Phase `json:"phase" enum:"live,picked_up,scope_defined,in_progress,submitted,revisions,final_payment,approved,performance_tracking,complete"`
}

type SnapshotResponse = engine.ProjectSnapshot

type AccessResponse struct {
	ProjectID string `json:"project_id"`
	CanAccess bool   `json:"can_access"`
}
