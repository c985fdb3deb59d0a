package server

import (
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/engine"
	"github.com/htung0403/crm-web-sub002/internal/pipeline"
)

// Request payloads

type CreateWorkItemRequest struct {
	ID         *string        `json:"id,omitempty"`
	Kind       string         `json:"kind" enum:"lead,order,order_item,extension"`
	Title      string         `json:"title"`
	Pipeline   string         `json:"pipeline" enum:"sales,technical,after_sale,warranty,care,accessory,partner,extension"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type TransitionRequest struct {
	TargetStageID string  `json:"target_stage_id"`
	Reason        *string `json:"reason,omitempty"`
}

type FeedbackRequest struct {
	Outcome string `json:"outcome" enum:"positive,negative"`
}

type ExtensionDecisionRequest struct {
	Decision              string  `json:"decision" enum:"approved,rejected"`
	NewDueAt              *string `json:"new_due_at,omitempty" format:"date-time"`
	ValidReason           *string `json:"valid_reason,omitempty"`
	CustomerContactResult *string `json:"customer_contact_result,omitempty"`
}

type RequestApprovalRequest struct {
	TargetStageID string  `json:"target_stage_id"`
	Notes         *string `json:"notes,omitempty"`
	Reason        *string `json:"reason,omitempty"`
}

// Response payloads

type WorkItemResponse struct {
	ID         string         `json:"id"`
	ShopID     string         `json:"shop_id"`
	Kind       string         `json:"kind" enum:"lead,order,order_item,extension"`
	Title      string         `json:"title"`
	Pipeline   string         `json:"pipeline"`
	StageID    string         `json:"stage_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Archived   bool           `json:"archived"`
	Pending    bool           `json:"pending_action"`
	Version    int64          `json:"version"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type TransitionOutcomeResponse struct {
	Applied         bool              `json:"applied"`
	Item            WorkItemResponse  `json:"item"`
	Pending         *PendingResponse  `json:"pending,omitempty"`
	EnteredPipeline string            `json:"entered_pipeline,omitempty"`
}

type PendingResponse struct {
	WorkItemID    string `json:"work_item_id"`
	TargetStageID string `json:"target_stage_id"`
}

type HistoryEntryResponse struct {
	ID         int64  `json:"id"`
	WorkItemID string `json:"work_item_id"`
	TS         string `json:"ts" format:"date-time"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Category   string `json:"category" enum:"sales,tech,after_sale,alert,info"`
}

type StageResponse struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Pipeline string `json:"pipeline"`
	Rank     int    `json:"rank"`
	Terminal bool   `json:"terminal,omitempty"`
}

type BoardResponse struct {
	Pipeline string                        `json:"pipeline"`
	Stages   []StageResponse               `json:"stages"`
	Columns  map[string][]WorkItemResponse `json:"columns"`
}

type ShopResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type paginatedWorkItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor *string            `json:"next_cursor,omitempty"`
}

// Mappers

func workItemResponse(it domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:         it.ID,
		ShopID:     it.ShopID,
		Kind:       it.Kind,
		Title:      it.Title,
		Pipeline:   string(it.Pipeline),
		StageID:    it.StageID,
		Attributes: it.Attributes,
		Archived:   it.Archived,
		Pending:    pipeline.AwaitingAction(it.Pipeline, it.StageID),
		Version:    it.Version,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, workItemResponse(it))
	}
	return out
}

func outcomeResponse(o engine.Outcome) TransitionOutcomeResponse {
	resp := TransitionOutcomeResponse{
		Applied:         o.Applied,
		Item:            workItemResponse(o.Item),
		EnteredPipeline: string(o.EnteredPipeline),
	}
	if o.Pending != nil {
		resp.Pending = &PendingResponse{
			WorkItemID:    o.Pending.WorkItemID,
			TargetStageID: o.Pending.TargetStageID,
		}
	}
	return resp
}

func historyResponse(entries []domain.HistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntryResponse{
			ID:         e.ID,
			WorkItemID: e.WorkItemID,
			TS:         e.TS,
			Actor:      e.Actor,
			Action:     e.Action,
			Category:   string(e.Category),
		})
	}
	return out
}

func stageResponses(stages []pipeline.Stage) []StageResponse {
	out := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		out = append(out, StageResponse{
			ID:       s.ID,
			Label:    s.Label,
			Pipeline: string(s.Pipeline),
			Rank:     s.Rank,
			Terminal: s.Terminal,
		})
	}
	return out
}

func shopResponse(s domain.Shop) ShopResponse {
	return ShopResponse{
		ID:          s.ID,
		Kind:        s.Kind,
		Status:      s.Status,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
	}
}
