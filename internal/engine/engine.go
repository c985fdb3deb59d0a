package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/ledger"
	"github.com/htung0403/crm-web-sub002/internal/pipeline"
	"github.com/htung0403/crm-web-sub002/internal/repo"
)

// Engine is the single authority for mutating a work item's stage. It holds
// no state between calls; every accepted transition commits the stage change
// and its history entry in one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PendingJustification is the non-error outcome of a backward move attempted
// without a reason. Nothing was mutated; the caller re-invokes with a reason.
type PendingJustification struct {
	WorkItemID    string `json:"work_item_id"`
	TargetStageID string `json:"target_stage_id"`
}

// Outcome reports what a transition attempt did.
type Outcome struct {
	Item    domain.WorkItem       `json:"item"`
	Applied bool                  `json:"applied"`
	Pending *PendingJustification `json:"pending,omitempty"`
	// EnteredPipeline is set when the move crossed into another pipeline,
	// as a notification hint for the caller. The engine itself never
	// fans out notifications.
	EnteredPipeline domain.PipelineKind `json:"entered_pipeline,omitempty"`
}

// autoChain maps phase-ending stages to the entry stage of the next pipeline.
// Finishing one phase is operationally the start of the next, so no human
// decision point sits between them.
var autoChain = map[domain.PipelineKind]map[string]struct {
	pipeline domain.PipelineKind
	stageID  string
	suffix   string
}{
	domain.PipelineSales: {
		"finalize": {pipeline: domain.PipelineTechnical, stageID: "plating-room", suffix: "technical"},
	},
	domain.PipelineTechnical: {
		"technical-done": {pipeline: domain.PipelineAfterSale, stageID: "debt-and-photo-check", suffix: "after-sale"},
	},
}

// phaseChain orders the pipelines an order item flows through. When a target
// stage is not registered in the item's current pipeline, it resolves against
// the other chain members, so "drag the card back to RECEIVE ITEM" works from
// the technical board too.
var phaseChain = []domain.PipelineKind{domain.PipelineSales, domain.PipelineTechnical, domain.PipelineAfterSale}

func chainIndex(kind domain.PipelineKind) int {
	for i, k := range phaseChain {
		if k == kind {
			return i
		}
	}
	return -1
}

func resolveTarget(current domain.PipelineKind, stageID string) (pipeline.Stage, error) {
	st, err := pipeline.StageByID(current, stageID)
	if err == nil {
		return st, nil
	}
	var unknown pipeline.UnknownStageError
	if !errors.As(err, &unknown) || chainIndex(current) < 0 {
		return pipeline.Stage{}, err
	}
	for _, kind := range phaseChain {
		if kind == current {
			continue
		}
		if st, lookErr := pipeline.StageByID(kind, stageID); lookErr == nil {
			return st, nil
		}
	}
	return pipeline.Stage{}, err
}

func categoryFor(kind domain.PipelineKind) domain.Category {
	switch kind {
	case domain.PipelineSales:
		return domain.CategorySales
	case domain.PipelineTechnical:
		return domain.CategoryTech
	case domain.PipelineAfterSale:
		return domain.CategoryAfterSale
	default:
		return domain.CategoryInfo
	}
}

// CreateWorkItemOptions are parameters for creating a work item.
type CreateWorkItemOptions struct {
	ID         string
	ShopID     string
	Kind       string
	Title      string
	Pipeline   domain.PipelineKind
	Attributes map[string]any
	Actor      string
}

// CreateWorkItem inserts a work item at its pipeline's entry stage.
func (e Engine) CreateWorkItem(ctx context.Context, opts CreateWorkItemOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.Kind == "" {
		opts.Kind = "order_item"
	}
	if opts.ShopID == "" && e.Config != nil {
		opts.ShopID = e.Config.Shop.ID
	}
	if _, err := e.Repo.GetShop(ctx, opts.ShopID); err != nil {
		return domain.WorkItem{}, err
	}
	entry, err := pipeline.EntryStage(opts.Pipeline)
	if err != nil {
		return domain.WorkItem{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	it := domain.WorkItem{
		ID:         id,
		ShopID:     opts.ShopID,
		Kind:       opts.Kind,
		Title:      opts.Title,
		Pipeline:   opts.Pipeline,
		StageID:    entry.ID,
		Attributes: opts.Attributes,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	action := fmt.Sprintf("created: %s (%s)", entry.Label, it.Pipeline)
	if err := e.Ledger.Append(ctx, tx, it.ID, opts.Actor, action, domain.CategoryInfo); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return it, nil
}

// AttemptTransition decides and, when allowed, applies a stage change.
//
// Forward and lateral moves apply immediately. Auto-chain stages redirect
// into the next pipeline's entry stage. A backward move within an ordered
// pipeline is held as PendingJustification until re-invoked with a non-empty
// reason, which then applies it with an alert history entry.
func (e Engine) AttemptTransition(ctx context.Context, itemID, targetStageID, actor, reason string) (Outcome, error) {
	it, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return Outcome{}, err
	}
	return e.transition(ctx, it, targetStageID, actor, reason, "")
}

func (e Engine) transition(ctx context.Context, it domain.WorkItem, targetStageID, actor, reason, notes string) (Outcome, error) {
	target, err := resolveTarget(it.Pipeline, targetStageID)
	if err != nil {
		return Outcome{}, err
	}
	if target.Pipeline == it.Pipeline && targetStageID == it.StageID {
		return Outcome{}, NoOpTransitionError{StageID: targetStageID}
	}
	current, err := pipeline.StageByID(it.Pipeline, it.StageID)
	if err != nil {
		return Outcome{}, fmt.Errorf("work item %s has unregistered stage: %w", it.ID, err)
	}

	dest := target
	destPipeline := target.Pipeline
	var action string
	var category domain.Category

	backward := false
	if target.Pipeline == it.Pipeline {
		ordered, err := pipeline.Ordered(it.Pipeline)
		if err != nil {
			return Outcome{}, err
		}
		backward = ordered && target.Rank < current.Rank
	} else {
		backward = chainIndex(target.Pipeline) < chainIndex(it.Pipeline)
	}

	if backward {
		// a justified return lands at the named stage; hand-off stages
		// never auto-advance on the way back
		if strings.TrimSpace(reason) == "" {
			return Outcome{
				Item:    it,
				Pending: &PendingJustification{WorkItemID: it.ID, TargetStageID: target.ID},
			}, nil
		}
		action = fmt.Sprintf("moved back: %s → %s (reason: %s)", current.Label, target.Label, strings.TrimSpace(reason))
		category = domain.CategoryAlert
	} else if chain, ok := autoChain[target.Pipeline][target.ID]; ok {
		entry, err := pipeline.StageByID(chain.pipeline, chain.stageID)
		if err != nil {
			return Outcome{}, err
		}
		dest = entry
		destPipeline = chain.pipeline
		action = fmt.Sprintf("%s → auto-advanced to %s (%s)", target.Label, entry.Label, chain.suffix)
		category = categoryFor(chain.pipeline)
	} else {
		action = fmt.Sprintf("moved: %s → %s", current.Label, target.Label)
		category = categoryFor(target.Pipeline)
	}
	if notes != "" {
		action += " — " + notes
	}

	if err := e.applyMove(ctx, &it, destPipeline, dest, actor, action, category); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Item: it, Applied: true}
	if destPipeline != current.Pipeline {
		out.EnteredPipeline = destPipeline
	}
	return out, nil
}

// applyMove commits the stage mutation and its history entry atomically.
// Entering a terminal stage archives the item; nothing is ever deleted.
func (e Engine) applyMove(ctx context.Context, it *domain.WorkItem, destPipeline domain.PipelineKind, dest pipeline.Stage, actor, action string, category domain.Category) error {
	it.Pipeline = destPipeline
	it.StageID = dest.ID
	if dest.Terminal {
		it.Archived = true
	}
	it.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItem(ctx, tx, it); err != nil {
		return err
	}
	if err := e.Ledger.Append(ctx, tx, it.ID, actor, action, category); err != nil {
		return err
	}
	return tx.Commit()
}

// FeedbackOutcome is the qualitative signal collected at feedback-request.
type FeedbackOutcome string

const (
	FeedbackPositive FeedbackOutcome = "positive"
	FeedbackNegative FeedbackOutcome = "negative"
)

// ResolveFeedback routes an item out of the after-sale feedback-request stage:
// positive feedback enters the care pipeline, negative opens a warranty case.
// This is a lateral domain switch, exempt from the backward-move rule.
func (e Engine) ResolveFeedback(ctx context.Context, itemID string, outcome FeedbackOutcome, actor string) (domain.WorkItem, error) {
	it, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Pipeline != domain.PipelineAfterSale || it.StageID != "feedback-request" {
		return it, InvalidBranchStateError{WorkItemID: it.ID, StageID: it.StageID, Want: "after_sale/feedback-request"}
	}
	var (
		dest     pipeline.Stage
		destKind domain.PipelineKind
		action   string
		category domain.Category
	)
	switch outcome {
	case FeedbackPositive:
		destKind = domain.PipelineCare
		dest, err = pipeline.StageByID(destKind, "milestone-6-months")
		action = fmt.Sprintf("positive feedback → %s (care)", dest.Label)
		category = domain.CategoryAfterSale
	case FeedbackNegative:
		destKind = domain.PipelineWarranty
		dest, err = pipeline.StageByID(destKind, "intake")
		action = fmt.Sprintf("negative feedback → %s (warranty)", dest.Label)
		category = domain.CategoryAlert
	default:
		return it, fmt.Errorf("invalid feedback outcome %q", outcome)
	}
	if err != nil {
		return it, err
	}
	if err := e.applyMove(ctx, &it, destKind, dest, actor, action, category); err != nil {
		return it, err
	}
	return it, nil
}

// ExtensionDecision is a manager's verdict on a service-extension request.
type ExtensionDecision string

const (
	ExtensionApproved ExtensionDecision = "approved"
	ExtensionRejected ExtensionDecision = "rejected"
)

// ExtensionDecisionOptions carry the optional fields of an approval.
type ExtensionDecisionOptions struct {
	NewDueAt              string
	ValidReason           string
	CustomerContactResult string
}

// ResolveExtensionApproval advances an extension request one stage along
// requested → sales-contacted → manager-approved → tech-notified →
// kpi-recorded on approval. A rejection is a terminal dead-end: recorded in
// the ledger and archived, without stage advancement. A due-date change must
// move the due date past the request's original one.
func (e Engine) ResolveExtensionApproval(ctx context.Context, itemID string, decision ExtensionDecision, opts ExtensionDecisionOptions, actor string) (domain.WorkItem, error) {
	it, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.Pipeline != domain.PipelineExtension {
		return it, InvalidBranchStateError{WorkItemID: it.ID, StageID: it.StageID, Want: "extension pipeline"}
	}
	current, err := pipeline.StageByID(it.Pipeline, it.StageID)
	if err != nil {
		return it, fmt.Errorf("work item %s has unregistered stage: %w", it.ID, err)
	}

	switch decision {
	case ExtensionRejected:
		if it.Attributes == nil {
			it.Attributes = map[string]any{}
		}
		it.Attributes[domain.AttrExtensionDecision] = string(ExtensionRejected)
		it.Archived = true
		it.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return it, err
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateWorkItem(ctx, tx, &it); err != nil {
			return it, err
		}
		action := fmt.Sprintf("extension rejected at %s", current.Label)
		if err := e.Ledger.Append(ctx, tx, it.ID, actor, action, domain.CategoryAlert); err != nil {
			return it, err
		}
		if err := tx.Commit(); err != nil {
			return it, err
		}
		return it, nil

	case ExtensionApproved:
		if opts.NewDueAt != "" {
			if err := checkDueDate(it.Attributes, opts.NewDueAt); err != nil {
				return it, err
			}
		}
		next, ok, err := pipeline.NextStage(it.Pipeline, it.StageID)
		if err != nil {
			return it, err
		}
		if !ok {
			return it, InvalidBranchStateError{WorkItemID: it.ID, StageID: it.StageID, Want: "non-terminal extension stage"}
		}
		if it.Attributes == nil {
			it.Attributes = map[string]any{}
		}
		it.Attributes[domain.AttrExtensionDecision] = string(ExtensionApproved)
		if opts.NewDueAt != "" {
			it.Attributes[domain.AttrNewDueAt] = opts.NewDueAt
		}
		if opts.ValidReason != "" {
			it.Attributes[domain.AttrValidReason] = opts.ValidReason
		}
		if opts.CustomerContactResult != "" {
			it.Attributes[domain.AttrCustomerContactResult] = opts.CustomerContactResult
		}
		action := fmt.Sprintf("extension approved: %s → %s", current.Label, next.Label)
		if err := e.applyMove(ctx, &it, it.Pipeline, next, actor, action, domain.CategoryInfo); err != nil {
			return it, err
		}
		return it, nil

	default:
		return it, fmt.Errorf("invalid extension decision %q", decision)
	}
}

func checkDueDate(attrs map[string]any, newDueAt string) error {
	proposed, err := time.Parse(time.RFC3339, newDueAt)
	if err != nil {
		return fmt.Errorf("invalid new due date %q: %w", newDueAt, err)
	}
	original, ok := attrs[domain.AttrDueAt].(string)
	if !ok || original == "" {
		return nil
	}
	orig, err := time.Parse(time.RFC3339, original)
	if err != nil {
		return fmt.Errorf("stored due date %q is invalid: %w", original, err)
	}
	if !proposed.After(orig) {
		return InvalidDueDateError{Original: original, Proposed: newDueAt}
	}
	return nil
}

// ResolveRequestApproval is the operator "approve" action on the requests
// board: the forward-move path restricted to the accessory-procurement and
// partner-handoff pipelines.
func (e Engine) ResolveRequestApproval(ctx context.Context, itemID, targetStageID, notes, reason, actor string) (Outcome, error) {
	it, err := e.Repo.GetWorkItem(ctx, itemID)
	if err != nil {
		return Outcome{}, err
	}
	if it.Pipeline != domain.PipelineAccessory && it.Pipeline != domain.PipelinePartner {
		return Outcome{}, InvalidBranchStateError{WorkItemID: it.ID, StageID: it.StageID, Want: "accessory or partner pipeline"}
	}
	return e.transition(ctx, it, targetStageID, actor, reason, notes)
}

// InitShop bootstraps the shop row plus its default config.
func (e Engine) InitShop(ctx context.Context, shopID, description, actor string) (domain.Shop, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shop{}, err
	}
	defer tx.Rollback()
	s := domain.Shop{
		ID:          shopID,
		Kind:        "service-shop",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertShop(ctx, tx, s); err != nil {
		return domain.Shop{}, fmt.Errorf("insert shop: %w", err)
	}
	if err := e.Repo.UpsertShopConfigTx(ctx, tx, s.ID, config.Default(s.ID)); err != nil {
		return domain.Shop{}, fmt.Errorf("insert shop config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Shop{}, err
	}
	return s, nil
}
