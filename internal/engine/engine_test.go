package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/db"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/engine"
	"github.com/htung0403/crm-web-sub002/internal/migrate"
	"github.com/htung0403/crm-web-sub002/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("shop-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitShop(ctx, "shop-1", "test", "tester"); err != nil {
		t.Fatalf("init shop: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, kind domain.PipelineKind, title string, attrs map[string]any) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{
		Title:      title,
		Pipeline:   kind,
		Attributes: attrs,
		Actor:      "tester",
	})
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	return it
}

func (env testEnv) move(t *testing.T, itemID, stageID, reason string) engine.Outcome {
	t.Helper()
	out, err := env.Engine.AttemptTransition(env.Ctx, itemID, stageID, "tester", reason)
	if err != nil {
		t.Fatalf("transition to %s: %v", stageID, err)
	}
	return out
}

func TestForwardMoveAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Resole boots", nil)
	if it.StageID != "receive-item" {
		t.Fatalf("new item starts at %s", it.StageID)
	}
	out := env.move(t, it.ID, "tag", "")
	if !out.Applied || out.Item.StageID != "tag" {
		t.Fatalf("expected move to tag, got %+v", out)
	}
	entries, err := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// newest first
	if entries[0].Action != "moved: RECEIVE ITEM → TAG" {
		t.Fatalf("unexpected action %q", entries[0].Action)
	}
	if entries[0].Category != domain.CategorySales {
		t.Fatalf("unexpected category %s", entries[0].Category)
	}
	if entries[1].Action != "created: RECEIVE ITEM (sales)" {
		t.Fatalf("unexpected create action %q", entries[1].Action)
	}
}

func TestNoOpTransition(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Stuck", nil)
	_, err := env.Engine.AttemptTransition(env.Ctx, it.ID, "receive-item", "tester", "")
	var noop engine.NoOpTransitionError
	if !errors.As(err, &noop) {
		t.Fatalf("expected NoOpTransitionError, got %v", err)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if len(entries) != 1 {
		t.Fatalf("no-op must not append history, got %d entries", len(entries))
	}
}

func TestAutoChainSalesToTechnical(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Chain", nil)
	for _, stage := range []string{"tag", "discuss-with-tech", "approval"} {
		env.move(t, it.ID, stage, "")
	}
	out := env.move(t, it.ID, "finalize", "")
	if out.Item.Pipeline != domain.PipelineTechnical || out.Item.StageID != "plating-room" {
		t.Fatalf("expected auto-advance into technical/plating-room, got %s/%s", out.Item.Pipeline, out.Item.StageID)
	}
	if out.EnteredPipeline != domain.PipelineTechnical {
		t.Fatalf("expected entered pipeline hint, got %q", out.EnteredPipeline)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if entries[0].Action != "FINALIZED → auto-advanced to PLATING ROOM (technical)" {
		t.Fatalf("unexpected action %q", entries[0].Action)
	}
	if entries[0].Category != domain.CategoryTech {
		t.Fatalf("chain entry category = %s, want tech", entries[0].Category)
	}
}

func TestAutoChainTechnicalToAfterSale(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineTechnical, "Plated", nil)
	env.move(t, it.ID, "bonding-room", "")
	env.move(t, it.ID, "leather-room", "")
	out := env.move(t, it.ID, "technical-done", "")
	if out.Item.Pipeline != domain.PipelineAfterSale || out.Item.StageID != "debt-and-photo-check" {
		t.Fatalf("expected after_sale/debt-and-photo-check, got %s/%s", out.Item.Pipeline, out.Item.StageID)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if entries[0].Category != domain.CategoryAfterSale {
		t.Fatalf("chain entry category = %s, want after_sale", entries[0].Category)
	}
}

func TestBackwardMoveNeedsReason(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Backtrack", nil)
	env.move(t, it.ID, "tag", "")
	env.move(t, it.ID, "discuss-with-tech", "")

	// no reason: held as pending, nothing mutated
	out := env.move(t, it.ID, "tag", "")
	if out.Applied {
		t.Fatalf("backward move without reason must not apply")
	}
	if out.Pending == nil || out.Pending.TargetStageID != "tag" {
		t.Fatalf("expected pending justification, got %+v", out.Pending)
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if got.StageID != "discuss-with-tech" {
		t.Fatalf("item moved without reason: %s", got.StageID)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	before := len(entries)

	// with reason: applied, alert entry embedding the reason
	out = env.move(t, it.ID, "tag", "customer changed the design")
	if !out.Applied || out.Item.StageID != "tag" {
		t.Fatalf("expected applied backward move, got %+v", out)
	}
	entries, _ = env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if len(entries) != before+1 {
		t.Fatalf("expected one new entry, got %d vs %d", len(entries), before)
	}
	if entries[0].Category != domain.CategoryAlert {
		t.Fatalf("backward entry category = %s, want alert", entries[0].Category)
	}
	if !strings.Contains(entries[0].Action, "customer changed the design") {
		t.Fatalf("reason missing from action %q", entries[0].Action)
	}
}

func TestBackwardAcrossChainedPipelines(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Mis-tagged", nil)
	out := env.move(t, it.ID, "finalize", "")
	if out.Item.Pipeline != domain.PipelineTechnical || out.Item.StageID != "plating-room" {
		t.Fatalf("expected technical/plating-room, got %s/%s", out.Item.Pipeline, out.Item.StageID)
	}

	// dragging back to a sales stage from the technical board
	out = env.move(t, it.ID, "receive-item", "")
	if out.Applied || out.Pending == nil {
		t.Fatalf("expected pending justification for chain-backward move, got %+v", out)
	}
	out = env.move(t, it.ID, "receive-item", "wrong item tagged")
	if !out.Applied || out.Item.Pipeline != domain.PipelineSales || out.Item.StageID != "receive-item" {
		t.Fatalf("expected sales/receive-item, got %s/%s", out.Item.Pipeline, out.Item.StageID)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if entries[0].Category != domain.CategoryAlert || !strings.Contains(entries[0].Action, "wrong item tagged") {
		t.Fatalf("unexpected head entry %+v", entries[0])
	}
}

func TestBackwardToHandoffStageStaysThere(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Re-quote", nil)
	env.move(t, it.ID, "finalize", "")
	for _, stage := range []string{"bonding-room", "leather-room", "technical-done"} {
		env.move(t, it.ID, stage, "")
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if got.Pipeline != domain.PipelineAfterSale {
		t.Fatalf("expected after_sale, got %s", got.Pipeline)
	}

	// dragging an after-sale item back onto the sales finalize column
	out := env.move(t, it.ID, "finalize", "")
	if out.Applied || out.Pending == nil || out.Pending.TargetStageID != "finalize" {
		t.Fatalf("expected pending justification for finalize, got %+v", out)
	}
	before, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)

	out = env.move(t, it.ID, "finalize", "price renegotiated")
	if !out.Applied || out.Item.Pipeline != domain.PipelineSales || out.Item.StageID != "finalize" {
		t.Fatalf("justified return must land on sales/finalize, got %s/%s", out.Item.Pipeline, out.Item.StageID)
	}
	after, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one new entry, got %d over %d", len(after), len(before))
	}
	if after[0].Category != domain.CategoryAlert || strings.Contains(after[0].Action, "auto-advanced") {
		t.Fatalf("unexpected head entry %+v", after[0])
	}

	// same request from inside technical must also stop for justification
	it2 := env.create(t, domain.PipelineSales, "Second thoughts", nil)
	env.move(t, it2.ID, "finalize", "")
	out = env.move(t, it2.ID, "finalize", "")
	if out.Applied || out.Pending == nil {
		t.Fatalf("expected pending justification from technical, got %+v", out)
	}
}

func TestCareMovesAreUnordered(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineCare, "Checkup", nil)
	env.move(t, it.ID, "milestone-12-months", "")
	// back to an earlier milestone without any reason
	out := env.move(t, it.ID, "milestone-6-months", "")
	if !out.Applied || out.Pending != nil {
		t.Fatalf("care moves must not require justification: %+v", out)
	}
}

func TestTerminalStageArchives(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineWarranty, "Cracked sole", nil)
	env.move(t, it.ID, "processing", "")
	out := env.move(t, it.ID, "complete", "")
	if !out.Item.Archived {
		t.Fatalf("terminal stage must archive the item")
	}
	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if err != nil || !got.Archived {
		t.Fatalf("archived flag not persisted: %+v (%v)", got, err)
	}
}

func TestResolveFeedbackBranches(t *testing.T) {
	env := newTestEnv(t)

	pos := env.create(t, domain.PipelineAfterSale, "Happy", nil)
	env.move(t, pos.ID, "delivery", "")
	env.move(t, pos.ID, "feedback-request", "")
	it, err := env.Engine.ResolveFeedback(env.Ctx, pos.ID, engine.FeedbackPositive, "tester")
	if err != nil {
		t.Fatalf("positive: %v", err)
	}
	if it.Pipeline != domain.PipelineCare || it.StageID != "milestone-6-months" {
		t.Fatalf("positive feedback landed at %s/%s", it.Pipeline, it.StageID)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, pos.ID)
	if entries[0].Category != domain.CategoryAfterSale {
		t.Fatalf("positive entry category = %s", entries[0].Category)
	}

	neg := env.create(t, domain.PipelineAfterSale, "Unhappy", nil)
	env.move(t, neg.ID, "delivery", "")
	env.move(t, neg.ID, "feedback-request", "")
	it, err = env.Engine.ResolveFeedback(env.Ctx, neg.ID, engine.FeedbackNegative, "tester")
	if err != nil {
		t.Fatalf("negative: %v", err)
	}
	if it.Pipeline != domain.PipelineWarranty || it.StageID != "intake" {
		t.Fatalf("negative feedback landed at %s/%s", it.Pipeline, it.StageID)
	}
	entries, _ = env.Engine.Repo.HistoryFor(env.Ctx, neg.ID)
	if entries[0].Category != domain.CategoryAlert {
		t.Fatalf("negative entry category = %s", entries[0].Category)
	}
}

func TestResolveFeedbackWrongStage(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineAfterSale, "Too early", nil)
	_, err := env.Engine.ResolveFeedback(env.Ctx, it.ID, engine.FeedbackPositive, "tester")
	var branch engine.InvalidBranchStateError
	if !errors.As(err, &branch) {
		t.Fatalf("expected InvalidBranchStateError, got %v", err)
	}
}

func TestExtensionApprovalAdvancesOneStage(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineExtension, "Extend repair", map[string]any{
		domain.AttrDueAt: "2024-02-01T00:00:00Z",
	})
	got, err := env.Engine.ResolveExtensionApproval(env.Ctx, it.ID, engine.ExtensionApproved, engine.ExtensionDecisionOptions{
		NewDueAt:    "2024-03-01T00:00:00Z",
		ValidReason: "supplier delay",
	}, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.StageID != "sales-contacted" {
		t.Fatalf("expected sales-contacted, got %s", got.StageID)
	}
	if got.Attributes[domain.AttrNewDueAt] != "2024-03-01T00:00:00Z" {
		t.Fatalf("new due date not recorded: %v", got.Attributes)
	}
	if got.Attributes[domain.AttrValidReason] != "supplier delay" {
		t.Fatalf("valid reason not recorded: %v", got.Attributes)
	}
}

func TestExtensionApprovalRejectsEarlierDueDate(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineExtension, "Bad extension", map[string]any{
		domain.AttrDueAt: "2024-02-01T00:00:00Z",
	})
	_, err := env.Engine.ResolveExtensionApproval(env.Ctx, it.ID, engine.ExtensionApproved, engine.ExtensionDecisionOptions{
		NewDueAt: "2024-01-15T00:00:00Z",
	}, "tester")
	var due engine.InvalidDueDateError
	if !errors.As(err, &due) {
		t.Fatalf("expected InvalidDueDateError, got %v", err)
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if got.StageID != "requested" {
		t.Fatalf("rejected due date must not advance the item: %s", got.StageID)
	}
}

func TestExtensionRejectionIsDeadEnd(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineExtension, "No extension", nil)
	got, err := env.Engine.ResolveExtensionApproval(env.Ctx, it.ID, engine.ExtensionRejected, engine.ExtensionDecisionOptions{}, "tester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.StageID != "requested" {
		t.Fatalf("rejection must not advance the stage, got %s", got.StageID)
	}
	if !got.Archived {
		t.Fatalf("rejected request must be archived")
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if entries[0].Category != domain.CategoryAlert {
		t.Fatalf("rejection entry category = %s, want alert", entries[0].Category)
	}
}

func TestExtensionApprovalOutsidePipeline(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Not a request", nil)
	_, err := env.Engine.ResolveExtensionApproval(env.Ctx, it.ID, engine.ExtensionApproved, engine.ExtensionDecisionOptions{}, "tester")
	var branch engine.InvalidBranchStateError
	if !errors.As(err, &branch) {
		t.Fatalf("expected InvalidBranchStateError, got %v", err)
	}
}

func TestRequestApprovalRestrictedToRequestPipelines(t *testing.T) {
	env := newTestEnv(t)
	acc := env.create(t, domain.PipelineAccessory, "New buckle", nil)
	out, err := env.Engine.ResolveRequestApproval(env.Ctx, acc.ID, "bought", "ok to purchase", "", "tester")
	if err != nil {
		t.Fatalf("approve accessory: %v", err)
	}
	if out.Item.StageID != "bought" {
		t.Fatalf("expected bought, got %s", out.Item.StageID)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, acc.ID)
	if !strings.Contains(entries[0].Action, "ok to purchase") {
		t.Fatalf("notes missing from action %q", entries[0].Action)
	}

	sale := env.create(t, domain.PipelineSales, "Not a request", nil)
	_, err = env.Engine.ResolveRequestApproval(env.Ctx, sale.ID, "tag", "", "", "tester")
	var branch engine.InvalidBranchStateError
	if !errors.As(err, &branch) {
		t.Fatalf("expected InvalidBranchStateError, got %v", err)
	}
}

func TestRequestApprovalBackwardNeedsReason(t *testing.T) {
	env := newTestEnv(t)
	acc := env.create(t, domain.PipelineAccessory, "Wrong buckle shipped", nil)
	if _, err := env.Engine.ResolveRequestApproval(env.Ctx, acc.ID, "shipped", "", "", "tester"); err != nil {
		t.Fatalf("approve forward: %v", err)
	}

	out, err := env.Engine.ResolveRequestApproval(env.Ctx, acc.ID, "bought", "restocking", "", "tester")
	if err != nil {
		t.Fatalf("approve backward: %v", err)
	}
	if out.Applied || out.Pending == nil || out.Pending.TargetStageID != "bought" {
		t.Fatalf("expected pending justification, got %+v", out)
	}

	out, err = env.Engine.ResolveRequestApproval(env.Ctx, acc.ID, "bought", "restocking", "supplier sent the wrong size", "tester")
	if err != nil {
		t.Fatalf("approve with reason: %v", err)
	}
	if !out.Applied || out.Item.StageID != "bought" {
		t.Fatalf("expected bought, got %+v", out)
	}
	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, acc.ID)
	if entries[0].Category != domain.CategoryAlert || !strings.Contains(entries[0].Action, "supplier sent the wrong size") {
		t.Fatalf("unexpected head entry %+v", entries[0])
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Raced", nil)

	stale := it
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	it.StageID = "tag"
	if err := env.Engine.Repo.UpdateWorkItem(env.Ctx, tx, &it); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.StageID = "discuss-with-tech"
	err = env.Engine.Repo.UpdateWorkItem(env.Ctx, tx, &stale)
	var conflict repo.ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentModificationError, got %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Trail", nil)
	env.move(t, it.ID, "tag", "")
	env.move(t, it.ID, "discuss-with-tech", "")
	entries, err := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID >= entries[i-1].ID {
			t.Fatalf("history not newest first: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
}

// Full journey of one order item: sales intake through technical work,
// after-sale delivery, negative feedback, and warranty completion.
func TestOrderItemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, domain.PipelineSales, "Vintage briefcase", nil)

	for _, stage := range []string{"tag", "discuss-with-tech", "approval", "finalize"} {
		env.move(t, it.ID, stage, "")
	}
	got, _ := env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if got.Pipeline != domain.PipelineTechnical || got.StageID != "plating-room" {
		t.Fatalf("after sales phase: %s/%s", got.Pipeline, got.StageID)
	}

	for _, stage := range []string{"bonding-room", "leather-room", "technical-done"} {
		env.move(t, it.ID, stage, "")
	}
	got, _ = env.Engine.Repo.GetWorkItem(env.Ctx, it.ID)
	if got.Pipeline != domain.PipelineAfterSale || got.StageID != "debt-and-photo-check" {
		t.Fatalf("after technical phase: %s/%s", got.Pipeline, got.StageID)
	}

	env.move(t, it.ID, "delivery", "")
	env.move(t, it.ID, "feedback-request", "")
	if _, err := env.Engine.ResolveFeedback(env.Ctx, it.ID, engine.FeedbackNegative, "tester"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	env.move(t, it.ID, "processing", "")
	out := env.move(t, it.ID, "complete", "")
	if !out.Item.Archived {
		t.Fatalf("completed warranty item must be archived")
	}

	entries, _ := env.Engine.Repo.HistoryFor(env.Ctx, it.ID)
	if len(entries) != 13 {
		t.Fatalf("expected 13 ledger entries, got %d", len(entries))
	}
}
