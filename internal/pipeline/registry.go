// Package pipeline is the single source of truth for stage ids, labels and
// ranks across all pipelines, plus the pure read-side board projection.
package pipeline

import (
	"fmt"

	"github.com/htung0403/crm-web-sub002/internal/domain"
)

// Stage is one named step within a pipeline. Rank is a dense, pipeline-local
// ordinal used only to detect forward vs backward moves.
type Stage struct {
	ID       string              `json:"id"`
	Label    string              `json:"label"`
	Pipeline domain.PipelineKind `json:"pipeline"`
	Rank     int                 `json:"rank"`
	Terminal bool                `json:"terminal,omitempty"`
}

// UnknownPipelineError reports a pipeline kind that is not registered.
type UnknownPipelineError struct {
	Pipeline domain.PipelineKind
}

func (e UnknownPipelineError) Error() string {
	return fmt.Sprintf("unknown pipeline %q", string(e.Pipeline))
}

// UnknownStageError reports a stage id not registered under a pipeline.
type UnknownStageError struct {
	Pipeline domain.PipelineKind
	StageID  string
}

func (e UnknownStageError) Error() string {
	return fmt.Sprintf("stage %q not registered in pipeline %q", e.StageID, string(e.Pipeline))
}

type descriptor struct {
	stages []Stage
	// unordered pipelines have no backward-move rule; the care milestones are
	// siblings reached independently from the after-sale branch point.
	unordered bool
	byID      map[string]int
}

var pipelines = buildCatalog()

func buildCatalog() map[domain.PipelineKind]*descriptor {
	cat := map[domain.PipelineKind]*descriptor{
		domain.PipelineSales: seq(domain.PipelineSales, false,
			st("receive-item", "RECEIVE ITEM", false),
			st("tag", "TAG", false),
			st("discuss-with-tech", "DISCUSS WITH TECH", false),
			st("approval", "APPROVAL", false),
			st("finalize", "FINALIZED", false),
		),
		domain.PipelineTechnical: seq(domain.PipelineTechnical, false,
			st("plating-room", "PLATING ROOM", false),
			st("bonding-room", "BONDING ROOM", false),
			st("leather-room", "LEATHER ROOM", false),
			st("technical-done", "TECHNICAL DONE", false),
		),
		domain.PipelineAfterSale: seq(domain.PipelineAfterSale, false,
			st("debt-and-photo-check", "DEBT AND PHOTO CHECK", false),
			st("delivery", "DELIVERY", false),
			st("feedback-request", "FEEDBACK REQUEST", false),
			st("archive", "ARCHIVE", true),
		),
		domain.PipelineWarranty: seq(domain.PipelineWarranty, false,
			st("intake", "WARRANTY INTAKE", false),
			st("processing", "WARRANTY PROCESSING", false),
			st("complete", "WARRANTY COMPLETE", true),
		),
		domain.PipelineCare: seq(domain.PipelineCare, true,
			st("milestone-6-months", "CARE 6 MONTHS", false),
			st("milestone-12-months", "CARE 12 MONTHS", false),
			st("custom-schedule", "CUSTOM SCHEDULE", true),
		),
		domain.PipelineAccessory: seq(domain.PipelineAccessory, false,
			st("need-to-buy", "NEED TO BUY", false),
			st("bought", "BOUGHT", false),
			st("awaiting-ship", "AWAITING SHIP", false),
			st("shipped", "SHIPPED", false),
			st("delivered-to-technician", "DELIVERED TO TECHNICIAN", true),
		),
		domain.PipelinePartner: seq(domain.PipelinePartner, false,
			st("ship-to-partner", "SHIP TO PARTNER", false),
			st("partner-processing", "PARTNER PROCESSING", false),
			st("ship-back", "SHIP BACK", false),
			st("done", "DONE", true),
		),
		domain.PipelineExtension: seq(domain.PipelineExtension, false,
			st("requested", "REQUESTED", false),
			st("sales-contacted", "SALES CONTACTED", false),
			st("manager-approved", "MANAGER APPROVED", false),
			st("tech-notified", "TECH NOTIFIED", false),
			st("kpi-recorded", "KPI RECORDED", true),
		),
	}
	return cat
}

type protoStage struct {
	id       string
	label    string
	terminal bool
}

func st(id, label string, terminal bool) protoStage {
	return protoStage{id: id, label: label, terminal: terminal}
}

func seq(kind domain.PipelineKind, unordered bool, protos ...protoStage) *descriptor {
	d := &descriptor{unordered: unordered, byID: make(map[string]int, len(protos))}
	for rank, p := range protos {
		d.stages = append(d.stages, Stage{
			ID:       p.id,
			Label:    p.label,
			Pipeline: kind,
			Rank:     rank,
			Terminal: p.terminal,
		})
		d.byID[p.id] = rank
	}
	return d
}

// Kinds returns all registered pipeline kinds in a stable order.
func Kinds() []domain.PipelineKind {
	return []domain.PipelineKind{
		domain.PipelineSales,
		domain.PipelineTechnical,
		domain.PipelineAfterSale,
		domain.PipelineWarranty,
		domain.PipelineCare,
		domain.PipelineAccessory,
		domain.PipelinePartner,
		domain.PipelineExtension,
	}
}

// Stages returns the canonical stage sequence of a pipeline, rank ascending.
func Stages(kind domain.PipelineKind) ([]Stage, error) {
	d, ok := pipelines[kind]
	if !ok {
		return nil, UnknownPipelineError{Pipeline: kind}
	}
	out := make([]Stage, len(d.stages))
	copy(out, d.stages)
	return out, nil
}

// RankOf returns the rank of a stage within its pipeline.
func RankOf(kind domain.PipelineKind, stageID string) (int, error) {
	d, ok := pipelines[kind]
	if !ok {
		return 0, UnknownPipelineError{Pipeline: kind}
	}
	rank, ok := d.byID[stageID]
	if !ok {
		return 0, UnknownStageError{Pipeline: kind, StageID: stageID}
	}
	return rank, nil
}

// StageByID resolves a stage within a pipeline.
func StageByID(kind domain.PipelineKind, stageID string) (Stage, error) {
	d, ok := pipelines[kind]
	if !ok {
		return Stage{}, UnknownPipelineError{Pipeline: kind}
	}
	rank, ok := d.byID[stageID]
	if !ok {
		return Stage{}, UnknownStageError{Pipeline: kind, StageID: stageID}
	}
	return d.stages[rank], nil
}

// EntryStage returns the rank-0 stage new items enter by default.
func EntryStage(kind domain.PipelineKind) (Stage, error) {
	d, ok := pipelines[kind]
	if !ok {
		return Stage{}, UnknownPipelineError{Pipeline: kind}
	}
	return d.stages[0], nil
}

// NextStage returns the stage following stageID in the canonical sequence.
// ok is false when stageID is the last stage.
func NextStage(kind domain.PipelineKind, stageID string) (Stage, bool, error) {
	d, ok := pipelines[kind]
	if !ok {
		return Stage{}, false, UnknownPipelineError{Pipeline: kind}
	}
	rank, ok := d.byID[stageID]
	if !ok {
		return Stage{}, false, UnknownStageError{Pipeline: kind, StageID: stageID}
	}
	if rank+1 >= len(d.stages) {
		return Stage{}, false, nil
	}
	return d.stages[rank+1], true, nil
}

// Ordered reports whether the backward-move rule applies within a pipeline.
func Ordered(kind domain.PipelineKind) (bool, error) {
	d, ok := pipelines[kind]
	if !ok {
		return false, UnknownPipelineError{Pipeline: kind}
	}
	return !d.unordered, nil
}

// ValidKind reports whether kind is a registered pipeline.
func ValidKind(kind domain.PipelineKind) bool {
	_, ok := pipelines[kind]
	return ok
}
