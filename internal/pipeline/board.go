package pipeline

import (
	"sort"

	"github.com/htung0403/crm-web-sub002/internal/domain"
)

// ProjectBoard groups items by stage id for one pipeline. Every registered
// stage of the pipeline is present as a key, even when empty, so consumers can
// render empty-column placeholders without special-casing. Items from other
// pipelines are ignored; order within a stage follows the input slice.
func ProjectBoard(items []domain.WorkItem, kind domain.PipelineKind) (map[string][]domain.WorkItem, error) {
	stages, err := Stages(kind)
	if err != nil {
		return nil, err
	}
	board := make(map[string][]domain.WorkItem, len(stages))
	for _, s := range stages {
		board[s.ID] = []domain.WorkItem{}
	}
	for _, it := range items {
		if it.Pipeline != kind {
			continue
		}
		if _, ok := board[it.StageID]; !ok {
			continue
		}
		board[it.StageID] = append(board[it.StageID], it)
	}
	return board, nil
}

// awaitingAction lists the stages where an item sits waiting for an operator
// "approve" action on the requests board.
var awaitingAction = map[domain.PipelineKind]map[string]bool{
	domain.PipelineAccessory: {"need-to-buy": true},
	domain.PipelinePartner:   {"ship-to-partner": true},
	domain.PipelineExtension: {"requested": true, "sales-contacted": true},
}

// AwaitingAction reports whether an item at the given stage is pending
// operator action. Pure function over the stage id, not a stored flag.
func AwaitingAction(kind domain.PipelineKind, stageID string) bool {
	return awaitingAction[kind][stageID]
}

// PendingStages returns the awaiting-action stage ids per pipeline, sorted so
// callers building queries from them get a stable shape.
func PendingStages() map[domain.PipelineKind][]string {
	out := make(map[domain.PipelineKind][]string, len(awaitingAction))
	for kind, stages := range awaitingAction {
		ids := make([]string, 0, len(stages))
		for id := range stages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[kind] = ids
	}
	return out
}
