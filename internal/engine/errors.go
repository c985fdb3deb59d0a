package engine

import "fmt"

// NoOpTransitionError rejects a transition whose target equals the current
// stage. Callers are expected to filter these before calling.
type NoOpTransitionError struct {
	StageID string
}

func (e NoOpTransitionError) Error() string {
	return fmt.Sprintf("item is already at stage %q", e.StageID)
}

// InvalidBranchStateError reports a branch action invoked on an item that is
// not at the required branch point.
type InvalidBranchStateError struct {
	WorkItemID string
	StageID    string
	Want       string
}

func (e InvalidBranchStateError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("work item %s at stage %q does not accept this action", e.WorkItemID, e.StageID)
	}
	return fmt.Sprintf("work item %s is at stage %q, need %s", e.WorkItemID, e.StageID, e.Want)
}

// InvalidDueDateError reports an extension due-date change that does not move
// the due date forward.
type InvalidDueDateError struct {
	Original string
	Proposed string
}

func (e InvalidDueDateError) Error() string {
	return fmt.Sprintf("new due date %s must be after original due date %s", e.Proposed, e.Original)
}
