package lifecycle

import (
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/specdoc"
)

// flow lists the statuses the board moves a task to on its own. Manual
// updates may jump anywhere the guards allow.
var flow = map[models.TaskStatus][]models.TaskStatus{
	models.StatusBacklog:     {models.StatusInProgress},
	models.StatusInProgress:  {models.StatusAIReview, models.StatusHumanReview, models.StatusBacklog},
	models.StatusAIReview:    {models.StatusHumanReview, models.StatusInProgress, models.StatusBacklog},
	models.StatusHumanReview: {models.StatusDone, models.StatusInProgress, models.StatusBacklog},
	models.StatusDone:        {models.StatusArchived},
}

// CanAdvance reports whether the board moves from one status to another
// without a manual update.
func CanAdvance(from, to models.TaskStatus) bool {
	for _, s := range flow[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	msgDoneNeedsMerge   = "Cannot set status to 'done' directly. Complete the human review and merge the worktree changes instead."
	msgReviewNeedsSpec  = "Cannot move to human review - no spec has been created yet. The task must complete processing before review."
	msgArchivedIsClosed = "Archived tasks can only be moved back to the backlog."
)

// checkManualTransition applies the guards of a manual status update.
func (c *Controller) checkManualTransition(t *models.Task, to models.TaskStatus) error {
	reject := func(reason string) error {
		return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to, Reason: reason}
	}

	if t.Status == models.StatusArchived && to != models.StatusArchived && to != models.StatusBacklog {
		return reject(msgArchivedIsClosed)
	}

	switch to {
	case models.StatusDone:
		// Without a worktree the task was already merged, discarded or never
		// built, so there is nothing left to merge.
		if c.layout.HasWorktree(t.ProjectPath, t.ID) {
			return reject(msgDoneNeedsMerge)
		}
	case models.StatusHumanReview:
		if c.specLength(t) < c.minSpecLength {
			return reject(msgReviewNeedsSpec)
		}
	}
	return nil
}

// specLength counts the characters of the task's spec document; unreadable
// specs count as empty.
func (c *Controller) specLength(t *models.Task) int {
	info, err := specdoc.Inspect(c.layout.SpecPath(t.ProjectPath, t.SpecID))
	if err != nil {
		return 0
	}
	return info.Length
}
