package logger

import (
	"github.com/fatih/color"

	"github.com/harrison/autobuild/internal/models"
)

// phaseColor picks a consistent color per run phase.
// Green: complete, Red: failed, Yellow: QA, Cyan: everything still running
func phaseColor(p models.Phase) *color.Color {
	switch p {
	case models.PhaseComplete:
		return color.New(color.FgGreen)
	case models.PhaseFailed:
		return color.New(color.FgRed)
	case models.PhaseQAReview, models.PhaseQAFixing:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// statusColor picks a consistent color per board status.
func statusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.StatusDone:
		return color.New(color.FgGreen, color.Bold)
	case models.StatusHumanReview, models.StatusAIReview:
		return color.New(color.FgYellow)
	case models.StatusInProgress:
		return color.New(color.FgCyan)
	case models.StatusArchived:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgWhite)
	}
}
