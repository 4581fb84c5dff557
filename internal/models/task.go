package models

import (
	"errors"
	"time"
)

// TaskStatus is the status of a task as shown on the board.
type TaskStatus string

const (
	StatusBacklog     TaskStatus = "backlog"
	StatusInProgress  TaskStatus = "in_progress"
	StatusAIReview    TaskStatus = "ai_review"
	StatusHumanReview TaskStatus = "human_review"
	StatusDone        TaskStatus = "done"
	StatusArchived    TaskStatus = "archived"
)

// ParseTaskStatus converts a string to a TaskStatus, rejecting unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusBacklog, StatusInProgress, StatusAIReview, StatusHumanReview, StatusDone, StatusArchived:
		return TaskStatus(s), nil
	}
	return "", errors.New("unknown task status: " + s)
}

// SubtaskStatus is the status of a single subtask inside the persisted plan.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Subtask is an atomic unit of implementation work tracked inside the plan.
type Subtask struct {
	ID          string
	Description string
	Status      SubtaskStatus
}

// Task represents a unit of work backed by a spec directory.
type Task struct {
	ID          string        // Stable identifier (the spec directory name)
	SpecID      string        // Name of the on-disk spec directory
	Title       string        // Human title
	Description string        // Free-form description used for spec creation
	Status      TaskStatus    // Current board status
	Subtasks    []Subtask     // Ordered subtasks flattened from every plan phase
	ProjectPath string        // Root of the project the task belongs to
	SpecDir     string        // Absolute path of the spec directory
	CreatedAt   time.Time     // Plan creation time, zero when unknown
	Metadata    *TaskMetadata // Optional metadata (issue linkage and similar)
}

// TaskMetadata carries optional linkage information supplied at task creation.
type TaskMetadata struct {
	SourceType    string `json:"sourceType,omitempty"`
	GithubIssue   int    `json:"githubIssueNumber,omitempty"`
	GithubURL     string `json:"githubUrl,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
	RequireReview bool   `json:"requireReviewBeforeCoding,omitempty"`
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.SpecID == "" {
		return errors.New("task spec id is required")
	}
	if t.ProjectPath == "" {
		return errors.New("task project path is required")
	}
	return nil
}

// CompletedSubtasks returns the number of subtasks with status "completed".
func (t *Task) CompletedSubtasks() int {
	n := 0
	for _, st := range t.Subtasks {
		if st.Status == SubtaskCompleted {
			n++
		}
	}
	return n
}

// PromptDescription returns the description handed to the spec runner,
// falling back to the title when no description exists.
func (t *Task) PromptDescription() string {
	if t.Description != "" {
		return t.Description
	}
	return t.Title
}
