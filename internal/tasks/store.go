// Package tasks discovers the tasks of a project from its spec directories.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/plan"
	"github.com/harrison/autobuild/internal/specdoc"
)

// MetadataFile holds optional task metadata next to the spec.
const MetadataFile = "task_metadata.json"

// ErrTaskNotFound is returned when no spec directory matches a task id.
var ErrTaskNotFound = errors.New("task not found")

// Store reads tasks from disk on every call; the spec directories are the
// source of truth.
type Store struct {
	layout specdoc.Layout
}

// NewStore creates a Store for the given layout.
func NewStore(layout specdoc.Layout) *Store {
	return &Store{layout: layout}
}

// Layout returns the directory layout the store reads.
func (s *Store) Layout() specdoc.Layout {
	return s.layout
}

// List returns every task of the project, ordered by id.
func (s *Store) List(projectPath string) ([]*models.Task, error) {
	entries, err := os.ReadDir(s.layout.SpecsRoot(projectPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list specs: %w", err)
	}

	var out []*models.Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := s.load(projectPath, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Find returns the task whose spec directory is named taskID.
func (s *Store) Find(projectPath, taskID string) (*models.Task, error) {
	if taskID == "" || filepath.Base(taskID) != taskID {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	info, err := os.Stat(s.layout.SpecDir(projectPath, taskID))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.load(projectPath, taskID)
}

func (s *Store) load(projectPath, specID string) (*models.Task, error) {
	dir := s.layout.SpecDir(projectPath, specID)
	t := &models.Task{
		ID:          specID,
		SpecID:      specID,
		Title:       specID,
		Status:      models.StatusBacklog,
		ProjectPath: projectPath,
		SpecDir:     dir,
	}

	p, err := plan.Load(filepath.Join(dir, plan.FileName))
	switch {
	case err == nil:
		t.Subtasks = p.Subtasks()
		t.Description = p.Description()
		t.CreatedAt = p.CreatedAt()
		if f := p.Feature(); f != "" {
			t.Title = f
		}
		t.Status = statusFromPlan(p, t.Subtasks)
	case !errors.Is(err, plan.ErrNotFound):
		return nil, fmt.Errorf("task %s: %w", specID, err)
	}

	if t.Title == specID {
		if info, err := specdoc.Inspect(filepath.Join(dir, specdoc.SpecFile)); err == nil && info.Title != "" {
			t.Title = info.Title
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, MetadataFile)); err == nil {
		var meta models.TaskMetadata
		if json.Unmarshal(data, &meta) == nil {
			t.Metadata = &meta
		}
	}
	return t, nil
}

// statusFromPlan prefers the stored board status, then infers one from
// subtask progress.
func statusFromPlan(p *plan.Plan, subtasks []models.Subtask) models.TaskStatus {
	if s := p.Status(); s != "" {
		return s
	}
	if len(subtasks) == 0 {
		return models.StatusBacklog
	}
	done, started := 0, 0
	for _, st := range subtasks {
		switch st.Status {
		case models.SubtaskCompleted:
			done++
		case models.SubtaskInProgress, models.SubtaskFailed:
			started++
		}
	}
	switch {
	case done == len(subtasks):
		return models.StatusAIReview
	case done > 0 || started > 0:
		return models.StatusInProgress
	default:
		return models.StatusBacklog
	}
}
