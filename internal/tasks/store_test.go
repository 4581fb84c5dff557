package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autobuild/internal/config"
	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/specdoc"
)

func writeSpecFile(t *testing.T, project, specID, name, content string) {
	t.Helper()
	dir := filepath.Join(project, ".auto-claude", "specs", specID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newTestStore() *Store {
	return NewStore(specdoc.NewLayout(config.PathsConfig{}))
}

func TestList(t *testing.T) {
	project := t.TempDir()
	writeSpecFile(t, project, "002-search", "implementation_plan.json", `{
		"feature": "Search",
		"description": "Full text search",
		"status": "human_review",
		"created_at": "2026-01-01T00:00:00.000Z",
		"phases": [{"subtasks": [{"id": "1", "status": "completed"}]}]
	}`)
	writeSpecFile(t, project, "001-login", "spec.md", "# Login page\n\nbody\n")
	writeSpecFile(t, project, "001-login", MetadataFile, `{"githubIssueNumber": 42, "baseBranch": "develop"}`)
	require.NoError(t, os.WriteFile(filepath.Join(project, ".auto-claude", "specs", "README"), nil, 0644))

	list, err := newTestStore().List(project)
	require.NoError(t, err)
	require.Len(t, list, 2)

	login := list[0]
	assert.Equal(t, "001-login", login.ID)
	assert.Equal(t, "Login page", login.Title)
	assert.Equal(t, models.StatusBacklog, login.Status)
	require.NotNil(t, login.Metadata)
	assert.Equal(t, 42, login.Metadata.GithubIssue)
	assert.Equal(t, "develop", login.Metadata.BaseBranch)
	assert.NoError(t, login.Validate())

	search := list[1]
	assert.Equal(t, "Search", search.Title)
	assert.Equal(t, "Full text search", search.Description)
	assert.Equal(t, models.StatusHumanReview, search.Status)
	assert.Len(t, search.Subtasks, 1)
	assert.Equal(t, 2026, search.CreatedAt.Year())
	assert.Equal(t, filepath.Join(project, ".auto-claude", "specs", "002-search"), search.SpecDir)
}

func TestList_NoSpecs(t *testing.T) {
	list, err := newTestStore().List(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFind(t *testing.T) {
	project := t.TempDir()
	writeSpecFile(t, project, "003-x", "spec.md", "# X\n")
	s := newTestStore()

	task, err := s.Find(project, "003-x")
	require.NoError(t, err)
	assert.Equal(t, "X", task.Title)

	for _, id := range []string{"", "missing", "../003-x", "a/b"} {
		_, err = s.Find(project, id)
		assert.ErrorIs(t, err, ErrTaskNotFound, id)
	}
}

func TestFind_CorruptPlan(t *testing.T) {
	project := t.TempDir()
	writeSpecFile(t, project, "004", "implementation_plan.json", "{broken")
	_, err := newTestStore().Find(project, "004")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTaskNotFound)
}

func TestStatusInference(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want models.TaskStatus
	}{
		{"no subtasks", `{"phases": []}`, models.StatusBacklog},
		{"all pending", `{"phases": [{"subtasks": [{"status": "pending"}]}]}`, models.StatusBacklog},
		{"some started", `{"phases": [{"subtasks": [{"status": "in_progress"}, {"status": "pending"}]}]}`, models.StatusInProgress},
		{"all completed", `{"phases": [{"subtasks": [{"status": "completed"}]}]}`, models.StatusAIReview},
		{"explicit wins", `{"status": "done", "phases": [{"subtasks": [{"status": "pending"}]}]}`, models.StatusDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := t.TempDir()
			writeSpecFile(t, project, "t", "implementation_plan.json", tt.plan)
			task, err := newTestStore().Find(project, "t")
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.Status)
		})
	}
}
