// Package specdoc knows the on-disk layout of a project's spec directories
// and the review documents written into them.
package specdoc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/autobuild/internal/config"
	"github.com/harrison/autobuild/internal/filelock"
	"github.com/harrison/autobuild/internal/plan"
)

const (
	SpecsDirName   = "specs"
	SpecFile       = "spec.md"
	QAReportFile   = "qa_report.md"
	FixRequestFile = "QA_FIX_REQUEST.md"
)

const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// Layout resolves per-project paths.
type Layout struct {
	AutoBuildDir string
	WorktreesDir string
}

// NewLayout creates a Layout from path configuration.
func NewLayout(paths config.PathsConfig) Layout {
	l := Layout{AutoBuildDir: paths.AutoBuildDir, WorktreesDir: paths.WorktreesDir}
	if l.AutoBuildDir == "" {
		l.AutoBuildDir = ".auto-claude"
	}
	if l.WorktreesDir == "" {
		l.WorktreesDir = ".worktrees"
	}
	return l
}

// SpecsRoot is the directory holding every spec of a project.
func (l Layout) SpecsRoot(projectPath string) string {
	return filepath.Join(projectPath, l.AutoBuildDir, SpecsDirName)
}

// SpecDir is the directory of one spec.
func (l Layout) SpecDir(projectPath, specID string) string {
	return filepath.Join(l.SpecsRoot(projectPath), specID)
}

// SpecPath is the spec document of specID.
func (l Layout) SpecPath(projectPath, specID string) string {
	return filepath.Join(l.SpecDir(projectPath, specID), SpecFile)
}

// PlanPath is the implementation plan of specID.
func (l Layout) PlanPath(projectPath, specID string) string {
	return filepath.Join(l.SpecDir(projectPath, specID), plan.FileName)
}

// WorktreePath is the isolated workspace of taskID.
func (l Layout) WorktreePath(projectPath, taskID string) string {
	return filepath.Join(projectPath, l.WorktreesDir, taskID)
}

// HasWorktree reports whether taskID still has an isolated workspace.
func (l Layout) HasWorktree(projectPath, taskID string) bool {
	_, err := os.Stat(l.WorktreePath(projectPath, taskID))
	return err == nil
}

// Info summarises a spec document.
type Info struct {
	Exists   bool
	Length   int    // characters
	Title    string // first top-level heading, else the first heading
	Headings []string
}

var md = goldmark.New()

// Inspect reads the spec document at path. A missing file is not an error.
func Inspect(path string) (Info, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("read spec: %w", err)
	}

	info := Info{Exists: true, Length: utf8.RuneCount(content)}
	doc := md.Parser().Parse(text.NewReader(content))

	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		title := strings.TrimSpace(extractText(heading, content))
		info.Headings = append(info.Headings, title)
		if heading.Level == 1 && info.Title == "" {
			info.Title = title
		}
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return Info{}, fmt.Errorf("parse spec: %w", err)
	}
	if info.Title == "" && len(info.Headings) > 0 {
		info.Title = info.Headings[0]
	}
	return info, nil
}

// extractText collects the text under n, descending into inline markup.
func extractText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.WriteString(extractText(c, source))
		}
	}
	return buf.String()
}

// WriteApproval records a human approval in the spec directory.
func WriteApproval(specDir string, now time.Time) error {
	content := fmt.Sprintf("# QA Review\n\nStatus: APPROVED\n\nReviewed at: %s\n", now.UTC().Format(isoFormat))
	if err := filelock.LockAndWrite(filepath.Join(specDir, QAReportFile), []byte(content)); err != nil {
		return fmt.Errorf("write QA approval: %w", err)
	}
	return nil
}

// WriteFixRequest records a rejection with the reviewer's feedback.
func WriteFixRequest(specDir, feedback string, now time.Time) error {
	if strings.TrimSpace(feedback) == "" {
		feedback = "No feedback provided"
	}
	content := fmt.Sprintf("# QA Fix Request\n\nStatus: REJECTED\n\n## Feedback\n\n%s\n\nCreated at: %s\n",
		feedback, now.UTC().Format(isoFormat))
	if err := filelock.LockAndWrite(filepath.Join(specDir, FixRequestFile), []byte(content)); err != nil {
		return fmt.Errorf("write QA fix request: %w", err)
	}
	return nil
}
