// Package environment locates the external build agent installation and
// assembles the environment its processes run with.
package environment

import (
	"os"
	"path/filepath"

	"github.com/harrison/autobuild/internal/config"
)

// ProjectEnvFunc returns project-scoped environment overrides.
type ProjectEnvFunc func(projectPath string) map[string]string

// Resolver finds the agent installation directory and merges env-file values.
// It never caches: every call re-probes the filesystem.
type Resolver struct {
	// SourcePath is a manual override; used only when it exists.
	SourcePath string

	// MarkerFile must exist in a candidate directory for it to qualify.
	MarkerFile string

	// EnvFile is the env file name inside the installation directory.
	EnvFile string

	// ProjectEnv supplies per-project overrides; nil means none.
	ProjectEnv ProjectEnvFunc

	// Hooks for the probed locations, replaced in tests.
	executable func() (string, error)
	getwd      func() (string, error)
}

// NewResolver creates a Resolver from agent and path configuration. Project
// overrides are read from <project>/<auto_build_dir>/.env.
func NewResolver(agent config.AgentConfig, paths config.PathsConfig) *Resolver {
	r := &Resolver{
		SourcePath: agent.SourcePath,
		MarkerFile: agent.MarkerFile,
		EnvFile:    agent.EnvFile,
		executable: os.Executable,
		getwd:      os.Getwd,
	}
	if paths.AutoBuildDir != "" {
		dir := paths.AutoBuildDir
		r.ProjectEnv = func(projectPath string) map[string]string {
			return LoadEnvFile(filepath.Join(projectPath, dir, ".env"))
		}
	}
	return r
}

// Candidates returns the probe order: development layout (the binary lives in
// <repo>/<tool>/bin), packaged layout (installation next to the app
// directory), then the working directory.
func (r *Resolver) Candidates() []string {
	var out []string
	if r.executable != nil {
		if exe, err := r.executable(); err == nil {
			exeDir := filepath.Dir(exe)
			out = append(out,
				filepath.Clean(filepath.Join(exeDir, "..", "..", "auto-claude")),
				filepath.Clean(filepath.Join(exeDir, "..", "auto-claude")),
			)
		}
	}
	if r.getwd != nil {
		if wd, err := r.getwd(); err == nil {
			out = append(out, filepath.Join(wd, "auto-claude"))
		}
	}
	return out
}

// ResolveInstallationPath returns the first directory that contains the marker
// file, or false when none qualifies.
func (r *Resolver) ResolveInstallationPath() (string, bool) {
	if r.SourcePath != "" && dirExists(r.SourcePath) {
		return r.SourcePath, true
	}

	marker := r.MarkerFile
	if marker == "" {
		marker = "requirements.txt"
	}
	for _, dir := range r.Candidates() {
		if dirExists(dir) && fileExists(filepath.Join(dir, marker)) {
			return dir, true
		}
	}
	return "", false
}

// InstallationEnv loads the env file of the resolved installation.
func (r *Resolver) InstallationEnv() map[string]string {
	dir, ok := r.ResolveInstallationPath()
	if !ok {
		return map[string]string{}
	}
	name := r.EnvFile
	if name == "" {
		name = ".env"
	}
	return LoadEnvFile(filepath.Join(dir, name))
}

// CombinedEnvironment merges installation env-file values with project
// overrides; project keys win.
func (r *Resolver) CombinedEnvironment(projectPath string) map[string]string {
	env := r.InstallationEnv()
	if r.ProjectEnv != nil {
		for k, v := range r.ProjectEnv(projectPath) {
			env[k] = v
		}
	}
	return env
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
