// Package profile manages the credential profiles agent processes run under
// and the auto-switch settings used for rate-limit failover.
package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/autobuild/internal/filelock"
	"github.com/harrison/autobuild/internal/models"
)

const (
	// EnvOAuthToken carries a profile's OAuth token to the agent.
	EnvOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"

	// EnvConfigDir points the agent at a profile's own config directory.
	EnvConfigDir = "CLAUDE_CONFIG_DIR"
)

// ErrProfileNotFound is returned when a profile id is unknown.
var ErrProfileNotFound = errors.New("profile not found")

// Store is the credential profile collaborator.
type Store interface {
	HasValidAuth() bool
	ActiveProfile() (*models.Profile, error)
	BestAvailableProfile(excludeID string) (*models.Profile, error)
	SetActiveProfile(id string) error
	AutoSwitchSettings() models.AutoSwitchSettings
	ProfileEnv() map[string]string
	MarkRateLimited(id string, until time.Time) error
}

// document is the on-disk YAML layout.
type document struct {
	ActiveProfile string                     `yaml:"active_profile,omitempty"`
	AutoSwitch    *models.AutoSwitchSettings `yaml:"auto_switch,omitempty"`
	Profiles      []models.Profile           `yaml:"profiles"`
}

// implicitDefault stands in when no profiles are configured: the agent's own
// login state is used.
var implicitDefault = models.Profile{ID: "default", Name: "Default", IsDefault: true}

// FileStore keeps profiles in a YAML file. Every call re-reads the file so
// changes from other autobuild processes are seen; writes hold a file lock.
type FileStore struct {
	path     string
	defaults models.AutoSwitchSettings
	now      func() time.Time
}

// NewFileStore creates a FileStore at path. defaults apply until the file
// carries its own auto_switch section.
func NewFileStore(path string, defaults models.AutoSwitchSettings) *FileStore {
	return &FileStore{path: path, defaults: defaults, now: time.Now}
}

// Path returns the profiles file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*document, error) {
	var doc document
	if len(data) == 0 {
		return &doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return &doc, nil
}

// update applies fn to the current document under the file lock.
func (s *FileStore) update(fn func(doc *document) error) error {
	return filelock.LockAndUpdate(s.path, 0600, func(current []byte) ([]byte, error) {
		doc, err := decode(current)
		if err != nil {
			return nil, err
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	})
}

func (d *document) find(id string) int {
	for i := range d.Profiles {
		if d.Profiles[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *document) active() *models.Profile {
	if len(d.Profiles) == 0 {
		p := implicitDefault
		return &p
	}
	if i := d.find(d.ActiveProfile); i >= 0 {
		p := d.Profiles[i]
		return &p
	}
	for _, p := range d.Profiles {
		if p.IsDefault {
			return &p
		}
	}
	p := d.Profiles[0]
	return &p
}

// Profiles lists every configured profile, or the implicit default.
func (s *FileStore) Profiles() ([]models.Profile, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(doc.Profiles) == 0 {
		return []models.Profile{implicitDefault}, nil
	}
	return doc.Profiles, nil
}

// ActiveProfile returns the selected profile. Without an explicit selection
// the default profile, then the first one, is active.
func (s *FileStore) ActiveProfile() (*models.Profile, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.active(), nil
}

// HasValidAuth reports whether the active profile carries credentials.
// Unreadable files count as invalid.
func (s *FileStore) HasValidAuth() bool {
	p, err := s.ActiveProfile()
	if err != nil {
		return false
	}
	return p.HasAuth()
}

// BestAvailableProfile picks the profile to fail over to: authenticated, not
// excludeID, not currently rate limited, lowest priority value first. It
// returns nil when nothing qualifies.
func (s *FileStore) BestAvailableProfile(excludeID string) (*models.Profile, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var candidates []models.Profile
	for _, p := range doc.Profiles {
		if p.ID == excludeID || !p.HasAuth() || p.IsRateLimited(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	best := candidates[0]
	return &best, nil
}

// SetActiveProfile selects id.
func (s *FileStore) SetActiveProfile(id string) error {
	return s.update(func(doc *document) error {
		if doc.find(id) < 0 {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
		}
		doc.ActiveProfile = id
		return nil
	})
}

// AutoSwitchSettings returns the stored settings, or the defaults when the
// file has none or cannot be read.
func (s *FileStore) AutoSwitchSettings() models.AutoSwitchSettings {
	doc, err := s.load()
	if err != nil || doc.AutoSwitch == nil {
		return s.defaults
	}
	return *doc.AutoSwitch
}

// SetAutoSwitchSettings persists settings.
func (s *FileStore) SetAutoSwitchSettings(settings models.AutoSwitchSettings) error {
	return s.update(func(doc *document) error {
		doc.AutoSwitch = &settings
		return nil
	})
}

// ProfileEnv returns the environment selecting the active profile. The
// default profile adds nothing.
func (s *FileStore) ProfileEnv() map[string]string {
	p, err := s.ActiveProfile()
	if err != nil {
		return nil
	}
	return EnvFor(p)
}

// EnvFor returns the environment that selects p.
func EnvFor(p *models.Profile) map[string]string {
	env := make(map[string]string)
	if p.OAuthToken != "" {
		env[EnvOAuthToken] = p.OAuthToken
	}
	if p.ConfigDir != "" && !p.IsDefault {
		env[EnvConfigDir] = p.ConfigDir
	}
	return env
}

// MarkRateLimited records that id is exhausted until the given time. Unknown
// ids are ignored.
func (s *FileStore) MarkRateLimited(id string, until time.Time) error {
	return s.update(func(doc *document) error {
		i := doc.find(id)
		if i < 0 {
			return filelock.ErrSkipWrite
		}
		doc.Profiles[i].RateLimitedUntil = until
		return nil
	})
}

// Upsert adds or replaces a profile.
func (s *FileStore) Upsert(p models.Profile) error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	return s.update(func(doc *document) error {
		if i := doc.find(p.ID); i >= 0 {
			doc.Profiles[i] = p
		} else {
			doc.Profiles = append(doc.Profiles, p)
		}
		return nil
	})
}

var _ Store = (*FileStore)(nil)
