package models

import "time"

// Profile is a named credential configuration the external agent runs under.
type Profile struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	ConfigDir        string    `yaml:"config_dir,omitempty"`
	OAuthToken       string    `yaml:"oauth_token,omitempty"`
	IsDefault        bool      `yaml:"is_default,omitempty"`
	Priority         int       `yaml:"priority,omitempty"`
	RateLimitedUntil time.Time `yaml:"rate_limited_until,omitempty"`
}

// HasAuth reports whether the profile carries any credential.
// A default profile relies on the agent's own login state.
func (p *Profile) HasAuth() bool {
	return p.OAuthToken != "" || p.ConfigDir != "" || p.IsDefault
}

// IsRateLimited reports whether the profile is known to be exhausted at now.
func (p *Profile) IsRateLimited(now time.Time) bool {
	return !p.RateLimitedUntil.IsZero() && now.Before(p.RateLimitedUntil)
}

// AutoSwitchSettings controls automatic profile failover.
type AutoSwitchSettings struct {
	Enabled               bool `yaml:"enabled"`
	AutoSwitchOnRateLimit bool `yaml:"auto_switch_on_rate_limit"`
}

// Active reports whether reactive failover should run.
func (s AutoSwitchSettings) Active() bool {
	return s.Enabled && s.AutoSwitchOnRateLimit
}
