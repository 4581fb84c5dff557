// Package classifier decides whether a failed agent run hit a rate limit,
// failed authentication, or neither, from the tail of its output.
//
// Classification is conservative: a restart is triggered automatically on
// rate limits, so only unambiguous statements count. Lines that merely
// mention limits (log prefixes, quoted text, countdown displays) are ignored.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harrison/autobuild/internal/config"
	"github.com/harrison/autobuild/internal/models"
)

// Classifier turns accumulated output into a FailureClassification.
type Classifier interface {
	Classify(text string) models.FailureClassification
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(text string) models.FailureClassification

// Classify calls f(text).
func (f ClassifierFunc) Classify(text string) models.FailureClassification {
	return f(text)
}

var profileMarkers = []*regexp.Regexp{
	regexp.MustCompile(`\[profile:\s*([\w.\-]+)\]`),
	regexp.MustCompile(`(?i)\bprofile:\s*([\w.\-]+)`),
}

// PatternClassifier applies the built-in pattern tables plus any extras.
type PatternClassifier struct {
	extraRateLimit []*regexp.Regexp
	extraAuth      []*regexp.Regexp
	now            func() time.Time
}

// New creates a PatternClassifier with the built-in tables.
func New() *PatternClassifier {
	return &PatternClassifier{now: time.Now}
}

// NewFromConfig creates a PatternClassifier extended with configured patterns.
func NewFromConfig(cfg config.ClassifierConfig) (*PatternClassifier, error) {
	c := New()
	for _, p := range cfg.RateLimitPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit pattern %q: %w", p, err)
		}
		c.extraRateLimit = append(c.extraRateLimit, re)
	}
	for _, p := range cfg.AuthPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid auth pattern %q: %w", p, err)
		}
		c.extraAuth = append(c.extraAuth, re)
	}
	return c, nil
}

// Classify inspects text line by line, newest last. A rate limit wins over an
// auth failure when both appear.
func (c *PatternClassifier) Classify(text string) models.FailureClassification {
	lines := candidateLines(text)
	profileID := findProfileID(lines)

	if line, ok := c.lastMatch(lines, c.isRateLimitLine); ok {
		info := parseResetDetails(line, c.now())
		return models.FailureClassification{
			IsRateLimited: true,
			ProfileID:     profileID,
			Message:       rateLimitMessage(info),
			OriginalError: line,
			RateLimit:     info,
		}
	}

	if line, ok := c.lastMatch(lines, func(l string) bool { _, ok := c.authType(l); return ok }); ok {
		p, _ := c.authType(line)
		return models.FailureClassification{
			IsAuthFailure: true,
			ProfileID:     profileID,
			FailureType:   p.kind,
			Message:       p.message,
			OriginalError: line,
		}
	}

	return models.FailureClassification{}
}

func (c *PatternClassifier) isRateLimitLine(line string) bool {
	for _, re := range rateLimitStatements {
		if re.MatchString(line) {
			return true
		}
	}
	for _, re := range c.extraRateLimit {
		if re.MatchString(line) {
			return true
		}
	}
	return jsonRateLimit(line)
}

func (c *PatternClassifier) authType(line string) (authPattern, bool) {
	for _, p := range authPatterns {
		if p.re.MatchString(line) {
			return p, true
		}
	}
	for _, re := range c.extraAuth {
		if re.MatchString(line) {
			return authPattern{re: re, kind: models.AuthInvalid, message: "Authentication failed."}, true
		}
	}
	return authPattern{}, false
}

func (c *PatternClassifier) lastMatch(lines []string, match func(string) bool) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if match(lines[i]) {
			return lines[i], true
		}
	}
	return "", false
}

// candidateLines splits text into trimmed lines, dropping blanks and known
// false positives. JSON objects are kept since quoted keys are expected there.
func candidateLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(strings.TrimSuffix(l, "\r"))
		if l == "" {
			continue
		}
		if !strings.HasPrefix(l, "{") && falsePositivePattern.MatchString(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func findProfileID(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, re := range profileMarkers {
			if m := re.FindStringSubmatch(lines[i]); len(m) > 1 {
				return m[1]
			}
		}
	}
	return ""
}

func rateLimitMessage(info *models.RateLimitInfo) string {
	if info == nil || info.ResetAt.IsZero() {
		return "Rate limit reached"
	}
	return fmt.Sprintf("Rate limit reached (%s limit, resets %s)", info.LimitType, info.ResetAt.Format("2006-01-02 15:04 MST"))
}
