package classifier

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/autobuild/internal/models"
)

var (
	// Claude AI usage limit reached|<unix_timestamp>
	unixTimestampPattern = regexp.MustCompile(`(?i)usage limit reached\|(\d+)`)

	// Your limit will reset at 2pm (America/New_York)
	humanTimePattern = regexp.MustCompile(`(?i)limit will reset at (\d+)(am|pm)\s*\(([^)]+)\)`)

	// Limit reached · resets 1am (Europe/Dublin)
	resetsTimePattern = regexp.MustCompile(`(?i)resets\s+(\d+)(am|pm)\s*\(([^)]+)\)`)

	// retry in 300 seconds / retry after 300s
	retrySecondsPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)

	// Statements that a limit was actually hit. A bare mention of "rate limit"
	// is not enough.
	rateLimitStatements = []*regexp.Regexp{
		unixTimestampPattern,
		humanTimePattern,
		resetsTimePattern,
		regexp.MustCompile(`(?i)\b(?:rate|usage|session|weekly) limit (?:reached|exceeded|hit)\b`),
		regexp.MustCompile(`(?i)\byou(?:'ve| have) (?:hit|reached) your (?:usage |session |weekly )?limit\b`),
		regexp.MustCompile(`(?i)\bout of (?:extra )?usage\b`),
		regexp.MustCompile(`(?i)\b429\b.*too many requests|too many requests.*\b429\b`),
		regexp.MustCompile(`(?i)"type"\s*:\s*"rate_limit_error"`),
	}

	// Displayed or logged text that mentions limits without being an error.
	falsePositivePattern = regexp.MustCompile(`(?i)(\[RATE.?LIMIT\]|` +
		"`rate.?limit|" +
		`"rate.?limit|` +
		`'rate.?limit|` +
		`waiting for reset\.\.\.|` +
		`until auto-resume)`)
)

// parseResetDetails fills reset time and limit type from a rate limit line.
func parseResetDetails(line string, now time.Time) *models.RateLimitInfo {
	info := &models.RateLimitInfo{
		DetectedAt: now,
		RawMessage: line,
		LimitType:  models.LimitTypeUnknown,
	}

	if m := unixTimestampPattern.FindStringSubmatch(line); len(m) > 1 {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			info.WaitSeconds = ts - now.Unix()
			info.LimitType = inferLimitType(info.WaitSeconds)
			return info
		}
	}

	for _, p := range []*regexp.Regexp{humanTimePattern, resetsTimePattern} {
		if m := p.FindStringSubmatch(line); len(m) > 3 {
			resetAt := clockReset(m[1], m[2], m[3], now)
			info.ResetAt = resetAt
			info.WaitSeconds = int64(resetAt.Sub(now).Seconds())
			info.LimitType = inferLimitType(info.WaitSeconds)
			return info
		}
	}

	if m := retrySecondsPattern.FindStringSubmatch(line); len(m) > 1 {
		if seconds, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.WaitSeconds = seconds
			info.ResetAt = now.Add(time.Duration(seconds) * time.Second)
			info.LimitType = inferLimitType(seconds)
			return info
		}
	}

	if wait, ok := jsonRetryAfter(line); ok {
		info.WaitSeconds = wait
		info.ResetAt = now.Add(time.Duration(wait) * time.Second)
		info.LimitType = inferLimitType(wait)
		return info
	}

	// No explicit hint: assume the current 5-hour session window.
	info.ResetAt = InferResetTime(now)
	info.WaitSeconds = int64(info.ResetAt.Sub(now).Seconds())
	info.LimitType = models.LimitTypeSession
	return info
}

// clockReset resolves "2pm (Zone)" to the next such wall-clock time after now.
func clockReset(hourStr, meridiem, tzName string, now time.Time) time.Time {
	hour, _ := strconv.Atoi(hourStr)
	meridiem = strings.ToLower(meridiem)
	if meridiem == "pm" && hour != 12 {
		hour += 12
	} else if meridiem == "am" && hour == 12 {
		hour = 0
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}

	local := now.In(loc)
	resetAt := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if resetAt.Before(local) {
		resetAt = resetAt.Add(24 * time.Hour)
	}
	return resetAt
}

// InferResetTime returns the next 5-hour billing boundary (0, 5, 10, 15, 20h)
// after now.
func InferResetTime(now time.Time) time.Time {
	floored := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())

	next := (floored.Hour()/5)*5 + 5
	if next >= 24 {
		next = 0
		floored = floored.AddDate(0, 0, 1)
	}
	return time.Date(floored.Year(), floored.Month(), floored.Day(), next, 0, 0, 0, floored.Location())
}

// inferLimitType treats waits beyond six hours as weekly limits.
func inferLimitType(waitSeconds int64) models.LimitType {
	const sixHours = 6 * 60 * 60

	if waitSeconds <= 0 {
		return models.LimitTypeUnknown
	}
	if waitSeconds > sixHours {
		return models.LimitTypeWeekly
	}
	return models.LimitTypeSession
}

// jsonRateLimit reports whether line is a JSON error object describing a
// rate limit.
func jsonRateLimit(line string) bool {
	obj, ok := jsonObject(line)
	if !ok {
		return false
	}
	return isRateLimitError(obj["error"])
}

func isRateLimitError(v interface{}) bool {
	switch e := v.(type) {
	case string:
		lower := strings.ToLower(e)
		return strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit") || strings.Contains(e, "429")
	case map[string]interface{}:
		if t, ok := e["type"].(string); ok && t == "rate_limit_error" {
			return true
		}
		return isRateLimitError(e["message"])
	}
	return false
}

func jsonRetryAfter(line string) (int64, bool) {
	obj, ok := jsonObject(line)
	if !ok {
		return 0, false
	}
	var wait int64
	switch v := obj["retry_after"].(type) {
	case float64:
		wait = int64(v)
	case string:
		wait, _ = strconv.ParseInt(v, 10, 64)
	}
	return wait, wait > 0
}

func jsonObject(line string) (map[string]interface{}, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, false
	}
	return obj, true
}
