package classifier

import (
	"regexp"

	"github.com/harrison/autobuild/internal/models"
)

type authPattern struct {
	re      *regexp.Regexp
	kind    models.AuthFailureType
	message string
}

// Ordered from most to least specific; the first match decides the type.
var authPatterns = []authPattern{
	{
		re:      regexp.MustCompile(`(?i)\b(?:oauth )?token (?:has )?expired\b|\bexpired (?:oauth )?token\b|session expired`),
		kind:    models.AuthExpired,
		message: "Authentication token has expired. Re-authenticate the profile.",
	},
	{
		re:      regexp.MustCompile(`(?i)\binvalid (?:api key|x-api-key|oauth token|bearer token|credentials)\b`),
		kind:    models.AuthInvalid,
		message: "Credentials were rejected as invalid. Check the profile's token or API key.",
	},
	{
		re:      regexp.MustCompile(`(?i)please run /login|\bnot logged in\b|\bno (?:credentials|api key) (?:found|configured)\b|\bmissing (?:api key|credentials)\b`),
		kind:    models.AuthMissing,
		message: "No credentials are configured. Log in or add a token to the profile.",
	},
	{
		re:      regexp.MustCompile(`(?i)"type"\s*:\s*"authentication_error"|\b401\b.*\bunauthori[sz]ed\b|\bunauthori[sz]ed\b.*\b401\b|\bauthentication failed\b`),
		kind:    models.AuthUnauthorized,
		message: "The API rejected the request as unauthorized.",
	},
}
