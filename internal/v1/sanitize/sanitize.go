// Package sanitize holds the pure input-hygiene functions: address
// hashing, display-name and chat-content validation, tag stripping and
// escaping, and injection-probe rejection. Every sanitizer is
// idempotent, so content already cleaned passes through unchanged.
package sanitize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

const (
	// MaxDisplayNameLength is measured in code points after trimming.
	MaxDisplayNameLength = 50
	// MaxMessageLength is measured in code points after trimming.
	MaxMessageLength = 1000
)

var (
	// script/style elements are removed together with their payload;
	// stripping only the tags would leak the attack body as text.
	elementRe = regexp.MustCompile(`(?is)<\s*(script|style)\b[^>]*>.*?<\s*/\s*(script|style)\s*>`)
	// A tag starts with a letter, slash, or bang after '<'. A bare '<'
	// followed by anything else ("2 < 3", "<3") is legitimate text.
	tagRe   = regexp.MustCompile(`<\s*/?\s*[a-zA-Z!][^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// sqlProbes are checked case-insensitively. Matches are rejected, not
// stripped: a probe author gets MALICIOUS_INPUT, never a cleaned echo.
var sqlProbes = []string{
	"union select",
	"union all select",
	"drop table",
	"drop database",
	"truncate table",
	"delete from",
	"insert into",
	"xp_cmdshell",
	"information_schema",
	"'; drop",
	"' or '1'='1",
	`" or "1"="1`,
	" or 1=1",
	"1=1--",
	"admin'--",
	"waitfor delay",
	"load_file(",
	"into outfile",
	"sleep(",
	"benchmark(",
}

// ValidateDisplayName rejects names that are empty after trimming or
// longer than MaxDisplayNameLength code points.
func ValidateDisplayName(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return fmt.Errorf("%w: name is empty", types.ErrInvalidDisplayName)
	}
	if utf8.RuneCountInString(trimmed) > MaxDisplayNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", types.ErrInvalidDisplayName, MaxDisplayNameLength)
	}
	return nil
}

// ValidateMessage rejects messages that are empty after trimming or
// longer than MaxMessageLength code points.
func ValidateMessage(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return fmt.Errorf("%w: message is empty", types.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters", types.ErrInvalidMessage, MaxMessageLength)
	}
	return nil
}

// CheckMalicious rejects input containing a recognized SQL-injection
// probe, checking the entity-decoded form as well so "&#39; OR ..."
// cannot sneak past. The probe itself is never echoed back or logged.
func CheckMalicious(s string) error {
	lower := strings.ToLower(s)
	decoded := strings.ToLower(html.UnescapeString(s))
	for _, probe := range sqlProbes {
		if strings.Contains(lower, probe) || strings.Contains(decoded, probe) {
			return types.ErrMaliciousInput
		}
	}
	return nil
}

// SanitizeDisplayName strips script/style elements with their content,
// strips remaining tags, replaces control characters with spaces, and
// collapses whitespace. Names are stored plain (no entity escaping).
func SanitizeDisplayName(s string) string {
	s = stripToFixpoint(elementRe, s)
	s = stripToFixpoint(tagRe, s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SanitizeMessage unescapes entities first (so "&lt;script&gt;" cannot
// smuggle an element past the stripper), removes script/style elements
// with their content and any remaining tags, drops control characters
// except newline and tab, then re-escapes HTML-significant characters.
// Unescape-before-escape makes the whole function idempotent.
func SanitizeMessage(s string) string {
	u := html.UnescapeString(s)
	u = stripToFixpoint(elementRe, u)
	u = stripToFixpoint(tagRe, u)
	u = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, u)
	return strings.TrimSpace(html.EscapeString(u))
}

// stripToFixpoint reapplies the removal until the string stops
// changing, so fragments reassembled by a removal ("<scr<script>ipt>")
// do not survive a single pass.
func stripToFixpoint(re *regexp.Regexp, s string) string {
	for {
		next := re.ReplaceAllString(s, "")
		if next == s {
			return s
		}
		s = next
	}
}

// CleanDisplayName runs the full display-name pipeline: validate the
// raw input, reject injection probes, sanitize, and reject names that
// sanitize away entirely.
func CleanDisplayName(s string) (string, error) {
	if err := ValidateDisplayName(s); err != nil {
		return "", err
	}
	if err := CheckMalicious(s); err != nil {
		return "", err
	}
	out := SanitizeDisplayName(s)
	if out == "" {
		return "", fmt.Errorf("%w: nothing left after sanitization", types.ErrInvalidDisplayName)
	}
	return out, nil
}

// CleanMessage runs the full chat-content pipeline; the result is what
// gets journaled and broadcast.
func CleanMessage(s string) (string, error) {
	if err := ValidateMessage(s); err != nil {
		return "", err
	}
	if err := CheckMalicious(s); err != nil {
		return "", err
	}
	out := SanitizeMessage(s)
	if out == "" {
		return "", fmt.Errorf("%w: nothing left after sanitization", types.ErrInvalidMessage)
	}
	return out, nil
}
