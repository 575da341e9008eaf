package content

import (
	"bytes"
	"errors"
	"html"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	textPolicy   = bluemonday.StrictPolicy()
	renderPolicy = bluemonday.UGCPolicy()
	uidRegex     = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips all markup from short labels such as group names. The result
// is plain text, not HTML. Message text is stored as typed and made safe by Render.
func Sanitize(input string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(input)))
}

// Render converts markdown message text to safe HTML.
func Render(input string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return template.HTML(renderPolicy.SanitizeBytes(buf.Bytes())), nil
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateUID checks that a user id is non-empty and only uses
// alphanumerics, dot, dash and underscore.
func ValidateUID(uid string) error {
	if uid == "" {
		return errors.New("uid cannot be empty")
	}
	if !uidRegex.MatchString(uid) {
		return errors.New("uid contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
