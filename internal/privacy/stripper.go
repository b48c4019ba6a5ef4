// Package privacy removes content that must not leave the process, such as
// private transcript spans, before fragments are sent to a model provider.
package privacy

import (
	"regexp"
	"strings"
)

var (
	// privateTagRegex matches <private>...</private> spans
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// offRecordTagRegex matches <off-record>...</off-record> spans marked by transcribers
	offRecordTagRegex = regexp.MustCompile(`(?s)<off-record>.*?</off-record>`)

	emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// EmailPlaceholder replaces redacted email addresses.
const EmailPlaceholder = "[email]"

// StripPrivateTags removes all <private>...</private> content from text.
func StripPrivateTags(text string) string {
	return privateTagRegex.ReplaceAllString(text, "")
}

// StripOffRecord removes all <off-record>...</off-record> content from text.
func StripOffRecord(text string) string {
	return offRecordTagRegex.ReplaceAllString(text, "")
}

// RedactEmails replaces email addresses with EmailPlaceholder.
func RedactEmails(text string) string {
	return emailRegex.ReplaceAllString(text, EmailPlaceholder)
}

// IsEntirelyPrivate reports whether nothing is left once private and off-record spans are removed.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(StripOffRecord(StripPrivateTags(text))) == ""
}

// Clean strips private and off-record spans, redacts email addresses and trims whitespace.
// Apply it to every fragment field sent to a model.
func Clean(text string) string {
	text = StripPrivateTags(text)
	text = StripOffRecord(text)
	text = RedactEmails(text)
	return strings.TrimSpace(text)
}
