// Package prompt prepares query text for the upstream answer executor.
package prompt

import (
	"regexp"
	"strings"
)

// CompanyNamePlaceholder is substituted with the account name before execution.
const CompanyNamePlaceholder = "{COMPANY_NAME}"

// SystemMessage is the fixed system role message sent with every tier.
const SystemMessage = "You are a helpful research assistant."

var placeholderRe = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(CompanyNamePlaceholder))

// ApplyCompanyName replaces every case-insensitive occurrence of the
// placeholder with companyName. A nil or empty companyName returns query
// unchanged.
// Substitution is textual: the replacement is inserted literally and is
// never rescanned.
func ApplyCompanyName(query string, companyName *string) string {
	if companyName == nil || *companyName == "" {
		return query
	}
	return placeholderRe.ReplaceAllLiteralString(query, *companyName)
}

// HasPlaceholder reports whether query references the company name.
func HasPlaceholder(query string) bool {
	return placeholderRe.MatchString(query)
}

// Compose joins framing text and query into a single user message.
func Compose(framing, query string) string {
	var b strings.Builder
	b.Grow(len(framing) + len(query) + 9)
	b.WriteString(framing)
	b.WriteString("\n\nQuery: ")
	b.WriteString(query)
	return b.String()
}
