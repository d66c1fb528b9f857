// Package classifier buckets research queries into complexity classes.
//
// Classification is a single pass of substring checks over the lower-cased
// query. It runs before any paid upstream call, so it must stay cheap.
package classifier

import "strings"

// Complexity is the heuristic bucket derived from query text.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Lexicons are checked in priority order; the first class with a matching
// term wins, since the term sets overlap in practice ("how to compare").
var (
	complexIndicators = []string{
		"analyze", "compare", "evaluate", "likelihood", "assess", "competitive",
	}
	mediumIndicators = []string{
		"why", "how", "explain", "recent", "strategy",
	}
)

// Classify returns the complexity class of query. It is total: empty or
// unmatched text yields Simple.
func Classify(query string) Complexity {
	lower := strings.ToLower(query)

	if containsAny(lower, complexIndicators) {
		return Complex
	}
	if containsAny(lower, mediumIndicators) {
		return Medium
	}
	return Simple
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// Valid reports whether c is a known class.
func (c Complexity) Valid() bool {
	switch c {
	case Simple, Medium, Complex:
		return true
	}
	return false
}
