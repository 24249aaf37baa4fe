package session

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername trims, NFKC-normalizes and case-folds a username so
// visually identical names map to one account.
func NormalizeUsername(s string) string {
	// Casers are stateful; one per call.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}
