// Package resolve maps free-text person names from upstream sources to
// canonical politician records, creating new records when no match exists.
package resolve

import (
	"regexp"
	"strings"
)

// honorifics are leading titles stripped during name cleaning.
var honorifics = []string{
	"REP.", "REP", "SEN.", "SEN", "HON.", "HON",
	"MR.", "MR", "MRS.", "MRS", "MS.", "MS", "DR.", "DR",
}

// generationalSuffixes are trailing tokens stripped during name cleaning.
var generationalSuffixes = []string{
	"JR.", "JR", "SR.", "SR", "II", "III", "IV",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// CleanName standardizes a person name while preserving case:
//  1. "Last, First" ordering is flipped to "First Last"
//  2. Leading honorifics (Rep., Sen., Dr., ...) are stripped
//  3. Trailing generational suffixes (Jr., III, ...) are stripped
//  4. Periods and quotes are removed, whitespace is collapsed
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	// FEC and some House feeds use "LAST, FIRST" ordering.
	if before, after, found := strings.Cut(name, ","); found {
		name = strings.TrimSpace(after) + " " + strings.TrimSpace(before)
	}

	name = strings.ReplaceAll(name, "\"", " ")
	tokens := strings.Fields(name)

	for len(tokens) > 0 && isToken(tokens[0], honorifics) {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 && isToken(tokens[len(tokens)-1], generationalSuffixes) {
		tokens = tokens[:len(tokens)-1]
	}

	name = strings.Join(tokens, " ")
	name = strings.ReplaceAll(name, ".", "")
	name = multiSpaceRe.ReplaceAllString(name, " ")

	return strings.TrimSpace(name)
}

// NormalizeName returns the lowercase matching key for a name: cleaned,
// lowercased, whitespace-normalized.
func NormalizeName(name string) string {
	return strings.ToLower(CleanName(name))
}

// SplitName splits a cleaned name into given and family names: first token is
// the given name, last token the family name. Single-token names cannot be
// split and report ok=false.
func SplitName(name string) (first, last string, ok bool) {
	tokens := strings.Fields(CleanName(name))
	if len(tokens) < 2 {
		return "", "", false
	}
	return tokens[0], tokens[len(tokens)-1], true
}

func isToken(tok string, set []string) bool {
	up := strings.ToUpper(tok)
	for _, s := range set {
		if up == s {
			return true
		}
	}
	return false
}
