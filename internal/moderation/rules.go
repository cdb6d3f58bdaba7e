package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// Compiled patterns for rule-based classification. Compiled once at package
// init and reused for every call, so they are safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with
	// common TLDs. The bare-domain variant requires a trailing "/" so that
	// version strings like "v2.0" or decimals like "3.14" don't trip it.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone number formats, anchored to
	// whitespace or string boundaries to avoid matching digit runs inside
	// normal words.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodThreshold = 6 // consecutive identical characters
	wordFloodThreshold = 4 // consecutive identical words
)

// RuleClassifier is the default Classifier: a keyword blocklist plus spam
// pattern checks. It never blocks delivery itself — the engine persists
// first and applies consequences to the already-visible message.
type RuleClassifier struct {
	terms []string // lowercased blocklist terms
}

// NewRuleClassifier creates a rule classifier with the given blocklist
// terms. Terms are matched case-insensitively on word boundaries. A nil or
// empty list disables the blocklist and leaves only the spam checks.
func NewRuleClassifier(terms []string) *RuleClassifier {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &RuleClassifier{terms: lowered}
}

// Classify runs the blocklist and spam checks in order; the first hit wins.
func (c *RuleClassifier) Classify(_ context.Context, content string, _ Context) Decision {
	if term, ok := c.matchTerm(content); ok {
		return Decision{Action: ActionWarn, Reason: "prohibited_term", Term: term}
	}
	if urlPattern.MatchString(content) {
		return Decision{Action: ActionWarn, Reason: "spam_url", Term: "url"}
	}
	if phonePattern.MatchString(content) {
		return Decision{Action: ActionWarn, Reason: "spam_phone", Term: "phone"}
	}
	if hasCharFlood(content) {
		return Decision{Action: ActionWarn, Reason: "char_flood", Term: "char_flood"}
	}
	if hasWordFlood(content) {
		return Decision{Action: ActionWarn, Reason: "word_flood", Term: "word_flood"}
	}
	return Decision{Action: ActionOK}
}

// matchTerm reports the first blocklist term found as a whole word in the
// content, comparing case-insensitively.
func (c *RuleClassifier) matchTerm(content string) (string, bool) {
	if len(c.terms) == 0 {
		return "", false
	}
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		for _, t := range c.terms {
			if w == t {
				return t, true
			}
		}
	}
	return "", false
}

// hasCharFlood reports whether the content contains charFloodThreshold or
// more consecutive identical characters. RE2 has no backreferences, so this
// is a linear scan.
func hasCharFlood(content string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range content {
		if r == prev {
			count++
			if count >= charFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports whether the same word repeats wordFloodThreshold or
// more times consecutively, case-insensitively.
func hasWordFlood(content string) bool {
	words := strings.Fields(content)
	if len(words) < wordFloodThreshold {
		return false
	}
	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= wordFloodThreshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
