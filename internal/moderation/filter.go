package moderation

import "strings"

// MaxMessageLength is the post-sanitization content length cap in characters.
const MaxMessageLength = 5000

// repetitionThreshold is the run length at which consecutive identical
// characters count as flooding.
const repetitionThreshold = 51

// denyTokens are rejected as case-insensitive substrings, so derived forms
// like "spammer" or "robots" are caught too.
var denyTokens = []string{"spam", "bot", "scam"}

// Result is the outcome of a content check. A zero value means the content
// passed.
type Result struct {
	Blocked bool
	Reason  string // "too_long", "spam_repetition", or "inappropriate"
}

// check pairs a detection function with the rejection reason it produces.
type check struct {
	name   string
	reason string
	match  func(string) bool
}

// checks is the ordered list applied by Check. Order matters: the first
// match wins.
var checks = []check{
	{name: "length", reason: "too_long", match: func(text string) bool {
		return len([]rune(text)) > MaxMessageLength
	}},
	{name: "char_flood", reason: "spam_repetition", match: hasCharFlood},
	{name: "deny_list", reason: "inappropriate", match: func(text string) bool {
		lower := strings.ToLower(text)
		for _, tok := range denyTokens {
			if strings.Contains(lower, tok) {
				return true
			}
		}
		return false
	}},
}

// hasCharFlood reports whether text contains repetitionThreshold or more
// consecutive identical characters. Go's regexp package (RE2) does not
// support backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= repetitionThreshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// Check runs every content check against already-sanitized text and returns
// a blocking Result on the first match.
func Check(text string) Result {
	for _, c := range checks {
		if c.match(text) {
			return Result{Blocked: true, Reason: c.reason}
		}
	}
	return Result{}
}
