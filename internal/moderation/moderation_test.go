package moderation

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello there", "hello there"},
		{"trims whitespace", "  hi  ", "hi"},
		{"strips nul", "he\x00llo", "hello"},
		{"strips c0 controls", "a\x01\x02\x03b", "ab"},
		{"strips del", "a\x7fb", "ab"},
		{"strips c1 range", "ab", "ab"},
		{"keeps tab and newline", "a\tb\nc", "a\tb\nc"},
		{"keeps unicode", "héllo wörld 你好", "héllo wörld 你好"},
		{"keeps emoji", "hi 👋", "hi 👋"},
		{"control-only becomes empty", "\x00\x01\x02", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantBlock  bool
		wantReason string
	}{
		{"normal message", "hey, how are you?", false, ""},
		{"at length cap", strings.Repeat("a", 25) + strings.Repeat("b", 25), false, ""},
		{"over length cap", strings.Repeat("ab", MaxMessageLength/2 + 1), true, "too_long"},
		{"multibyte under cap", strings.Repeat("你", MaxMessageLength), false, ""},
		{"multibyte over cap", strings.Repeat("你", MaxMessageLength+1), true, "too_long"},
		{"flood at threshold", strings.Repeat("x", 51), true, "spam_repetition"},
		{"flood just under", strings.Repeat("x", 50), false, ""},
		{"flood mid-message", "hi " + strings.Repeat("!", 60) + " there", true, "spam_repetition"},
		{"deny list word", "this is spam", true, "inappropriate"},
		{"deny list case-insensitive", "you are a BoT", true, "inappropriate"},
		{"deny list inside spammer", "i am a spammer", true, "inappropriate"},
		{"deny list inside robots", "robots are cool", true, "inappropriate"},
		{"deny list inside scammers", "scammers everywhere", true, "inappropriate"},
		{"clean text passes", "banana and clamp", false, ""},
		{"length beats deny list", "spam " + strings.Repeat("ab", MaxMessageLength), true, "too_long"},
		{"flood beats deny list", "spam " + strings.Repeat("z", 60), true, "spam_repetition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.in)
			if got.Blocked != tt.wantBlock || got.Reason != tt.wantReason {
				t.Errorf("Check(...) = {%v %q}, want {%v %q}",
					got.Blocked, got.Reason, tt.wantBlock, tt.wantReason)
			}
		})
	}
}

func TestHasCharFloodCountsRunes(t *testing.T) {
	// A long run of a multi-byte rune must trip the scan the same as ASCII.
	if !hasCharFlood(strings.Repeat("你", 51)) {
		t.Error("expected flood for 51 identical multibyte runes")
	}
	if hasCharFlood(strings.Repeat("ab", 100)) {
		t.Error("alternating characters are not a flood")
	}
}
