package dedup

import (
	"strings"
	"testing"
)

func TestDedup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"no_repeats", "the cat sat", "the cat sat"},
		{"unigram_stutter", "the the cat sat", "the cat sat"},
		{"unigram_run", "go go go", "go"},
		{"case_insensitive_keeps_first", "The the THE cat", "The cat"},
		{"bigram_repeat", "thank you thank you very much", "thank you very much"},
		{"bigram_built_from_stutters", "I I went went I went home", "I went home"},
		{"trigram_repeat", "see you later see you later alligator", "see you later alligator"},
		{"non_adjacent_kept", "a b a c a", "a b a c a"},
		{"whitespace_collapsed", "  hello   hello  world ", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dedup(tt.in)
			if got.Text != tt.want {
				t.Errorf("Dedup(%q).Text = %q, want %q", tt.in, got.Text, tt.want)
			}
			if got.Raw != tt.in {
				t.Errorf("Raw = %q, want untouched input %q", got.Raw, tt.in)
			}
		})
	}
}

func TestDedupRemovedCount(t *testing.T) {
	r := Dedup("go go go home")
	if r.Removed != 2 {
		t.Errorf("Removed = %d, want 2", r.Removed)
	}
	if !r.Changed() {
		t.Error("Changed() = false, want true")
	}
	if Dedup("nothing to do").Changed() {
		t.Error("Changed() = true for clean text")
	}
}

func TestPass(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"n1", "a a b", 1, "a b"},
		{"n2_ignores_unigram", "a a b", 2, "a a b"},
		{"n2", "a b a b a b c", 2, "a b c"},
		{"too_short", "a b", 2, "a b"},
		{"zero_n", "a a", 0, "a a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(Pass(strings.Fields(tt.in), tt.n), " ")
			if got != tt.want {
				t.Errorf("Pass(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestDedupN(t *testing.T) {
	in := "one two one two"
	if got := DedupN(in, 1).Text; got != in {
		t.Errorf("DedupN(maxN=1) = %q, want unchanged", got)
	}
	if got := DedupN(in, 2).Text; got != "one two" {
		t.Errorf("DedupN(maxN=2) = %q, want %q", got, "one two")
	}
}
