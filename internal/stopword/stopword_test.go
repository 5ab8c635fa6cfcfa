package stopword

import "testing"

func TestShouldStop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		words []string
		text  string
		want  bool
	}{
		{"match", []string{"goodbye"}, "Well, goodbye then.", true},
		{"case insensitive", []string{"GOODBYE"}, "time to say goodbye", true},
		{"substring match", []string{"halt"}, "exhalted", true},
		{"no match", []string{"goodbye"}, "hello there", false},
		{"empty list", nil, "goodbye", false},
		{"empty text", []string{"goodbye"}, "", false},
		{"blank entries dropped", []string{"  ", ""}, "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := New(tt.words).ShouldStop(tt.text); got != tt.want {
				t.Errorf("ShouldStop(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestShouldStopWithThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		words []string
		ratio float64
		want  bool
	}{
		{
			name:  "half present meets half ratio",
			text:  "Time to say goodbye.",
			words: []string{"goodbye", "halt"},
			ratio: 0.5,
			want:  true,
		},
		{
			name:  "inclusive boundary",
			text:  "goodbye and halt",
			words: []string{"goodbye", "halt"},
			ratio: 1.0,
			want:  true,
		},
		{
			name:  "below ratio",
			text:  "goodbye",
			words: []string{"goodbye", "halt", "end", "finish"},
			ratio: 0.5,
			want:  false,
		},
		{
			name:  "whole word only",
			text:  "the exhalted one",
			words: []string{"halt"},
			ratio: 0.5,
			want:  false,
		},
		{
			name:  "case insensitive whole word",
			text:  "HALT right there",
			words: []string{"halt"},
			ratio: 1.0,
			want:  true,
		},
		{
			name:  "empty word list never stops",
			text:  "anything at all",
			words: nil,
			ratio: 0.0,
			want:  false,
		},
		{
			name:  "blank-only list never stops",
			text:  "anything",
			words: []string{"", "  "},
			ratio: 0.0,
			want:  false,
		},
		{
			name:  "punctuation boundary counts",
			text:  "goodbye!",
			words: []string{"goodbye"},
			ratio: 1.0,
			want:  true,
		},
		{
			name:  "regex metacharacters quoted",
			text:  "a c is not a.c",
			words: []string{"a.c"},
			ratio: 1.0,
			want:  true, // matches the literal "a.c" occurrence
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ShouldStopWithThreshold(tt.text, tt.words, tt.ratio)
			if got != tt.want {
				t.Errorf("ShouldStopWithThreshold(%q, %v, %v) = %v, want %v",
					tt.text, tt.words, tt.ratio, got, tt.want)
			}
		})
	}
}

func TestEvaluatorWordsCopies(t *testing.T) {
	t.Parallel()

	e := New([]string{"one", "two"})
	words := e.Words()
	words[0] = "mutated"
	if e.Words()[0] != "one" {
		t.Error("Words() must return a copy")
	}
}
