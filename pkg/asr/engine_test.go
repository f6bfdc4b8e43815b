package asr

import "testing"

func TestIsNonSpeech(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"[BLANK_AUDIO]", true},
		{"[ Silence ]", true},
		{"[silence]", true},
		{"(music)", true},
		{"hello there", false},
		{"[bracketed] but more words", false},
		{"ok", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			if got := IsNonSpeech(tt.text); got != tt.want {
				t.Fatalf("IsNonSpeech(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
