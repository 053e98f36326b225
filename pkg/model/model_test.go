package model

import (
	"testing"
	"unicode/utf8"
)

func TestTerminal(t *testing.T) {
	cases := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusError, true},
		{StatusStopped, true},
		{TaskStatus("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this one is definitely too long", 10, "this on..."},
		{"abc", 3, "abc"},
		{"abcdef", 2, "ab"},
		{"", 5, ""},
		{"héllo wörld, this prompt is long", 10, "héllo w..."},
		{"日本語のプロンプトです", 8, "日本語のプ..."},
		{"日本語", 3, "日本語"},
		{"résumé", 2, "ré"},
		{"whatever", 0, ""},
	}
	for _, tc := range cases {
		got := Truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("Truncate(%q, %d) = %q is not valid UTF-8", tc.in, tc.n, got)
		}
	}
}
