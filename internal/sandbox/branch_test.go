package sandbox

import "testing"

func TestNormalizeBranch(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"feature/login", "feature/login"},
		{"Sprint 12: Auth Flow!", "sprint-12-auth-flow"},
		{"UPPER_case.ok", "upper_case.ok"},
		{"--weird---name--", "weird-name"},
		{"héllo wörld", "h-llo-w-rld"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		got := NormalizeBranch(tt.in)
		if got != tt.want {
			t.Errorf("NormalizeBranch(%q) = %q, want %q", tt.in, got, tt.want)
		}
		// Normalizing an already-normalized name changes nothing.
		if again := NormalizeBranch(got); again != got {
			t.Errorf("NormalizeBranch(%q) = %q, not idempotent", got, again)
		}
	}
}
