package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/plandev/plandev/internal/gitutil"
)

// NormalizeBranch reduces a caller-provided branch name to a kebab-safe
// form: lowercase, anything outside [a-z0-9./_-] becomes a dash, runs of
// dashes collapse, and leading/trailing dashes are stripped. Idempotent.
func NormalizeBranch(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '/', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}

// uniqueBranch returns name, or name with an incrementing numeric suffix
// when it collides with an existing branch.
func uniqueBranch(ctx context.Context, repoRoot, name string) string {
	if !gitutil.BranchExists(ctx, repoRoot, name) {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !gitutil.BranchExists(ctx, repoRoot, candidate) {
			return candidate
		}
	}
}
