package driver

import "strings"

// promptPlaceholder replaces the prompt blob in recorded command args so run
// records stay readable.
const promptPlaceholder = "<prompt>"

// RedactArgs returns a copy of args with any element equal to prompt
// replaced by a placeholder.
func RedactArgs(args []string, prompt string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if prompt != "" && a == prompt {
			out[i] = promptPlaceholder
			continue
		}
		out[i] = a
	}
	return out
}

// RelativizePaths rewrites absolute sandbox paths in line to paths relative
// to the sandbox root, so logs read the same regardless of where the
// worktree lives.
func RelativizePaths(line, sandboxPath string) string {
	if sandboxPath == "" {
		return line
	}
	root := strings.TrimSuffix(sandboxPath, "/")
	line = strings.ReplaceAll(line, root+"/", "")
	return strings.ReplaceAll(line, root, ".")
}
