package driver

import (
	"fmt"
	"strings"

	"github.com/plandev/plandev/internal/workstore"
)

// CompletionMarker is the literal the agent emits when every selected task
// is done. The loop engine stops the run when it appears in the output.
const CompletionMarker = "<promise>COMPLETE</promise>"

const promptTemplate = `You are working through a sprint of tasks in this repository.

Work on ONE task at a time, in the order listed. Before starting a task,
output a line of the exact form "TASK: <id>". For each task: implement it,
run the relevant tests, and commit with a message referencing the task id.

When, and only when, EVERY task below is fully implemented and committed,
output the exact line:

%s

Tasks:
%s`

// BuildPrompt composes the iteration prompt from the fixed template, the
// sprint's selected tasks, and the project's coding-style guidance.
func BuildPrompt(sprint *workstore.Sprint, taskIDs []string, codingStyle string) string {
	var b strings.Builder
	for _, t := range sprint.Tasks {
		if len(taskIDs) > 0 && !contains(taskIDs, t.ID) {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s", t.ID, t.Title)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteByte('\n')
	}
	prompt := fmt.Sprintf(promptTemplate, CompletionMarker, b.String())
	if codingStyle != "" {
		prompt += "\nCoding style guidance:\n" + codingStyle + "\n"
	}
	return prompt
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
