package driver

import (
	"fmt"
	"strings"
)

// Event is the normalized stream element every driver produces, regardless
// of transport (subprocess pipes or an in-process SDK iterator). The engine
// and the log treat all drivers uniformly through it.
type Event interface{ isEvent() }

// TextEvent is assistant prose.
type TextEvent struct {
	Text string
}

// ToolCallEvent is one tool invocation by the agent.
type ToolCallEvent struct {
	Name string
	Args string
}

// ResultEvent closes an agent turn.
type ResultEvent struct {
	Kind string // "success", "error", ...
	Text string
}

// ErrorEvent is a transport or agent error.
type ErrorEvent struct {
	Msg string
}

func (TextEvent) isEvent()     {}
func (ToolCallEvent) isEvent() {}
func (ResultEvent) isEvent()   {}
func (ErrorEvent) isEvent()    {}

// FormatEvent renders an event as one or more log lines.
func FormatEvent(e Event) string {
	switch v := e.(type) {
	case TextEvent:
		return v.Text
	case ToolCallEvent:
		if v.Args == "" {
			return "[tool] " + v.Name
		}
		return fmt.Sprintf("[tool] %s %s", v.Name, v.Args)
	case ResultEvent:
		if v.Text == "" {
			return "[result] " + v.Kind
		}
		return fmt.Sprintf("[result] %s: %s", v.Kind, v.Text)
	case ErrorEvent:
		return "[error] " + v.Msg
	default:
		return ""
	}
}

// taskPrefix is the line prefix agents use to announce the task they are
// starting, per the prompt template.
const taskPrefix = "TASK:"

// ParseTaskID extracts a task ID from a "TASK: <id>" line, or returns "".
func ParseTaskID(line string) string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), taskPrefix)
	if !ok {
		return ""
	}
	return strings.TrimSpace(rest)
}
