package claudecli

import (
	"encoding/json"
	"log/slog"

	"github.com/plandev/plandev/internal/driver"
)

// envelope is the common header of every stream-json line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// contentBlock is one element of an assistant message's content array.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// parseLine decodes one stream-json line into normalized events. Lines that
// are not valid JSON are passed through as text so nothing the agent prints
// is lost; malformed-but-JSON lines are logged and skipped.
func parseLine(line string) []driver.Event {
	if line == "" {
		return nil
	}
	if line[0] != '{' {
		return []driver.Event{driver.TextEvent{Text: line}}
	}
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		slog.Warn("skipping malformed stream-json line", "err", err)
		return nil
	}
	switch env.Type {
	case "assistant":
		var events []driver.Event
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, driver.TextEvent{Text: block.Text})
				}
			case "tool_use":
				events = append(events, driver.ToolCallEvent{Name: block.Name, Args: compactInput(block.Input)})
			}
		}
		return events
	case "result":
		kind := env.Subtype
		if kind == "" {
			if env.IsError {
				kind = "error"
			} else {
				kind = "success"
			}
		}
		return []driver.Event{driver.ResultEvent{Kind: kind, Text: env.Result}}
	case "system", "user":
		// Init banners and tool results; the tool output already shows up
		// in the agent's next message, so these stay out of the log.
		return nil
	default:
		return nil
	}
}

// maxArgsLen bounds how much of a tool input makes it into the log.
const maxArgsLen = 200

// compactInput renders a tool input blob as a single truncated line.
func compactInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := string(raw)
	if len(s) > maxArgsLen {
		s = s[:maxArgsLen] + "…"
	}
	return s
}
