// Package assistant wraps the generative completion service behind a single
// asynchronous operation with success/failure outcomes.
package assistant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ashishkum25/AiChatCode/pkg/filetree"
)

// Completer is the external collaborator contract: one outstanding call per
// invocation, no batching. Implementations must respect ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Command is a runnable step the assistant suggests for the generated project.
type Command struct {
	MainItem string   `json:"mainItem"`
	Commands []string `json:"commands"`
}

// Result is the parsed assistant payload. FileTree, BuildCommand, and
// StartCommand are optional; plain conversational replies carry only Text.
type Result struct {
	Text         string        `json:"text"`
	FileTree     filetree.Tree `json:"fileTree,omitempty"`
	BuildCommand *Command      `json:"buildCommand,omitempty"`
	StartCommand *Command      `json:"startCommand,omitempty"`
}

// ParseResult decodes the assistant's reply. The model is instructed to return
// JSON, but replies are treated leniently: markdown fences are stripped and
// anything that fails to decode becomes a plain-text result.
func ParseResult(raw string) Result {
	trimmed := stripFences(strings.TrimSpace(raw))

	var result Result
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		if result.Text == "" && result.FileTree == nil {
			return Result{Text: raw}
		}
		return result
	}
	return Result{Text: raw}
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
