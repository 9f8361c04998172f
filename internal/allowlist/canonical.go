// Package allowlist decides whether a tool invocation may run without asking
// a human. Patterns look like `Bash(npm test)`, `Write(/repo/main.go)` or a
// bare tool name.
package allowlist

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Shell tools carry a `command` argument.
var shellTools = map[string]struct{}{
	"Bash":  {},
	"Shell": {},
}

// File tools carry a path argument and are approved by directory containment.
var fileTools = map[string]struct{}{
	"Read":         {},
	"Write":        {},
	"Edit":         {},
	"MultiEdit":    {},
	"NotebookEdit": {},
}

// Edit tools are the file tools that mutate the tree.
var editTools = map[string]struct{}{
	"Write":        {},
	"Edit":         {},
	"MultiEdit":    {},
	"NotebookEdit": {},
}

var pathArgs = []string{"file_path", "notebook_path", "path"}

func IsShellTool(name string) bool {
	_, ok := shellTools[name]
	return ok
}

func IsFileTool(name string) bool {
	_, ok := fileTools[name]
	return ok
}

func IsEditTool(name string) bool {
	_, ok := editTools[name]
	return ok
}

// Command returns the trimmed shell command of a shell tool input.
func Command(input json.RawMessage) string {
	return strings.TrimSpace(gjson.GetBytes(input, "command").String())
}

// FilePath returns the first non-empty path argument of a file tool input.
func FilePath(input json.RawMessage) string {
	for _, key := range pathArgs {
		if v := strings.TrimSpace(gjson.GetBytes(input, key).String()); v != "" {
			return v
		}
	}
	return ""
}

// Canonicalize turns a tool invocation into its allowlist pattern. The result
// depends only on the named arguments, never on key order or other fields.
func Canonicalize(toolName string, input json.RawMessage) string {
	toolName = strings.TrimSpace(toolName)
	switch {
	case IsShellTool(toolName):
		if cmd := Command(input); cmd != "" {
			return wrap(toolName, cmd)
		}
	case IsFileTool(toolName):
		if p := FilePath(input); p != "" {
			return wrap(toolName, p)
		}
	}
	return toolName
}

func wrap(tool, arg string) string {
	return tool + "(" + arg + ")"
}

// split parses `Tool(arg)` into its parts. ok is false for bare names.
func split(pattern string) (tool, arg string, ok bool) {
	open := strings.IndexByte(pattern, '(')
	if open <= 0 || !strings.HasSuffix(pattern, ")") {
		return pattern, "", false
	}
	return pattern[:open], pattern[open+1 : len(pattern)-1], true
}
