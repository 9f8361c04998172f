package allowlist

import (
	"encoding/json"
	"slices"
)

// Source names which rule approved a request.
type Source string

const (
	SourceNone      Source = ""
	SourceSession   Source = "session"
	SourceGlobal    Source = "global"
	SourceDirectory Source = "directory"
)

// Request is one tool authorization ask from the executor.
type Request struct {
	ToolName string
	Input    json.RawMessage
}

// Scope is everything a decision may consult. Global is a snapshot taken
// by the caller so one decision sees a consistent set.
type Scope struct {
	Session     []string
	Global      []string
	WorkingDir  string
	AllowedDirs []string
}

type Verdict struct {
	Allowed bool
	Pattern string
	Source  Source
}

// Evaluate decides whether req can run without a human.
//
// File tools are approved by directory containment only. Shell commands are
// approved by an exact match on the whole pattern, or else split into
// sub-commands that must each match the session or global allowlist.
// Everything else is matched against the session allowlist, then global.
func Evaluate(req Request, scope Scope) Verdict {
	pattern := Canonicalize(req.ToolName, req.Input)
	v := Verdict{Pattern: pattern}

	if IsFileTool(req.ToolName) {
		if p := FilePath(req.Input); p != "" {
			if PathAllowed(p, scope.WorkingDir, scope.AllowedDirs) {
				v.Allowed, v.Source = true, SourceDirectory
			}
			return v
		}
	}

	if IsShellTool(req.ToolName) && Command(req.Input) != "" {
		switch {
		case slices.Contains(scope.Session, pattern):
			v.Allowed, v.Source = true, SourceSession
			return v
		case slices.Contains(scope.Global, pattern):
			v.Allowed, v.Source = true, SourceGlobal
			return v
		}
		subs := SplitShellCommand(Command(req.Input))
		if len(subs) == 0 {
			return v
		}
		src := SourceSession
		for _, sub := range subs {
			s := matchScope(wrap(req.ToolName, sub), scope)
			if s == SourceNone {
				return v
			}
			if s == SourceGlobal {
				src = SourceGlobal
			}
		}
		v.Allowed, v.Source = true, src
		return v
	}

	if src := matchScope(pattern, scope); src != SourceNone {
		v.Allowed, v.Source = true, src
	}
	return v
}

func matchScope(pattern string, scope Scope) Source {
	if Matches(pattern, scope.Session) {
		return SourceSession
	}
	if Matches(pattern, scope.Global) {
		return SourceGlobal
	}
	return SourceNone
}
