package allowlist

import "strings"

// SplitShellCommand breaks a compound command into sub-commands on unquoted
// `&&`, `||`, `;`, `|` and newlines. Single and double quotes are honored and
// a backslash escapes the next byte outside single quotes. Subshells,
// here-docs and command substitution are not parsed; a command using them is
// split only at the top-level separators this scan can see.
func SplitShellCommand(cmd string) []string {
	var (
		parts    []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
			cur.WriteByte(c)
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}
		if inSingle || inDouble {
			cur.WriteByte(c)
			continue
		}
		switch c {
		case ';', '\n':
			flush()
			continue
		case '&':
			if i+1 < len(cmd) && cmd[i+1] == '&' {
				flush()
				i++
				continue
			}
		case '|':
			if i+1 < len(cmd) && cmd[i+1] == '|' {
				i++
			}
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return parts
}

var fsCommands = []string{"mkdir", "touch", "mv", "cp"}

// FilesystemOnly reports whether every sub-command of cmd is a plain file
// manipulation (mkdir, touch, mv, cp). Accept-edits mode auto-allows these.
func FilesystemOnly(cmd string) bool {
	subs := SplitShellCommand(cmd)
	if len(subs) == 0 {
		return false
	}
	for _, sub := range subs {
		ok := false
		for _, name := range fsCommands {
			if commandPrefix(name, sub) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
