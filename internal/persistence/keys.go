package persistence

import "strings"

const (
	sessionPrefix     = "session:"
	handoffPrefix     = "handoff:"
	globalAllowedKey  = "settings:global_allowed_tools"
	suffixMessages    = ":messages"
	suffixUsage       = ":usage"
	suffixAllowed     = ":allowed_tools"
	suffixAllowedDirs = ":allowed_dirs"
)

func sessionKey(id string) string      { return sessionPrefix + id }
func messagesKey(id string) string     { return sessionPrefix + id + suffixMessages }
func usageKey(id string) string        { return sessionPrefix + id + suffixUsage }
func allowedToolsKey(id string) string { return sessionPrefix + id + suffixAllowed }
func allowedDirsKey(id string) string  { return sessionPrefix + id + suffixAllowedDirs }
func handoffKey(target string) string  { return handoffPrefix + target }

// sessionIDFromKey returns the id of a bare session record key, or "" for
// sub-keys such as session:<id>:messages.
func sessionIDFromKey(key string) string {
	id, ok := strings.CutPrefix(key, sessionPrefix)
	if !ok || id == "" || strings.Contains(id, ":") {
		return ""
	}
	return id
}
