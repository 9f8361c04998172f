package bus

// Server to client event types.
const (
	TypeSessionReady       = "session_ready"
	TypeMessage            = "message"
	TypeThinking           = "thinking"
	TypePermissionRequest  = "permission_request"
	TypePermissionResolved = "permission_resolved"
	TypeToolResult         = "tool_result"
	TypeResult             = "result"
	TypeAllowedTools       = "allowed_tools"
	TypeGlobalAllowedTools = "global_allowed_tools"
	TypeAllowedDirectories = "allowed_directories"
	TypeAvailableCommands  = "available_commands"
	TypePermissionMode     = "permission_mode"
	TypeSessionForked      = "session_forked"
	TypeHandoffQueue       = "handoff_queue"
	TypeSessions           = "sessions"
	TypeError              = "error"
)
