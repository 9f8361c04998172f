package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client to server frame types.
const (
	FrameStartSession            = "start_session"
	FrameSendMessage             = "send_message"
	FramePermissionResponse      = "permission_response"
	FrameAbort                   = "abort"
	FrameForkSession             = "fork_session"
	FrameLeaveSession            = "leave_session"
	FrameSetPermissionMode       = "set_permission_mode"
	FrameRenameSession           = "rename_session"
	FrameDeleteSession           = "delete_session"
	FrameHandoff                 = "handoff"
	FrameListSessions            = "list_sessions"
	FrameRemoveAllowedTool       = "remove_allowed_tool"
	FrameRemoveAllowedDirectory  = "remove_allowed_directory"
	FrameRemoveGlobalAllowedTool = "remove_global_allowed_tool"
)

type startSessionData struct {
	SessionID          string `json:"sessionId"`
	WorkingDir         string `json:"workingDir"`
	ResumeToken        string `json:"resumeToken"`
	PermissionMode     string `json:"permissionMode"`
	Fork               bool   `json:"fork"`
	Name               string `json:"name"`
	ClientMessageCount int    `json:"clientMessageCount"`
}

type sendMessageData struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type permissionResponseData struct {
	SessionID      string          `json:"sessionId"`
	RequestID      string          `json:"requestId"`
	Behavior       string          `json:"behavior"`
	Input          json.RawMessage `json:"input"`
	Message        string          `json:"message"`
	Remember       bool            `json:"remember"`
	Global         bool            `json:"global"`
	AllowDirectory bool            `json:"allowDirectory"`
}

type sessionData struct {
	SessionID string `json:"sessionId"`
}

type forkSessionData struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type permissionModeData struct {
	SessionID      string `json:"sessionId"`
	PermissionMode string `json:"permissionMode"`
}

type handoffData struct {
	FromSessionID string `json:"fromSessionId"`
	SessionID     string `json:"sessionId"`
	Content       string `json:"content"`
}

type patternData struct {
	SessionID string `json:"sessionId"`
	Pattern   string `json:"pattern"`
}

type directoryData struct {
	SessionID string `json:"sessionId"`
	Directory string `json:"directory"`
}

const sessionIDProp = `"sessionId": {"type": "string", "minLength": 1}`

// frameSchemaSources holds the JSON Schema of each inbound frame's data.
var frameSchemaSources = map[string]string{
	FrameStartSession: `{
		"type": "object",
		"required": ["workingDir"],
		"additionalProperties": false,
		"properties": {
			"sessionId": {"type": "string"},
			"workingDir": {"type": "string", "minLength": 1},
			"resumeToken": {"type": "string"},
			"permissionMode": {"enum": ["", "default", "accept-edits", "acceptEdits", "bypass", "bypassPermissions", "plan"]},
			"fork": {"type": "boolean"},
			"name": {"type": "string"},
			"clientMessageCount": {"type": "integer", "minimum": 0}
		}
	}`,
	FrameSendMessage: `{
		"type": "object",
		"required": ["sessionId", "content"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"content": {"type": "string", "minLength": 1}
		}
	}`,
	FramePermissionResponse: `{
		"type": "object",
		"required": ["sessionId", "requestId", "behavior"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"requestId": {"type": "string", "minLength": 1},
			"behavior": {"enum": ["allow", "deny"]},
			"input": {"type": "object"},
			"message": {"type": "string"},
			"remember": {"type": "boolean"},
			"global": {"type": "boolean"},
			"allowDirectory": {"type": "boolean"}
		}
	}`,
	FrameAbort:         sessionOnlySchema,
	FrameLeaveSession:  sessionOnlySchema,
	FrameDeleteSession: sessionOnlySchema,
	FrameForkSession: `{
		"type": "object",
		"required": ["sessionId"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"name": {"type": "string"}
		}
	}`,
	FrameRenameSession: `{
		"type": "object",
		"required": ["sessionId", "name"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"name": {"type": "string"}
		}
	}`,
	FrameSetPermissionMode: `{
		"type": "object",
		"required": ["sessionId", "permissionMode"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"permissionMode": {"enum": ["default", "accept-edits", "acceptEdits", "bypass", "bypassPermissions", "plan"]}
		}
	}`,
	FrameHandoff: `{
		"type": "object",
		"required": ["sessionId", "content"],
		"additionalProperties": false,
		"properties": {
			"fromSessionId": {"type": "string"},
			` + sessionIDProp + `,
			"content": {"type": "string", "minLength": 1}
		}
	}`,
	FrameListSessions: `{"type": "object", "additionalProperties": false}`,
	FrameRemoveAllowedTool: `{
		"type": "object",
		"required": ["sessionId", "pattern"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"pattern": {"type": "string", "minLength": 1}
		}
	}`,
	FrameRemoveAllowedDirectory: `{
		"type": "object",
		"required": ["sessionId", "directory"],
		"additionalProperties": false,
		"properties": {
			` + sessionIDProp + `,
			"directory": {"type": "string", "minLength": 1}
		}
	}`,
	FrameRemoveGlobalAllowedTool: `{
		"type": "object",
		"required": ["pattern"],
		"additionalProperties": false,
		"properties": {
			"pattern": {"type": "string", "minLength": 1}
		}
	}`,
}

const sessionOnlySchema = `{
	"type": "object",
	"required": ["sessionId"],
	"additionalProperties": false,
	"properties": {` + sessionIDProp + `}
}`

type frameSchemas struct {
	byType map[string]*jsonschema.Schema
}

func compileFrameSchemas() (*frameSchemas, error) {
	c := jsonschema.NewCompiler()
	for typ, src := range frameSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", typ, err)
		}
		if err := c.AddResource(typ+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", typ, err)
		}
	}
	out := &frameSchemas{byType: make(map[string]*jsonschema.Schema, len(frameSchemaSources))}
	for typ := range frameSchemaSources {
		sch, err := c.Compile(typ + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		out.byType[typ] = sch
	}
	return out, nil
}

// validate checks data against the schema for typ. A missing data member
// is treated as an empty object.
func (fs *frameSchemas) validate(typ string, data json.RawMessage) error {
	sch, ok := fs.byType[typ]
	if !ok {
		return fmt.Errorf("unknown frame type %q", typ)
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage(`{}`)
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid %s data: %w", typ, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s data: %w", typ, err)
	}
	return nil
}
