package stdio

import "encoding/json"

// Wire types for the newline-delimited JSON-RPC agent protocol. Field names
// follow the backend's camelCase convention.

const protocolVersion = 1

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type clientCapabilities struct {
	FS fsCapabilities `json:"fs"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeResult struct {
	ProtocolVersion   int `json:"protocolVersion"`
	AgentCapabilities struct {
		LoadSession  bool `json:"loadSession"`
		ListSessions bool `json:"listSessions"`
	} `json:"agentCapabilities"`
	AgentInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"agentInfo"`
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type loadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

// sessionConfig is the modes/models block returned by session/new and
// session/load.
type sessionConfig struct {
	SessionID string `json:"sessionId"`
	Modes     *struct {
		CurrentModeID  string `json:"currentModeId"`
		AvailableModes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"availableModes"`
	} `json:"modes,omitempty"`
	Models *struct {
		CurrentModelID  string `json:"currentModelId"`
		AvailableModels []struct {
			ModelID string `json:"modelId"`
			Name    string `json:"name"`
		} `json:"availableModels"`
	} `json:"models,omitempty"`
}

type listSessionsParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type listSessionsResult struct {
	Sessions []struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
		Title     string `json:"title,omitempty"`
		CreatedAt int64  `json:"createdAt,omitempty"`
		UpdatedAt int64  `json:"updatedAt,omitempty"`
	} `json:"sessions"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
	ModelID   string         `json:"modelId,omitempty"`
	ModeID    string         `json:"modeId,omitempty"`
}

type deleteSessionParams struct {
	SessionID string `json:"sessionId"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// sessionNotification is the session/update notification envelope.
type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

// sessionUpdate is the tagged union inside session/update; SessionUpdate
// selects the variant. Content is shape-dependent: a single block for the
// chunk variants, a list of toolContent for the tool variants.
type sessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`

	// tool_call, tool_call_update
	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	RawInput   any            `json:"rawInput,omitempty"`
	RawOutput  any            `json:"rawOutput,omitempty"`
	Locations  []wireLocation `json:"locations,omitempty"`

	// session_info_update
	Info *struct {
		Title string `json:"title,omitempty"`
	} `json:"info,omitempty"`
}

// chunkText decodes Content as a single content block and returns its text.
func (u sessionUpdate) chunkText() string {
	if len(u.Content) == 0 {
		return ""
	}
	var b contentBlock
	if err := json.Unmarshal(u.Content, &b); err != nil {
		return ""
	}
	return b.Text
}

// toolContents decodes Content as a tool content list.
func (u sessionUpdate) toolContents() []toolContent {
	if len(u.Content) == 0 {
		return nil
	}
	var items []toolContent
	if err := json.Unmarshal(u.Content, &items); err != nil {
		return nil
	}
	return items
}

// toolContent is one entry of a tool call's content list: plain text output
// or a file diff.
type toolContent struct {
	Type    string        `json:"type"`
	Content *contentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
	OldText string        `json:"oldText,omitempty"`
	NewText string        `json:"newText,omitempty"`
}

type wireLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// permissionParams is the reverse request session/request_permission (also
// sent by older backends as requestPermission).
type permissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title,omitempty"`
		Kind       string `json:"kind,omitempty"`
		RawInput   any    `json:"rawInput,omitempty"`
		Diff       string `json:"diff,omitempty"`
	} `json:"toolCall"`
	Options []permissionOption `json:"options"`
}

// permissionOption accepts both the current optionId key and the legacy id.
type permissionOption struct {
	OptionID string `json:"optionId"`
	LegacyID string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

func (o permissionOption) id() string {
	if o.OptionID != "" {
		return o.OptionID
	}
	return o.LegacyID
}

// permissionOutcome is the response envelope for a permission request.
type permissionOutcome struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId,omitempty"`
	} `json:"outcome"`
}

func selectedOutcome(optionID string) permissionOutcome {
	var o permissionOutcome
	o.Outcome.Outcome = "selected"
	o.Outcome.OptionID = optionID
	return o
}

func cancelledOutcome() permissionOutcome {
	var o permissionOutcome
	o.Outcome.Outcome = "cancelled"
	return o
}

type readTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type readTextFileResult struct {
	Content string `json:"content"`
}

type writeTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type writeTextFileResult struct {
	Success bool `json:"success"`
}
