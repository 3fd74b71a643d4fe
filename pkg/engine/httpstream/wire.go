package httpstream

import (
	"encoding/json"

	"github.com/agentgate/agentgate/pkg/model"
)

// Wire shapes of the HTTP backend's REST and stream payloads, with the
// conversions into the canonical model.

type wireSession struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectID"`
	Directory string `json:"directory"`
	ParentID  string `json:"parentID"`
	Title     string `json:"title"`
	Time      struct {
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	} `json:"time"`
}

func (w wireSession) toModel(engineType string) model.Session {
	return model.Session{
		ID:         w.ID,
		EngineType: engineType,
		Directory:  model.NormalizeDirectory(w.Directory),
		Title:      w.Title,
		ParentID:   w.ParentID,
		ProjectID:  w.ProjectID,
		Time:       model.SessionTime{Created: w.Time.Created, Updated: w.Time.Updated},
	}
}

type wireTokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cache  struct {
		Read  int `json:"read"`
		Write int `json:"write"`
	} `json:"cache"`
}

// wireInfo is a message envelope. Error comes as either a string or a
// structured {name, data:{message}} object.
type wireInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	Time      struct {
		Created   int64 `json:"created"`
		Completed int64 `json:"completed"`
	} `json:"time"`
	Cost       float64         `json:"cost"`
	Tokens     *wireTokens     `json:"tokens"`
	ProviderID string          `json:"providerID"`
	ModelID    string          `json:"modelID"`
	Mode       string          `json:"mode"`
	Error      json.RawMessage `json:"error"`
}

func (w wireInfo) errorText() string {
	if len(w.Error) == 0 || string(w.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(w.Error, &s); err == nil {
		return s
	}
	var structured struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Error, &structured); err == nil {
		if structured.Data.Message != "" {
			return structured.Data.Message
		}
		return structured.Name
	}
	return string(w.Error)
}

func (w wireInfo) toModel(parts []model.Part) model.Message {
	msg := model.Message{
		ID:        w.ID,
		SessionID: w.SessionID,
		Role:      model.Role(w.Role),
		Parts:     parts,
		Time:      model.MessageTime{Created: w.Time.Created, Completed: w.Time.Completed},
		Cost:      w.Cost,
		ModelID:   joinModelID(w.ProviderID, w.ModelID),
		Mode:      w.Mode,
		Error:     w.errorText(),
	}
	if w.Tokens != nil {
		msg.Tokens = &model.TokenUsage{
			Input:  w.Tokens.Input,
			Output: w.Tokens.Output,
			Cache:  w.Tokens.Cache.Read + w.Tokens.Cache.Write,
		}
	}
	if msg.Parts == nil {
		msg.Parts = []model.Part{}
	}
	return msg
}

type wirePart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	State     *struct {
		Status string `json:"status"`
		Input  any    `json:"input"`
		Output any    `json:"output"`
		Error  string `json:"error"`
		Title  string `json:"title"`
		Time   struct {
			Start int64 `json:"start"`
			End   int64 `json:"end"`
		} `json:"time"`
	} `json:"state"`
	Mime     string   `json:"mime"`
	Filename string   `json:"filename"`
	URL      string   `json:"url"`
	Files    []string `json:"files"`
	Hash     string   `json:"hash"`
	Path     string   `json:"path"`
	Content  string   `json:"content"`
}

func (w wirePart) toModel() model.Part {
	p := model.Part{
		ID:        w.ID,
		MessageID: w.MessageID,
		SessionID: w.SessionID,
		Type:      model.PartType(w.Type),
		Text:      w.Text,
		CallID:    w.CallID,
		Tool:      w.Tool,
		Mime:      w.Mime,
		Filename:  w.Filename,
		URL:       w.URL,
		Files:     w.Files,
		Path:      w.Path,
		Content:   w.Content,
	}
	if w.State != nil {
		st := &model.ToolState{
			Status: wireToolStatus(w.State.Status),
			Input:  w.State.Input,
			Output: w.State.Output,
			Error:  w.State.Error,
		}
		st.Time.Start = w.State.Time.Start
		st.Time.End = w.State.Time.End
		if st.Time.End > st.Time.Start && st.Time.Start > 0 {
			st.Time.Duration = st.Time.End - st.Time.Start
		}
		p.State = st
		p.Title = w.State.Title
	}
	return p
}

func wireToolStatus(s string) model.ToolStatus {
	switch s {
	case "running":
		return model.ToolRunning
	case "completed":
		return model.ToolCompleted
	case "error":
		return model.ToolError
	default:
		return model.ToolPending
	}
}

// wireMessage pairs a message envelope with its parts in history replies.
type wireMessage struct {
	Info  wireInfo   `json:"info"`
	Parts []wirePart `json:"parts"`
}

// partDelta is the incremental form of a part update: append delta to one
// field of an already-known part.
type partDelta struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
	Field     string `json:"field"`
	Delta     string `json:"delta"`
}

// wirePermission is a permission prompt delivered on the stream.
type wirePermission struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionID"`
	CallID     string `json:"callID"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	Pattern    string `json:"pattern"`
	Metadata   any    `json:"metadata"`
	ResponseID string `json:"responseID"`
}

type providersResult struct {
	Providers []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Models map[string]struct {
			Name string `json:"name"`
		} `json:"models"`
	} `json:"providers"`
}

type wireProject struct {
	ID       string `json:"id"`
	Worktree string `json:"worktree"`
}

// joinModelID composes the canonical "provider/model" id.
func joinModelID(providerID, modelID string) string {
	if providerID == "" {
		return modelID
	}
	if modelID == "" {
		return providerID
	}
	return providerID + "/" + modelID
}

// splitModelID is the inverse of joinModelID.
func splitModelID(id string) (providerID, modelID string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}
