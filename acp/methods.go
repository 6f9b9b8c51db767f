package acp

import "encoding/json"

// Agent protocol method names.
const (
	MethodInitialize     = "initialize"
	MethodAuthenticate   = "authenticate"
	MethodSessionNew     = "session/new"
	MethodSessionLoad    = "session/load"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionCancel  = "session/cancel"
	MethodSessionSetMode = "session/set_mode"
	MethodSessionUpdate  = "session/update"
)

// ContentBlock is one block of prompt or replay content. Only text blocks
// are produced by this module; other block types flow through opaquely.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// InitializeRequest is the params for the initialize method.
type InitializeRequest struct {
	ProtocolVersion    int             `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
}

// AuthMethod describes one authentication method advertised by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// InitializeResponse is the result of the initialize method.
type InitializeResponse struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// AuthenticateRequest is the params for the authenticate method.
type AuthenticateRequest struct {
	MethodID string `json:"methodId"`
}

// NewSessionRequest is the params for session/new.
type NewSessionRequest struct {
	Cwd        string          `json:"cwd,omitempty"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

// NewSessionResponse is the result of session/new.
type NewSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionRequest is the params for session/load.
type LoadSessionRequest struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd,omitempty"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

// PromptRequest is the params for session/prompt.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse is the result of session/prompt.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// CancelNotification is the params for the session/cancel notification.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// SetModeRequest is the params for session/set_mode.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}
