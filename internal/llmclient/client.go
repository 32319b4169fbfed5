// Package llmclient defines the abstract LLM client contract the engine
// builds iterations against, generalizing the NewClient(cfg, logger)
// (Client, error) shape and Client interface boundary used by the pack's
// SLM client package so a provider is swappable behind one interface. The
// concrete github.com/anthropics/anthropic-sdk-go binding lives in the
// anthropic subpackage.
package llmclient

import "context"

// Role is the speaker of one Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat-shaped prompt.
type Message struct {
	Role    Role
	Content string
}

// ToolDefinition describes one callable tool offered to the model for an
// agentic sub-loop turn.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolUse is a model-requested tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResult is fed back to the model as the outcome of one ToolUse.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// CompleteRequest is one non-streaming call.
type CompleteRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolDefinition
	MaxTokens  int
	ToolChoice string // "", "auto", "any", or a specific tool name
}

// CompleteResponse is the model's reply: either text, one or more tool
// uses, or both (some providers interleave reasoning text with tool
// calls in a single turn).
type CompleteResponse struct {
	Text         string
	ToolUses     []ToolUse
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// ChunkKind distinguishes a streamed response fragment.
type ChunkKind string

const (
	ChunkTextDelta    ChunkKind = "text_delta"
	ChunkToolUseStart ChunkKind = "tool_use_start"
	ChunkToolUseInput ChunkKind = "tool_use_input"
	ChunkToolUseEnd   ChunkKind = "tool_use_end"
	ChunkStop         ChunkKind = "stop"
)

// StreamChunk is one event a Stream call delivers on its callback.
type StreamChunk struct {
	Kind       ChunkKind
	TextDelta  string
	ToolUseID  string
	ToolName   string
	InputDelta string // partial JSON, concatenated across ChunkToolUseInput events
	StopReason string
}

// Client is the provider-agnostic boundary the engine calls through.
// Implementations must be safe for concurrent use across multiple runs.
type Client interface {
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk)) (CompleteResponse, error)
}
