// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// llmclient.Client contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/llmclient"
)

// Config configures the Anthropic binding.
type Config struct {
	APIKey    string
	BaseURL   string // optional: override for a proxy/gateway
	MaxTokens int    // default when CompleteRequest.MaxTokens is 0
}

// Client wraps an anthropic.Client behind llmclient.Client.
type Client struct {
	sdk       anthropic.Client
	maxTokens int
	log       *logrus.Logger
}

// NewClient builds an Anthropic-backed llmclient.Client. Mirrors the
// pack's NewClient(cfg, logger) (Client, error) shape.
func NewClient(cfg Config, log *logrus.Logger) (llmclient.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key is required", daemonerr.ErrLlmError)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		maxTokens: maxTokens,
		log:       log,
	}, nil
}

func (c *Client) Complete(ctx context.Context, req llmclient.CompleteRequest) (llmclient.CompleteResponse, error) {
	params := c.buildParams(req)
	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llmclient.CompleteResponse{}, fmt.Errorf("%w: %v", daemonerr.ErrLlmError, err)
	}
	return toCompleteResponse(msg), nil
}

func (c *Client) Stream(ctx context.Context, req llmclient.CompleteRequest, onChunk func(llmclient.StreamChunk)) (llmclient.CompleteResponse, error) {
	params := c.buildParams(req)
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return llmclient.CompleteResponse{}, fmt.Errorf("%w: accumulating stream event: %v", daemonerr.ErrLlmError, err)
		}
		if chunk, ok := toStreamChunk(event); ok {
			onChunk(chunk)
		}
	}
	if err := stream.Err(); err != nil {
		return llmclient.CompleteResponse{}, fmt.Errorf("%w: %v", daemonerr.ErrLlmError, err)
	}
	return toCompleteResponse(&acc), nil
}

func (c *Client) buildParams(req llmclient.CompleteRequest) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(c.maxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}

	for _, m := range req.Messages {
		if m.Role == llmclient.RoleSystem {
			params.System = []anthropic.TextBlockParam{{Text: m.Content}}
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case llmclient.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	for _, t := range req.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: json.RawMessage(schema),
				},
			},
		})
	}
	return params
}

func toCompleteResponse(msg *anthropic.Message) llmclient.CompleteResponse {
	out := llmclient.CompleteResponse{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += v.Text
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			_ = json.Unmarshal(v.Input, &input)
			out.ToolUses = append(out.ToolUses, llmclient.ToolUse{
				ID:    v.ID,
				Name:  v.Name,
				Input: input,
			})
		}
	}
	return out
}

func toStreamChunk(event anthropic.MessageStreamEventUnion) (llmclient.StreamChunk, bool) {
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch d := e.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return llmclient.StreamChunk{Kind: llmclient.ChunkTextDelta, TextDelta: d.Text}, true
		case anthropic.InputJSONDelta:
			return llmclient.StreamChunk{Kind: llmclient.ChunkToolUseInput, InputDelta: d.PartialJSON}, true
		}
	case anthropic.ContentBlockStartEvent:
		if v, ok := e.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			return llmclient.StreamChunk{Kind: llmclient.ChunkToolUseStart, ToolUseID: v.ID, ToolName: v.Name}, true
		}
	case anthropic.ContentBlockStopEvent:
		return llmclient.StreamChunk{Kind: llmclient.ChunkToolUseEnd}, true
	case anthropic.MessageStopEvent:
		return llmclient.StreamChunk{Kind: llmclient.ChunkStop}, true
	}
	return llmclient.StreamChunk{}, false
}
