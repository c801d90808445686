// Copyright 2026 The Talon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package anthropic adapts the Anthropic Messages streaming API to the
// transport event vocabulary.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/specterops/talon/internal/log"
	"github.com/specterops/talon/internal/message"
	"github.com/specterops/talon/internal/transport"
)

// Client streams assistant turns through the Anthropic Messages API.
type Client struct {
	client    sdk.Client
	maxTokens int64
}

// NewClient builds a client from environment credentials
// (ANTHROPIC_API_KEY).
func NewClient(maxTokens int64) *Client {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Client{client: sdk.NewClient(), maxTokens: maxTokens}
}

// Stream implements transport.Stream.
func (c *Client) Stream(ctx context.Context, req transport.Request) (<-chan transport.Event, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan transport.Event, 32)
	go func() {
		defer close(events)
		c.pump(ctx, params, events)
	}()
	return events, nil
}

func (c *Client) buildParams(req transport.Request) (sdk.MessageNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: no messages to send")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			tool := sdk.ToolParam{
				Name:        def.Name,
				Description: sdk.String(def.Description),
			}
			if def.InputSchema != nil {
				raw, err := json.Marshal(def.InputSchema)
				if err != nil {
					return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
				}
				var schema sdk.ToolInputSchemaParam
				if err := json.Unmarshal(raw, &schema); err != nil {
					return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
				}
				tool.InputSchema = schema
			}
			tools = append(tools, sdk.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(msgs []*message.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case message.User:
			if text := msg.TextContent(); text != "" {
				out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(text)))
			}
		case message.Assistant:
			var content []sdk.ContentBlockParamUnion
			if text := msg.TextContent(); text != "" {
				content = append(content, sdk.NewTextBlock(text))
			}
			var results []sdk.ContentBlockParamUnion
			for _, tool := range msg.ToolParts() {
				var input any = map[string]any{}
				if tool.State.Input != "" {
					if err := json.Unmarshal([]byte(tool.State.Input), &input); err != nil {
						input = map[string]any{"raw": tool.State.Input}
					}
				}
				content = append(content, sdk.NewToolUseBlock(tool.CallID, input, tool.Tool))
				switch tool.State.Status {
				case message.ToolCompleted:
					results = append(results, sdk.NewToolResultBlock(tool.CallID, tool.State.Output, false))
				case message.ToolError:
					results = append(results, sdk.NewToolResultBlock(tool.CallID, tool.State.Error, true))
				}
			}
			if len(content) > 0 {
				out = append(out, sdk.NewAssistantMessage(content...))
			}
			// Tool results ride in a user turn per the Messages API.
			if len(results) > 0 {
				out = append(out, sdk.NewUserMessage(results...))
			}
		}
	}
	return out, nil
}

// pump translates SDK stream events into the transport vocabulary.
func (c *Client) pump(ctx context.Context, params sdk.MessageNewParams, events chan<- transport.Event) {
	emit := func(evt transport.Event) bool {
		select {
		case events <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(transport.Event{Type: transport.EventStart}) {
		return
	}
	if !emit(transport.Event{Type: transport.EventStartStep}) {
		return
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	type block struct {
		kind       string // "text", "thinking" or "tool_use"
		toolCallID string
		toolName   string
		input      strings.Builder
	}
	blocks := make(map[int64]*block)
	blockID := func(index int64) string { return fmt.Sprintf("blk_%d", index) }

	var usage message.TokenUsage
	var finishReason string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			usage.Input = int(event.Message.Usage.InputTokens)
			usage.CacheRead = int(event.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			switch event.ContentBlock.Type {
			case "tool_use":
				blocks[event.Index] = &block{
					kind:       "tool_use",
					toolCallID: event.ContentBlock.ID,
					toolName:   event.ContentBlock.Name,
				}
				if !emit(transport.Event{
					Type:       transport.EventToolInputStart,
					ID:         blockID(event.Index),
					ToolCallID: event.ContentBlock.ID,
					ToolName:   event.ContentBlock.Name,
				}) {
					return
				}
			case "thinking":
				blocks[event.Index] = &block{kind: "thinking"}
				if !emit(transport.Event{Type: transport.EventReasoningStart, ID: blockID(event.Index)}) {
					return
				}
			default:
				blocks[event.Index] = &block{kind: "text"}
				if !emit(transport.Event{Type: transport.EventTextStart, ID: blockID(event.Index)}) {
					return
				}
			}

		case "content_block_delta":
			current := blocks[event.Index]
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !emit(transport.Event{
						Type: transport.EventTextDelta,
						ID:   blockID(event.Index),
						Text: event.Delta.Text,
					}) {
						return
					}
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" {
					if !emit(transport.Event{
						Type: transport.EventReasoningDelta,
						ID:   blockID(event.Index),
						Text: event.Delta.Thinking,
					}) {
						return
					}
				}
			case "input_json_delta":
				if current != nil && current.kind == "tool_use" {
					current.input.WriteString(event.Delta.PartialJSON)
					if !emit(transport.Event{
						Type:       transport.EventToolInputDelta,
						ID:         blockID(event.Index),
						ToolCallID: current.toolCallID,
					}) {
						return
					}
				}
			}

		case "content_block_stop":
			current := blocks[event.Index]
			if current == nil {
				continue
			}
			delete(blocks, event.Index)
			switch current.kind {
			case "tool_use":
				input := current.input.String()
				if input == "" {
					input = "{}"
				}
				if !emit(transport.Event{
					Type:       transport.EventToolInputEnd,
					ID:         blockID(event.Index),
					ToolCallID: current.toolCallID,
				}) {
					return
				}
				if !emit(transport.Event{
					Type:       transport.EventToolCall,
					ToolCallID: current.toolCallID,
					ToolName:   current.toolName,
					Input:      input,
				}) {
					return
				}
			case "thinking":
				if !emit(transport.Event{Type: transport.EventReasoningEnd, ID: blockID(event.Index)}) {
					return
				}
			default:
				if !emit(transport.Event{Type: transport.EventTextEnd, ID: blockID(event.Index)}) {
					return
				}
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				finishReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				usage.Output = int(event.Usage.OutputTokens)
			}

		case "message_stop":
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		log.Debug("anthropic stream failed", zap.Error(err))
		emit(transport.Event{Type: transport.EventError, Err: err})
		return
	}

	if !emit(transport.Event{
		Type:         transport.EventFinishStep,
		FinishReason: finishReason,
		Usage:        usage,
	}) {
		return
	}
	emit(transport.Event{Type: transport.EventFinish, FinishReason: finishReason, Usage: usage})
}
