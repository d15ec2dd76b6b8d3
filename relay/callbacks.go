// Package relay orchestrates execution against one remote server: it
// resolves the agent a prompt should run on, drives the wire client, and
// presents a single execution API regardless of which transport tier
// actually served the request.
package relay

import (
	"encoding/json"

	"github.com/halyardhq/halyard/wire"
)

// Callbacks receives typed execution events. Any field may be nil; emission
// goes through the nil-safe emit helpers so callers register only what they
// care about.
type Callbacks struct {
	OnStart      func(executionID, agentID string)
	OnOutput     func(executionID, content string)
	OnProgress   func(executionID, stage string, percent float64)
	OnToolCall   func(executionID, tool string, arguments json.RawMessage)
	OnToolResult func(executionID, tool string, result json.RawMessage, isError bool)
	OnFileChange func(executionID, path, kind string)
	OnComplete   func(executionID string, result *wire.ExecutionResult)
	OnError      func(executionID string, err error)
}

func (c *Callbacks) emitStart(executionID, agentID string) {
	if c != nil && c.OnStart != nil {
		c.OnStart(executionID, agentID)
	}
}

func (c *Callbacks) emitOutput(executionID, content string) {
	if c != nil && c.OnOutput != nil {
		c.OnOutput(executionID, content)
	}
}

func (c *Callbacks) emitProgress(executionID, stage string, percent float64) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(executionID, stage, percent)
	}
}

func (c *Callbacks) emitToolCall(executionID, tool string, arguments json.RawMessage) {
	if c != nil && c.OnToolCall != nil {
		c.OnToolCall(executionID, tool, arguments)
	}
}

func (c *Callbacks) emitToolResult(executionID, tool string, result json.RawMessage, isError bool) {
	if c != nil && c.OnToolResult != nil {
		c.OnToolResult(executionID, tool, result, isError)
	}
}

func (c *Callbacks) emitFileChange(executionID, path, kind string) {
	if c != nil && c.OnFileChange != nil {
		c.OnFileChange(executionID, path, kind)
	}
}

func (c *Callbacks) emitComplete(executionID string, result *wire.ExecutionResult) {
	if c != nil && c.OnComplete != nil {
		c.OnComplete(executionID, result)
	}
}

func (c *Callbacks) emitError(executionID string, err error) {
	if c != nil && c.OnError != nil {
		c.OnError(executionID, err)
	}
}

// notificationSink adapts wire notifications to the typed callback surface.
// Decode failures are dropped: a malformed notification must never abort an
// execution in flight.
func (c *Callbacks) notificationSink() wire.NotificationFunc {
	return func(method string, params json.RawMessage) {
		switch method {
		case wire.NotifyOutput:
			var chunk wire.OutputChunk
			if json.Unmarshal(params, &chunk) == nil {
				c.emitOutput(chunk.ExecutionID, chunk.Content)
			}
		case wire.NotifyProgress:
			var p wire.Progress
			if json.Unmarshal(params, &p) == nil {
				c.emitProgress(p.ExecutionID, p.Stage, p.Percent)
			}
		case wire.NotifyToolCall:
			var tc wire.ToolCallEvent
			if json.Unmarshal(params, &tc) == nil {
				c.emitToolCall(tc.ExecutionID, tc.Tool, tc.Arguments)
			}
		case wire.NotifyToolResult:
			var tr wire.ToolResultEvent
			if json.Unmarshal(params, &tr) == nil {
				c.emitToolResult(tr.ExecutionID, tr.Tool, tr.Result, tr.IsError)
			}
		case wire.NotifyFileChange:
			var fc wire.FileChangeEvent
			if json.Unmarshal(params, &fc) == nil {
				c.emitFileChange(fc.ExecutionID, fc.Path, fc.Kind)
			}
		}
	}
}
