// Package agent defines the travel-planning capability the chat gateway
// calls to turn a user message into an itinerary response. The gateway
// treats the agent as opaque: it hands over the message plus session
// context and gets back a full response to stream out in chunks.
package agent

import (
	"context"
	"fmt"

	"github.com/wayfarer-labs/wayfarer/internal/config"
)

// Context carries the per-call session context passed alongside the input.
type Context struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// ToolCall records one tool invocation the planner made while producing
// its response.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Result is the planner's full response for one input.
type Result struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Agent produces a travel-planning response for a user message.
type Agent interface {
	// RunWithTools runs the planner with the given input, session context
	// and tool names. Implementations must honor ctx cancellation.
	RunWithTools(ctx context.Context, input string, tctx Context, tools []string) (*Result, error)

	// Name identifies the provider for logs and health output.
	Name() string
}

// New constructs the agent provider selected by the configuration.
func New(cfg config.AgentConfig) (Agent, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStaticAgent(), nil
	case "http":
		return NewHTTPAgent(cfg)
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
}
