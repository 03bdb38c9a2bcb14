package supervisor

import "context"

// Message is one turn of the planner conversation.
type Message struct {
	Role    string `json:"role"` // system | user | assistant | tool
	Content string `json:"content"`
}

// ToolCall is one tool invocation requested by the planner.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Usage is the token accounting for one planner call.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// PlanRequest asks the planner for the next step.
type PlanRequest struct {
	RunID    string    `json:"run_id"`
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []string  `json:"tools"`
}

// PlanResponse is the planner's next step: free text plus zero or more tool
// calls.
type PlanResponse struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Planner produces the next step of a run from its conversation so far.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResponse, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) (PlanResponse, error)

func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	return f(ctx, req)
}
