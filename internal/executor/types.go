// Package executor defines the uniform contract over the two vendor coding
// agents: a WorkOrder goes in, streamed messages come out, and a WorkReport
// summarizes what happened.
package executor

import "context"

// Variant identifies which vendor agent executed an order.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// DependencyPolicy controls whether a worker may add dependencies.
type DependencyPolicy string

const (
	DepsAllow        DependencyPolicy = "allow"
	DepsExistingOnly DependencyPolicy = "existing_only"
	DepsDeny         DependencyPolicy = "deny"
)

// VerifyCommand is one verification step for an order.
type VerifyCommand struct {
	Cmd      string `json:"cmd"`
	MustPass bool   `json:"must_pass"`
}

// Constraints bound what a worker may touch.
type Constraints struct {
	AllowedPaths     []string         `json:"allowed_paths,omitempty"`
	ForbiddenPaths   []string         `json:"forbidden_paths,omitempty"`
	DependencyPolicy DependencyPolicy `json:"dependency_policy,omitempty"`
}

// Verification lists the commands that prove an order is done.
type Verification struct {
	Commands []VerifyCommand `json:"commands,omitempty"`
}

// WorkOrder is the immutable input to an executor.
type WorkOrder struct {
	OrderID            string       `json:"order_id"`
	RunID              string       `json:"run_id"`
	TaskKind           string       `json:"task_kind"`
	Objective          string       `json:"objective"`
	Background         string       `json:"background,omitempty"`
	AcceptanceCriteria []string     `json:"acceptance_criteria,omitempty"`
	Constraints        Constraints  `json:"constraints"`
	Verification       Verification `json:"verification"`
}

// ReportStatus is the terminal status of a WorkReport.
type ReportStatus string

const (
	StatusDone   ReportStatus = "done"
	StatusFailed ReportStatus = "failed"
)

// CommandRun records one shell command a worker executed.
type CommandRun struct {
	Cmd      string `json:"cmd"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
}

// Changes lists the files a worker touched.
type Changes struct {
	FilesModified []string `json:"files_modified"`
}

// VerifyResult is the outcome of the order's verification commands.
type VerifyResult struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// ReportError carries a worker failure.
type ReportError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ReportMeta is timing and model bookkeeping. SessionID is the vendor
// session captured from the stream, usable for resume.
type ReportMeta struct {
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at"`
	Model       string `json:"model,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// WorkReport is the immutable output of an execution.
type WorkReport struct {
	ReportID     string       `json:"report_id"`
	OrderID      string       `json:"order_id"`
	RunID        string       `json:"run_id"`
	Executor     Variant      `json:"executor"`
	Status       ReportStatus `json:"status"`
	Summary      string       `json:"summary"`
	Changes      Changes      `json:"changes"`
	CommandsRun  []CommandRun `json:"commands_run"`
	Verification VerifyResult `json:"verification"`
	Error        *ReportError `json:"error,omitempty"`
	Metadata     ReportMeta   `json:"metadata"`
}

// Message is one streamed adapter event, normalized across vendors.
type Message struct {
	Type      string         `json:"type"` // text, tool_use, tool_result, session, result, error
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Options parameterizes one execution.
type Options struct {
	CWD             string
	Env             map[string]string
	ResumeSessionID string
	OnMessage       func(Message)
}

// Transport streams raw vendor messages for a rendered prompt. Implemented by
// the vendor SDK/CLI bridges and by test fakes.
type Transport interface {
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Message, error)
	Model() string
}

// Adapter runs WorkOrders against one vendor agent.
type Adapter interface {
	Variant() Variant
	Execute(ctx context.Context, order WorkOrder, opts Options) (WorkReport, error)
}
