package executor

import (
	"fmt"
	"sort"
	"strings"
)

// collector folds streamed messages into the pieces a WorkReport needs.
// Tool naming differs per vendor; the edit/shell sets below translate.
type collector struct {
	editTools  map[string]bool
	shellTools map[string]bool

	files     map[string]bool
	commands  []CommandRun
	sessionID string
	resultTxt string
	errMsg    string
	lastCmd   string // shell tool_use awaiting its tool_result exit code
}

func newCollector(v Variant) *collector {
	c := &collector{files: map[string]bool{}}
	switch v {
	case VariantB:
		c.editTools = map[string]bool{"str_replace_editor": true, "create_file": true, "apply_patch": true}
		c.shellTools = map[string]bool{"bash": true, "shell": true}
	default:
		c.editTools = map[string]bool{"edit_file": true, "write_file": true, "Edit": true, "Write": true}
		c.shellTools = map[string]bool{"run_command": true, "Bash": true}
	}
	return c
}

func (c *collector) observe(m Message) {
	switch m.Type {
	case "session":
		if m.SessionID != "" {
			c.sessionID = m.SessionID
		}
	case "tool_use":
		switch {
		case c.editTools[m.Tool]:
			if p := stringInput(m.Input, "path", "file_path"); p != "" {
				c.files[p] = true
			}
		case c.shellTools[m.Tool]:
			c.lastCmd = stringInput(m.Input, "command", "cmd")
		}
	case "tool_result":
		if c.lastCmd != "" {
			cr := CommandRun{Cmd: c.lastCmd}
			if m.ExitCode != nil {
				cr.ExitCode = *m.ExitCode
			}
			cr.Stdout = m.Text
			c.commands = append(c.commands, cr)
			c.lastCmd = ""
		}
	case "result":
		c.resultTxt = m.Text
	case "error":
		if m.Text != "" {
			c.errMsg = m.Text
		}
	}
}

func stringInput(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// report assembles the final WorkReport from what was observed.
func (c *collector) report(order WorkOrder, v Variant, meta ReportMeta, reportID string) WorkReport {
	files := make([]string, 0, len(c.files))
	for f := range c.files {
		files = append(files, f)
	}
	sort.Strings(files)

	meta.SessionID = c.sessionID
	r := WorkReport{
		ReportID:    reportID,
		OrderID:     order.OrderID,
		RunID:       order.RunID,
		Executor:    v,
		Status:      StatusDone,
		Summary:     strings.TrimSpace(c.resultTxt),
		Changes:     Changes{FilesModified: files},
		CommandsRun: c.commands,
		Metadata:    meta,
	}
	r.Verification = c.verify(order)

	if c.errMsg != "" {
		r.Status = StatusFailed
		r.Error = &ReportError{Message: c.errMsg}
		if r.Summary == "" {
			r.Summary = c.errMsg
		}
	}
	return r
}

// verify checks the order's must-pass commands against the captured command
// runs. A must-pass command that never ran, or ran and failed, fails
// verification.
func (c *collector) verify(order WorkOrder) VerifyResult {
	if len(order.Verification.Commands) == 0 {
		return VerifyResult{Passed: true}
	}
	var failures []string
	for _, vc := range order.Verification.Commands {
		if !vc.MustPass {
			continue
		}
		ran := false
		for _, cr := range c.commands {
			if cr.Cmd != vc.Cmd {
				continue
			}
			ran = true
			if cr.ExitCode != 0 {
				failures = append(failures, fmt.Sprintf("%s exited %d", vc.Cmd, cr.ExitCode))
			}
			break
		}
		if !ran {
			failures = append(failures, fmt.Sprintf("%s never ran", vc.Cmd))
		}
	}
	if len(failures) > 0 {
		return VerifyResult{Passed: false, Details: strings.Join(failures, "; ")}
	}
	return VerifyResult{Passed: true}
}
